// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// recordProbe applies a probe outcome to an instance, moving it through the
// Unknown → Healthy ↔ Unhealthy state machine. A single line is logged on
// each edge transition; repeated identical outcomes are silent.
func recordProbe(inst *Instance, err error) {
	inst.lastCheck.Store(time.Now().UnixNano())

	next := statusHealthy
	if err != nil {
		next = statusUnhealthy
	}

	prev := inst.status.Swap(next)
	if prev == next {
		return
	}

	if next == statusHealthy {
		logger.Infof("Backend %s status changed: %s → %s",
			inst.ID(), statusOf(prev), gateway.BackendHealthy)
		return
	}
	logger.Warnf("Backend %s status changed: %s → %s: %v",
		inst.ID(), statusOf(prev), gateway.BackendUnhealthy, err)
}
