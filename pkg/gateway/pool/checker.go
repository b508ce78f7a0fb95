// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultProbeTimeout caps a single health probe. A backend that does not
// answer within this window counts as a failed probe.
const DefaultProbeTimeout = 5 * time.Second

// Checker performs a single health probe against a backend. A nil error
// means the backend passed the probe.
type Checker interface {
	CheckHealth(ctx context.Context, baseURL string) error
}

// httpChecker probes backends with GET {baseURL}/health. Any 2xx response
// passes; a non-2xx status, a connection error or a timeout fails.
type httpChecker struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPChecker creates a checker that probes {baseURL}/health over HTTP.
// A nil client uses http.DefaultClient; a non-positive timeout uses
// DefaultProbeTimeout.
func NewHTTPChecker(client *http.Client, timeout time.Duration) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &httpChecker{
		client:  client,
		timeout: timeout,
	}
}

func (c *httpChecker) CheckHealth(ctx context.Context, baseURL string) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	probeURL := strings.TrimSuffix(baseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("building health probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the transport can reuse the connection between probes.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}
