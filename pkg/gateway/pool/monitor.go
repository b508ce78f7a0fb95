// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Monitor runs one long-lived probe goroutine per registered backend. Each
// goroutine performs an immediate first probe and then probes on its
// backend's interval. Probes never block request handling; the pool reads
// health through atomics.
type Monitor struct {
	pool            *Pool
	checker         Checker
	defaultInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks all probe goroutines for shutdown.
	wg sync.WaitGroup

	// initialCheckWg is released once every backend has completed its
	// first probe.
	initialCheckWg sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewMonitor creates a health monitor for the pool's backends. Backends
// without their own probe interval use defaultInterval.
func NewMonitor(p *Pool, checker Checker, defaultInterval time.Duration) (*Monitor, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: pool is required", gateway.ErrInvalidConfig)
	}
	if checker == nil {
		return nil, fmt.Errorf("%w: checker is required", gateway.ErrInvalidConfig)
	}
	if defaultInterval <= 0 {
		return nil, fmt.Errorf("%w: probe interval must be positive, got %v",
			gateway.ErrInvalidConfig, defaultInterval)
	}

	return &Monitor{
		pool:            p,
		checker:         checker,
		defaultInterval: defaultInterval,
	}, nil
}

// Start launches one probe goroutine per backend registered at call time.
// A monitor can be started once; it cannot be restarted after Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("health monitor already started")
	}
	if m.stopped {
		return fmt.Errorf("health monitor cannot be restarted")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	backends := m.pool.Backends()
	m.initialCheckWg.Add(len(backends))
	for _, inst := range backends {
		interval := inst.cfg.HealthCheckInterval
		if interval <= 0 {
			interval = m.defaultInterval
		}

		m.wg.Add(1)
		go m.monitorBackend(inst, interval)
	}

	m.started = true
	logger.Infof("Health monitor started for %d backends (default interval %s)",
		len(backends), m.defaultInterval)
	return nil
}

// Stop cancels all probe goroutines and waits for them to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	logger.Info("Health monitor stopped")
}

// WaitForInitialHealthChecks blocks until every backend has completed its
// first probe or the context is done. Useful at startup so the gateway does
// not report every backend as unknown in its first health snapshot.
func (m *Monitor) WaitForInitialHealthChecks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.initialCheckWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for initial health checks: %w", ctx.Err())
	}
}

// monitorBackend is the per-backend probe loop. The first probe fires
// immediately so the instance becomes eligible for dispatch without waiting
// a full interval.
func (m *Monitor) monitorBackend(inst *Instance, interval time.Duration) {
	defer m.wg.Done()

	m.probe(inst)
	m.initialCheckWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe(inst)
		}
	}
}

func (m *Monitor) probe(inst *Instance) {
	err := m.checker.CheckHealth(m.ctx, inst.BaseURL())
	if m.ctx.Err() != nil {
		// Shutdown cancelled the probe. Keep the last real outcome instead
		// of recording a transition we caused ourselves.
		return
	}
	recordProbe(inst, err)
}
