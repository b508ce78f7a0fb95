// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool manages the logical backend instances the gateway forwards
// to. It registers one instance per backend id, tracks probe-driven health
// and hands instances out under a per-backend connection budget.
package pool

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// DefaultMaxConnections is the per-backend concurrent forward budget used
// when a backend does not configure its own.
const DefaultMaxConnections = 100

// Internal status codes for the atomic health field. The zero value is
// unknown so a freshly registered instance is never eligible for dispatch
// before its first probe completes.
const (
	statusUnknown int32 = iota
	statusHealthy
	statusUnhealthy
)

func statusOf(code int32) gateway.BackendHealthStatus {
	switch code {
	case statusHealthy:
		return gateway.BackendHealthy
	case statusUnhealthy:
		return gateway.BackendUnhealthy
	default:
		return gateway.BackendUnknown
	}
}

// Instance is the single logical instance behind a backend id. All mutable
// fields are atomics so probes and request handling never contend on a lock.
type Instance struct {
	cfg            gateway.BackendConfig
	maxConnections int64

	status    atomic.Int32
	active    atomic.Int64
	lastCheck atomic.Int64 // unix nanoseconds of the most recent probe
}

// ID returns the backend identifier.
func (i *Instance) ID() string {
	return i.cfg.ID
}

// BaseURL returns the backend's base URL. Forwards target {BaseURL}/mcp.
func (i *Instance) BaseURL() string {
	return i.cfg.BaseURL
}

// Config returns a copy of the registration config. The capability set is
// immutable after registration, so callers may not mutate the returned slice.
func (i *Instance) Config() gateway.BackendConfig {
	cfg := i.cfg
	cfg.Capabilities = slices.Clone(i.cfg.Capabilities)
	return cfg
}

// Capabilities returns a copy of the backend's declared capability set.
func (i *Instance) Capabilities() []string {
	return slices.Clone(i.cfg.Capabilities)
}

// MaxRetries returns the retry budget for idempotent forwards.
func (i *Instance) MaxRetries() int {
	return i.cfg.MaxRetries
}

// RequiresAuth reports whether the backend only accepts requests that carry
// a resolved organization context.
func (i *Instance) RequiresAuth() bool {
	return i.cfg.RequiresAuth
}

// Status returns the current probe-driven health status.
func (i *Instance) Status() gateway.BackendHealthStatus {
	return statusOf(i.status.Load())
}

// Healthy reports whether the most recent probe succeeded. An instance that
// has not completed its first probe is not healthy.
func (i *Instance) Healthy() bool {
	return i.status.Load() == statusHealthy
}

// ActiveConnections returns the number of in-flight forwards.
func (i *Instance) ActiveConnections() int64 {
	return i.active.Load()
}

// LastCheck returns the completion time of the most recent probe, or the
// zero time when no probe has completed yet.
func (i *Instance) LastCheck() time.Time {
	nanos := i.lastCheck.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Pool holds the registered backend instances. Registration happens at
// startup; afterwards the map is read-only and all per-instance mutation
// goes through atomics.
type Pool struct {
	mu       sync.RWMutex
	backends map[string]*Instance
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		backends: make(map[string]*Instance),
	}
}

// Register adds a backend to the pool. The id must be unique; registering
// the same id twice is a configuration error.
func (p *Pool) Register(cfg gateway.BackendConfig) (*Instance, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: backend id is required", gateway.ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: backend %s has no base URL", gateway.ErrInvalidConfig, cfg.ID)
	}

	maxConns := int64(cfg.MaxConnections)
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}

	inst := &Instance{
		cfg:            cfg,
		maxConnections: maxConns,
	}
	inst.cfg.Capabilities = slices.Clone(cfg.Capabilities)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.backends[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: backend %s registered twice", gateway.ErrInvalidConfig, cfg.ID)
	}
	p.backends[cfg.ID] = inst

	return inst, nil
}

// Backend returns the instance registered under the given id.
func (p *Pool) Backend(backendID string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	inst, ok := p.backends[backendID]
	return inst, ok
}

// Backends returns all registered instances in no particular order.
func (p *Pool) Backends() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	instances := make([]*Instance, 0, len(p.backends))
	for _, inst := range p.backends {
		instances = append(instances, inst)
	}
	return instances
}

// Acquire hands out the instance for a backend id when it is eligible for
// dispatch: healthy and below its connection budget. The active connection
// count is incremented on success. Returns nil without side effects when
// the backend is unknown, unhealthy or at capacity.
func (p *Pool) Acquire(backendID string) *Instance {
	inst, ok := p.Backend(backendID)
	if !ok {
		return nil
	}

	if !inst.Healthy() {
		return nil
	}

	// Reserve a slot with CAS so concurrent acquirers never overshoot the
	// budget.
	for {
		active := inst.active.Load()
		if active >= inst.maxConnections {
			return nil
		}
		if inst.active.CompareAndSwap(active, active+1) {
			return inst
		}
	}
}

// Release returns an instance to the pool, decrementing its active
// connection count. The count is clamped at zero so a stray release can
// never make it negative. Safe to call with nil.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}

	for {
		active := inst.active.Load()
		if active == 0 {
			return
		}
		if inst.active.CompareAndSwap(active, active-1) {
			return
		}
	}
}

// Snapshot returns the composite health view served by the gateway's own
// health endpoint. Status is "ok" only when every registered backend is
// healthy.
func (p *Pool) Snapshot() gateway.HealthSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := "ok"
	servers := make(map[string]gateway.BackendHealth, len(p.backends))
	for id, inst := range p.backends {
		healthy := 0
		if inst.Healthy() {
			healthy = 1
		} else {
			status = "degraded"
		}
		servers[id] = gateway.BackendHealth{
			Instances:    1,
			Healthy:      healthy,
			Capabilities: inst.Capabilities(),
			LastCheck:    inst.LastCheck(),
		}
	}

	return gateway.HealthSnapshot{
		Status:    status,
		Timestamp: time.Now(),
		Servers:   servers,
	}
}
