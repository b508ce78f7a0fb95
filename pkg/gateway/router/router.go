// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router resolves decoded MCP requests to backend ids. The routing
// table is built once from the backend configuration at startup and swapped
// wholesale on changes; lookups match on the request's typed call target.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/protocol"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Router resolves call targets to backend ids. Implementations must be safe
// for concurrent use.
type Router interface {
	// Resolve returns the backend id serving the target's capability key.
	// Returns gateway.ErrNoRoute when no backend claims the key.
	Resolve(ctx context.Context, target protocol.CallTarget) (string, error)

	// Update replaces the routing table. The swap is atomic: every lookup
	// sees either the old table or the new one.
	Update(ctx context.Context, table *Table) error
}

// capabilityRouter routes on the unified capability table through an
// RWMutex. The router starts empty and errors until Update is called.
type capabilityRouter struct {
	mu    sync.RWMutex
	table *Table
}

// NewCapabilityRouter creates a router with no routing table. Resolve
// returns errors until Update installs one.
func NewCapabilityRouter() Router {
	return &capabilityRouter{}
}

// Resolve looks up the backend serving the target's capability key.
func (r *capabilityRouter) Resolve(_ context.Context, target protocol.CallTarget) (string, error) {
	if target == nil {
		return "", fmt.Errorf("call target cannot be nil")
	}

	r.mu.RLock()
	table := r.table
	r.mu.RUnlock()

	if table == nil {
		return "", fmt.Errorf("routing table not initialized")
	}

	key := target.Key()
	backendID, ok := table.Lookup(key)
	if !ok {
		logger.Debugf("No backend for %s", target)
		return "", fmt.Errorf("%w: %s", gateway.ErrNoRoute, key)
	}

	logger.Debugf("Routed %s to backend %s", target, backendID)
	return backendID, nil
}

// Update swaps in a new routing table.
func (r *capabilityRouter) Update(_ context.Context, table *Table) error {
	if table == nil {
		return fmt.Errorf("routing table cannot be nil")
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()

	logger.Infof("Updated routing table: %d capability keys", table.Len())
	return nil
}
