// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// Table maps capability keys to the backend id that serves them. A key is a
// tool name, resource URI, prompt name, generic method or a backend id.
// Tables are immutable once built; the router swaps whole tables.
type Table struct {
	routes map[string]string
}

// BuildTable inverts the per-backend capability declarations into a single
// capability → backendId table. Each backend id self-registers as a
// capability so generic calls can address a backend directly. A capability
// claimed by two backends is a configuration error naming the key and both
// claimants.
func BuildTable(backends []gateway.BackendConfig) (*Table, error) {
	routes := make(map[string]string)

	claim := func(key, backendID string) error {
		if key == "" {
			return fmt.Errorf("%w: backend %s declares an empty capability",
				gateway.ErrInvalidConfig, backendID)
		}
		if owner, exists := routes[key]; exists && owner != backendID {
			return fmt.Errorf("%w: %q claimed by both %s and %s",
				gateway.ErrDuplicateCapability, key, owner, backendID)
		}
		routes[key] = backendID
		return nil
	}

	for _, backend := range backends {
		if backend.ID == "" {
			return nil, fmt.Errorf("%w: backend id is required", gateway.ErrInvalidConfig)
		}
		if err := claim(backend.ID, backend.ID); err != nil {
			return nil, err
		}
		for _, capability := range backend.Capabilities {
			if err := claim(capability, backend.ID); err != nil {
				return nil, err
			}
		}
	}

	return &Table{routes: routes}, nil
}

// Lookup returns the backend id serving a capability key.
func (t *Table) Lookup(key string) (string, bool) {
	backendID, ok := t.routes[key]
	return backendID, ok
}

// Len returns the number of capability keys in the table.
func (t *Table) Len() int {
	return len(t.routes)
}

// Routes returns a copy of the capability → backendId mapping.
func (t *Table) Routes() map[string]string {
	routes := make(map[string]string, len(t.routes))
	for key, backendID := range t.routes {
		routes[key] = backendID
	}
	return routes
}
