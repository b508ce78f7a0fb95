// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

func TestBuildTableInversion(t *testing.T) {
	t.Parallel()

	backends := []gateway.BackendConfig{
		{
			ID:           "linear",
			BaseURL:      "http://localhost:9001",
			Capabilities: []string{"search_issues", "tools/list"},
		},
		{
			ID:           "github",
			BaseURL:      "http://localhost:9002",
			Capabilities: []string{"create_pr", "github://repos", "summarize_diff"},
		},
	}

	table, err := BuildTable(backends)
	require.NoError(t, err)

	// Declared capabilities plus one self-registration per backend.
	assert.Equal(t, 7, table.Len())

	tests := []struct {
		key     string
		backend string
	}{
		{key: "search_issues", backend: "linear"},
		{key: "tools/list", backend: "linear"},
		{key: "create_pr", backend: "github"},
		{key: "github://repos", backend: "github"},
		{key: "linear", backend: "linear"},
		{key: "github", backend: "github"},
	}
	for _, tt := range tests {
		backendID, ok := table.Lookup(tt.key)
		require.True(t, ok, "expected a route for %q", tt.key)
		assert.Equal(t, tt.backend, backendID)
	}

	_, ok := table.Lookup("unknown_tool")
	assert.False(t, ok)
}

func TestBuildTableDuplicateCapability(t *testing.T) {
	t.Parallel()

	backends := []gateway.BackendConfig{
		{ID: "linear", Capabilities: []string{"search"}},
		{ID: "github", Capabilities: []string{"search"}},
	}

	table, err := BuildTable(backends)
	require.ErrorIs(t, err, gateway.ErrDuplicateCapability)
	assert.Nil(t, table)

	// The error names the contested key and both claimants.
	assert.ErrorContains(t, err, `"search"`)
	assert.ErrorContains(t, err, "linear")
	assert.ErrorContains(t, err, "github")
}

func TestBuildTableBackendIDCollision(t *testing.T) {
	t.Parallel()

	// A capability that matches another backend's id is still a duplicate:
	// both would claim the same key.
	backends := []gateway.BackendConfig{
		{ID: "linear", Capabilities: []string{"github"}},
		{ID: "github", Capabilities: []string{"create_pr"}},
	}

	_, err := BuildTable(backends)
	require.ErrorIs(t, err, gateway.ErrDuplicateCapability)
	assert.ErrorContains(t, err, `"github"`)
}

func TestBuildTableOwnIDAsCapability(t *testing.T) {
	t.Parallel()

	// A backend redeclaring its own id is redundant but not a conflict.
	backends := []gateway.BackendConfig{
		{ID: "linear", Capabilities: []string{"linear", "search_issues"}},
	}

	table, err := BuildTable(backends)
	require.NoError(t, err)

	backendID, ok := table.Lookup("linear")
	require.True(t, ok)
	assert.Equal(t, "linear", backendID)
}

func TestBuildTableValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backends []gateway.BackendConfig
	}{
		{
			name:     "missing backend id",
			backends: []gateway.BackendConfig{{Capabilities: []string{"search"}}},
		},
		{
			name:     "empty capability",
			backends: []gateway.BackendConfig{{ID: "linear", Capabilities: []string{""}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := BuildTable(tt.backends)
			require.ErrorIs(t, err, gateway.ErrInvalidConfig)
		})
	}
}

func TestBuildTableEmpty(t *testing.T) {
	t.Parallel()

	table, err := BuildTable(nil)
	require.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestTableRoutesReturnsCopy(t *testing.T) {
	t.Parallel()

	table, err := BuildTable([]gateway.BackendConfig{
		{ID: "linear", Capabilities: []string{"search_issues"}},
	})
	require.NoError(t, err)

	routes := table.Routes()
	routes["search_issues"] = "hijacked"

	backendID, ok := table.Lookup("search_issues")
	require.True(t, ok)
	assert.Equal(t, "linear", backendID)
}
