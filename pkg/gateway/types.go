// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway contains the shared domain types used across the MCP
// gateway subpackages: tenant context, backend descriptors, and the health
// snapshot exposed over the composite health endpoint.
package gateway

import (
	"time"
)

// OrganizationContext is the tenant context resolved from a caller's
// credentials. It is immutable once produced; sessions capture it at
// creation time and never mutate it.
type OrganizationContext struct {
	// OrganizationID is the internal identifier of the organization.
	OrganizationID string

	// OrganizationExternalID is the identity-provider identifier of the
	// organization, as carried in bearer token claims.
	OrganizationExternalID string

	// UserID is the authenticated user subject, when known.
	UserID string

	// Role is the caller's role within the organization, when known.
	Role string
}

// TransportKind distinguishes the transports a session can be bound to.
type TransportKind string

const (
	// TransportHTTP marks sessions created by plain HTTP requests.
	TransportHTTP TransportKind = "http"

	// TransportWebSocket marks sessions bound to a WebSocket connection.
	TransportWebSocket TransportKind = "websocket"
)

// BackendConfig describes a backend MCP server as registered at startup.
// The capability set is immutable after registration.
type BackendConfig struct {
	// ID is the unique backend identifier. It is also registered as a
	// capability key so generic calls can reach the backend by id.
	ID string

	// BaseURL is the base URL of the backend's MCP server. Requests are
	// forwarded to {BaseURL}/mcp and probes hit {BaseURL}/health.
	BaseURL string

	// Capabilities lists the tool names, resource URIs, prompt names and
	// generic methods this backend serves.
	Capabilities []string

	// Description is a human-readable summary, surfaced by `mcpgw validate`.
	Description string

	// HealthCheckInterval is the probe period for this backend. Zero means
	// the environment default (15s development, 30s production).
	HealthCheckInterval time.Duration

	// RequiresAuth marks backends that must only receive requests carrying
	// a resolved organization context.
	RequiresAuth bool

	// MaxRetries bounds forward retries for idempotent methods.
	MaxRetries int

	// MaxConnections caps concurrent in-flight forwards to this backend.
	// Zero means the default budget.
	MaxConnections int
}

// BackendHealthStatus represents the probe-driven health state of a backend.
// The state machine is Unknown → Healthy ↔ Unhealthy; transitions happen
// only at probe boundaries.
type BackendHealthStatus string

const (
	// BackendHealthy indicates the most recent probe succeeded.
	BackendHealthy BackendHealthStatus = "healthy"

	// BackendUnhealthy indicates the most recent probe failed (timeout or
	// non-2xx response).
	BackendUnhealthy BackendHealthStatus = "unhealthy"

	// BackendUnknown indicates no probe has completed yet.
	BackendUnknown BackendHealthStatus = "unknown"
)

// BackendHealth is the per-backend entry of the composite health snapshot.
type BackendHealth struct {
	// Instances is the number of logical instances for the backend id.
	// The pool maintains a single logical instance per id.
	Instances int `json:"instances"`

	// Healthy is the number of instances currently passing probes.
	Healthy int `json:"healthy"`

	// Capabilities echoes the backend's declared capability set.
	Capabilities []string `json:"capabilities"`

	// LastCheck is the completion time of the most recent probe.
	LastCheck time.Time `json:"lastCheck"`
}

// HealthSnapshot is the composite health view returned by GET /health.
type HealthSnapshot struct {
	// Status is "ok" when every registered backend is healthy and
	// "degraded" otherwise.
	Status string `json:"status"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// Servers maps backend ids to their health entries.
	Servers map[string]BackendHealth `json:"servers"`
}
