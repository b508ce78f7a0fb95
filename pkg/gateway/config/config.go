// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP gateway.
//
// The model is populated in precedence order: defaults, then the YAML file,
// then environment variables. Command-line flags are applied on top by the
// cmd layer.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// Environment values. Production tightens validation and disables the
// development credentials.
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// Session store backends.
const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string. This ensures duration values are serialized as "30s",
// "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Config is the gateway configuration model.
type Config struct {
	// Port is the TCP port the gateway listens on.
	Port int `json:"port" yaml:"port"`

	// Host is the listen address.
	Host string `json:"host" yaml:"host"`

	// Environment is "development" or "production".
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// AllowedOrigins lists the origins the CORS layer accepts. Production
	// validation refuses an empty list and the wildcard.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`

	// CORSCredentials emits Access-Control-Allow-Credentials.
	CORSCredentials bool `json:"corsCredentials,omitempty" yaml:"corsCredentials,omitempty"`

	// SecurityHeaders are emitted verbatim on every response, on top of the
	// built-in set.
	SecurityHeaders map[string]string `json:"securityHeaders,omitempty" yaml:"securityHeaders,omitempty"`

	// JWTSecret signs session tokens and verifies HMAC bearer tokens.
	// Production validation requires at least 32 characters.
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty"`

	// MCPAPIKey is the shared secret for the API key gate.
	MCPAPIKey string `json:"mcpApiKey,omitempty" yaml:"mcpApiKey,omitempty"`

	// RequireAPIKey admits MCP requests only with an API key or bearer
	// token. Defaults to true.
	RequireAPIKey bool `json:"requireApiKey" yaml:"requireApiKey"`

	// EnableRateLimit turns on the per-caller rate limiter.
	EnableRateLimit bool `json:"enableRateLimit,omitempty" yaml:"enableRateLimit,omitempty"`

	// RateLimitPerMinute is the per-caller request budget.
	RateLimitPerMinute int `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"`

	// MaxRequestSizeMB caps request bodies, in megabytes.
	MaxRequestSizeMB int `json:"maxRequestSizeMb,omitempty" yaml:"maxRequestSizeMb,omitempty"`

	// SessionTimeout is the idle timeout after which sessions are swept.
	// The SESSION_TIMEOUT environment variable takes milliseconds; the YAML
	// form is a duration string.
	SessionTimeout Duration `json:"sessionTimeout,omitempty" yaml:"sessionTimeout,omitempty"`

	// MaxConcurrentSessions caps live sessions. Zero means unlimited.
	MaxConcurrentSessions int `json:"maxConcurrentSessions,omitempty" yaml:"maxConcurrentSessions,omitempty"`

	// ForwardTimeout bounds a single backend forward including retries.
	ForwardTimeout Duration `json:"forwardTimeout,omitempty" yaml:"forwardTimeout,omitempty"`

	// HealthCheckInterval is the default probe period for backends that do
	// not set their own. Zero derives it from the environment.
	HealthCheckInterval Duration `json:"healthCheckInterval,omitempty" yaml:"healthCheckInterval,omitempty"`

	// ShutdownTimeout is the drain window for graceful shutdown.
	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`

	// MCPServers maps backend ids to their definitions.
	MCPServers map[string]BackendEntry `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`

	// SessionStore selects where sessions live.
	SessionStore SessionStoreConfig `json:"sessionStore,omitempty" yaml:"sessionStore,omitempty"`

	// Metrics configures the telemetry layer.
	Metrics MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// BackendEntry defines one backend MCP server.
type BackendEntry struct {
	// URL is the backend base URL. Forwards go to {url}/mcp and probes to
	// {url}/health.
	URL string `json:"url" yaml:"url"`

	// Capabilities lists the tool names, resource URIs, prompt names and
	// generic methods the backend serves. The backend id itself is always
	// routable.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Description is a human-readable summary, shown by `mcpgw validate`.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// HealthCheckInterval overrides the gateway-wide probe period.
	HealthCheckInterval Duration `json:"healthCheckInterval,omitempty" yaml:"healthCheckInterval,omitempty"`

	// RequiresAuth refuses requests from sessions without an organization
	// context.
	RequiresAuth bool `json:"requiresAuth,omitempty" yaml:"requiresAuth,omitempty"`

	// MaxRetries is the retry budget for idempotent forwards.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// SessionStoreConfig selects the session storage backend.
type SessionStoreConfig struct {
	// Type is "memory" or "redis". Empty means memory.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Redis configures the store when Type is "redis".
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Addr is host:port.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// Password is optional.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// DB selects the logical database.
	DB int `json:"db,omitempty" yaml:"db,omitempty"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Enabled mounts GET /metrics and instruments the MCP routes.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// OTLPEndpoint additionally exports metrics over OTLP HTTP when set,
	// e.g. "otel-collector:4318".
	OTLPEndpoint string `json:"otlpEndpoint,omitempty" yaml:"otlpEndpoint,omitempty"`
}

// IsProduction reports whether production validation and credential rules
// apply.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// MaxRequestBytes returns the body cap in bytes.
func (c *Config) MaxRequestBytes() int64 {
	return int64(c.MaxRequestSizeMB) << 20
}

// BackendConfigs flattens MCPServers into registration configs, sorted by id
// so registration order is deterministic.
func (c *Config) BackendConfigs() []gateway.BackendConfig {
	out := make([]gateway.BackendConfig, 0, len(c.MCPServers))
	for _, id := range slices.Sorted(maps.Keys(c.MCPServers)) {
		entry := c.MCPServers[id]
		interval := time.Duration(entry.HealthCheckInterval)
		if interval == 0 {
			interval = time.Duration(c.HealthCheckInterval)
		}
		out = append(out, gateway.BackendConfig{
			ID:                  id,
			BaseURL:             entry.URL,
			Capabilities:        entry.Capabilities,
			Description:         entry.Description,
			HealthCheckInterval: interval,
			RequiresAuth:        entry.RequiresAuth,
			MaxRetries:          entry.MaxRetries,
		})
	}
	return out
}
