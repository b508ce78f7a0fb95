// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
)

// DefaultValidator implements configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate checks the configuration. Production tightens the security
// checks; see validateSecurity.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", gateway.ErrInvalidConfig)
	}

	var errs []string

	if err := v.validateServer(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateBackends(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateSessions(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateLimits(cfg); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateSessionStore(&cfg.SessionStore); err != nil {
		errs = append(errs, err.Error())
	}
	if err := v.validateSecurity(cfg); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", gateway.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func (*DefaultValidator) validateServer(cfg *Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", cfg.Port)
	}
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func (*DefaultValidator) validateBackends(cfg *Config) error {
	if len(cfg.MCPServers) == 0 {
		return fmt.Errorf("at least one backend server is required under mcpServers")
	}

	for _, id := range slices.Sorted(maps.Keys(cfg.MCPServers)) {
		entry := cfg.MCPServers[id]
		if entry.URL == "" {
			return fmt.Errorf("mcpServers.%s.url is required", id)
		}
		u, err := url.Parse(entry.URL)
		if err != nil {
			return fmt.Errorf("mcpServers.%s.url is invalid: %v", id, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("mcpServers.%s.url must use http or https, got %q", id, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("mcpServers.%s.url has no host", id)
		}
		if entry.MaxRetries < 0 {
			return fmt.Errorf("mcpServers.%s.maxRetries must not be negative", id)
		}
		if entry.HealthCheckInterval < 0 {
			return fmt.Errorf("mcpServers.%s.healthCheckInterval must not be negative", id)
		}
		if slices.Contains(entry.Capabilities, "") {
			return fmt.Errorf("mcpServers.%s.capabilities must not contain empty entries", id)
		}
	}
	return nil
}

func (*DefaultValidator) validateSessions(cfg *Config) error {
	if cfg.SessionTimeout <= 0 {
		return fmt.Errorf("sessionTimeout must be positive")
	}
	if cfg.MaxConcurrentSessions < 0 {
		return fmt.Errorf("maxConcurrentSessions must not be negative")
	}
	return nil
}

func (*DefaultValidator) validateLimits(cfg *Config) error {
	if cfg.MaxRequestSizeMB <= 0 {
		return fmt.Errorf("maxRequestSizeMb must be positive")
	}
	if cfg.EnableRateLimit && cfg.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rateLimitPerMinute must be positive when enableRateLimit is set")
	}
	if cfg.ForwardTimeout <= 0 {
		return fmt.Errorf("forwardTimeout must be positive")
	}
	return nil
}

func (*DefaultValidator) validateSessionStore(store *SessionStoreConfig) error {
	switch store.Type {
	case SessionStoreMemory:
		return nil
	case SessionStoreRedis:
		if store.Redis.Addr == "" {
			return fmt.Errorf("sessionStore.redis.addr is required when type is %q", SessionStoreRedis)
		}
		if store.Redis.DB < 0 {
			return fmt.Errorf("sessionStore.redis.db must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("sessionStore.type must be %q or %q, got %q",
			SessionStoreMemory, SessionStoreRedis, store.Type)
	}
}

// validateSecurity enforces the production credential rules. Development
// accepts the built-in development key and secret.
func (*DefaultValidator) validateSecurity(cfg *Config) error {
	if !cfg.IsProduction() {
		if cfg.Environment != EnvironmentDevelopment {
			return fmt.Errorf("environment must be %q or %q, got %q",
				EnvironmentDevelopment, EnvironmentProduction, cfg.Environment)
		}
		return nil
	}

	if cfg.RequireAPIKey && cfg.MCPAPIKey == "" {
		return fmt.Errorf("mcpApiKey is required in production")
	}
	if cfg.MCPAPIKey == auth.DevAPIKey {
		return fmt.Errorf("mcpApiKey must not be the development key in production")
	}
	if len(cfg.JWTSecret) < 32 {
		return fmt.Errorf("jwtSecret must be at least 32 characters in production")
	}
	if cfg.JWTSecret == devJWTSecret {
		return fmt.Errorf("jwtSecret must not be the development secret in production")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("allowedOrigins is required in production")
	}
	if slices.Contains(cfg.AllowedOrigins, "*") {
		return fmt.Errorf("allowedOrigins must not include the wildcard in production")
	}
	return nil
}
