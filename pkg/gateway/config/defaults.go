// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"
)

// Default constants for gateway configuration.
const (
	// DefaultPort is the gateway listen port.
	DefaultPort = 3001

	// DefaultHost is the gateway listen address.
	DefaultHost = "0.0.0.0"

	// defaultSessionTimeout is the idle timeout before the sweeper removes
	// a session.
	defaultSessionTimeout = time.Hour

	// defaultMaxConcurrentSessions caps live sessions.
	defaultMaxConcurrentSessions = 100

	// defaultRateLimitPerMinute is the per-caller request budget.
	defaultRateLimitPerMinute = 100

	// defaultMaxRequestSizeMB caps request bodies.
	defaultMaxRequestSizeMB = 10

	// defaultForwardTimeout bounds one backend forward including retries.
	defaultForwardTimeout = 15 * time.Second

	// defaultShutdownTimeout is the graceful shutdown drain window.
	defaultShutdownTimeout = 10 * time.Second

	// defaultHealthCheckIntervalDev is the probe period in development,
	// where backends restart often and stale health is confusing.
	defaultHealthCheckIntervalDev = 15 * time.Second

	// defaultHealthCheckIntervalProd is the probe period in production.
	defaultHealthCheckIntervalProd = 30 * time.Second

	// devJWTSecret signs session tokens when development config provides no
	// secret. Production validation refuses to run with it.
	devJWTSecret = "dev-jwt-secret-do-not-use-in-prod"
)

// Default returns a fully populated development configuration. This is the
// single source of truth for defaults; the YAML loader unmarshals the file
// over it so absent keys keep their default values.
func Default() *Config {
	return &Config{
		Port:                  DefaultPort,
		Host:                  DefaultHost,
		Environment:           EnvironmentDevelopment,
		RequireAPIKey:         true,
		EnableRateLimit:       true,
		RateLimitPerMinute:    defaultRateLimitPerMinute,
		MaxRequestSizeMB:      defaultMaxRequestSizeMB,
		SessionTimeout:        Duration(defaultSessionTimeout),
		MaxConcurrentSessions: defaultMaxConcurrentSessions,
		ForwardTimeout:        Duration(defaultForwardTimeout),
		ShutdownTimeout:       Duration(defaultShutdownTimeout),
		SessionStore:          SessionStoreConfig{Type: SessionStoreMemory},
	}
}

// EnsureDefaults fills the fields whose defaults depend on other fields.
// It is called after file and environment loading so the environment is
// known.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}

	if c.HealthCheckInterval == 0 {
		if c.IsProduction() {
			c.HealthCheckInterval = Duration(defaultHealthCheckIntervalProd)
		} else {
			c.HealthCheckInterval = Duration(defaultHealthCheckIntervalDev)
		}
	}

	// Development boots without a configured secret so sessions still work.
	// The validator refuses this value in production.
	if c.JWTSecret == "" && !c.IsProduction() {
		c.JWTSecret = devJWTSecret
	}

	if c.SessionStore.Type == "" {
		c.SessionStore.Type = SessionStoreMemory
	}
}
