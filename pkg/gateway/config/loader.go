// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"
)

// YAMLLoader loads configuration from an optional YAML file and the
// environment. Precedence is environment > file > defaults; the cmd layer
// applies flag overrides on top.
type YAMLLoader struct {
	path string
	env  env.Reader
}

// NewYAMLLoader creates a loader for the given file path. An empty path
// skips file loading and uses defaults plus environment overrides.
func NewYAMLLoader(path string) *YAMLLoader {
	return NewYAMLLoaderWithEnv(path, &env.OSReader{})
}

// NewYAMLLoaderWithEnv creates a loader with a custom environment reader.
// This allows for dependency injection of environment variable access for
// testing.
func NewYAMLLoaderWithEnv(path string, envReader env.Reader) *YAMLLoader {
	return &YAMLLoader{path: path, env: envReader}
}

// Load resolves the configuration. The returned config has all defaults
// applied but is not validated; callers run a Validator next.
func (l *YAMLLoader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshalling over the defaults keeps values for absent keys and
		// lets explicit zero values override, e.g. requireApiKey: false.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", l.path, err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.EnsureDefaults()
	return cfg, nil
}

// applyEnv overrides cfg from the bootstrap environment variables.
func (l *YAMLLoader) applyEnv(cfg *Config) error {
	if v := l.env.Getenv("GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := l.env.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := l.env.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := l.env.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := l.env.Getenv("MCP_API_KEY"); v != "" {
		cfg.MCPAPIKey = v
	}
	if v := l.env.Getenv("SESSION_TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SESSION_TIMEOUT %q: %w", v, err)
		}
		cfg.SessionTimeout = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v := l.env.Getenv("MAX_CONCURRENT_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_CONCURRENT_SESSIONS %q: %w", v, err)
		}
		cfg.MaxConcurrentSessions = n
	}
	if v := l.env.Getenv("API_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_RATE_LIMIT %q: %w", v, err)
		}
		cfg.RateLimitPerMinute = n
	}
	if v := l.env.Getenv("MAX_REQUEST_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_REQUEST_SIZE %q: %w", v, err)
		}
		cfg.MaxRequestSizeMB = n
	}
	if v := l.env.Getenv("CORS_CREDENTIALS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CORS_CREDENTIALS %q: %w", v, err)
		}
		cfg.CORSCredentials = b
	}
	if v := l.env.Getenv("NODE_ENV"); v != "" {
		if v == EnvironmentProduction {
			cfg.Environment = EnvironmentProduction
		} else {
			cfg.Environment = EnvironmentDevelopment
		}
	}
	if v := l.env.Getenv("SESSION_STORE"); v != "" {
		cfg.SessionStore.Type = v
	}
	if v := l.env.Getenv("REDIS_ADDR"); v != "" {
		cfg.SessionStore.Redis.Addr = v
	}
	if v := l.env.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.SessionStore.Redis.Password = v
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
