// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
)

// mockEnvReader creates a mock env.Reader returning the given variables and
// empty strings for everything else.
func mockEnvReader(t *testing.T, envVars map[string]string) *mocks.MockReader {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockEnv := mocks.NewMockReader(ctrl)

	for key, value := range envVars {
		mockEnv.EXPECT().Getenv(key).Return(value).AnyTimes()
	}
	mockEnv.EXPECT().Getenv(gomock.Any()).Return("").AnyTimes()

	return mockEnv
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestYAMLLoaderLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		envVars map[string]string
		want    func(*testing.T, *Config)
		wantErr string
	}{
		{
			name: "defaults only",
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, DefaultPort, cfg.Port)
				assert.Equal(t, DefaultHost, cfg.Host)
				assert.Equal(t, EnvironmentDevelopment, cfg.Environment)
				assert.True(t, cfg.RequireAPIKey)
				assert.True(t, cfg.EnableRateLimit)
				assert.Equal(t, 10, cfg.MaxRequestSizeMB)
				assert.Equal(t, time.Hour, time.Duration(cfg.SessionTimeout))
				assert.Equal(t, 15*time.Second, time.Duration(cfg.HealthCheckInterval),
					"development probe interval")
				assert.Equal(t, devJWTSecret, cfg.JWTSecret)
				assert.Equal(t, SessionStoreMemory, cfg.SessionStore.Type)
			},
		},
		{
			name: "file overrides defaults",
			yaml: `
port: 8443
host: 127.0.0.1
requireApiKey: false
sessionTimeout: "10m"
mcpServers:
  linear:
    url: http://localhost:4001
    capabilities:
      - linear_get_teams
    requiresAuth: true
    maxRetries: 3
`,
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, 8443, cfg.Port)
				assert.Equal(t, "127.0.0.1", cfg.Host)
				assert.False(t, cfg.RequireAPIKey, "explicit false must override the default")
				assert.Equal(t, 10*time.Minute, time.Duration(cfg.SessionTimeout))

				require.Contains(t, cfg.MCPServers, "linear")
				entry := cfg.MCPServers["linear"]
				assert.Equal(t, "http://localhost:4001", entry.URL)
				assert.Equal(t, []string{"linear_get_teams"}, entry.Capabilities)
				assert.True(t, entry.RequiresAuth)
				assert.Equal(t, 3, entry.MaxRetries)
			},
		},
		{
			name: "environment beats file",
			yaml: `
port: 8443
allowedOrigins:
  - https://file.example.com
`,
			envVars: map[string]string{
				"GATEWAY_PORT":     "9000",
				"ALLOWED_ORIGINS":  "https://a.example.com, https://b.example.com",
				"SESSION_TIMEOUT":  "60000",
				"CORS_CREDENTIALS": "true",
				"MCP_API_KEY":      "env-key",
			},
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, 9000, cfg.Port)
				assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"},
					cfg.AllowedOrigins)
				assert.Equal(t, time.Minute, time.Duration(cfg.SessionTimeout),
					"SESSION_TIMEOUT is milliseconds")
				assert.True(t, cfg.CORSCredentials)
				assert.Equal(t, "env-key", cfg.MCPAPIKey)
			},
		},
		{
			name: "production switch",
			envVars: map[string]string{
				"NODE_ENV":   "production",
				"JWT_SECRET": "0123456789abcdef0123456789abcdef",
			},
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.True(t, cfg.IsProduction())
				assert.Equal(t, 30*time.Second, time.Duration(cfg.HealthCheckInterval),
					"production probe interval")
				assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.JWTSecret,
					"the development secret must not replace a configured one")
			},
		},
		{
			name: "redis store from environment",
			envVars: map[string]string{
				"SESSION_STORE":  "redis",
				"REDIS_ADDR":     "localhost:6379",
				"REDIS_PASSWORD": "hunter2",
			},
			want: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, SessionStoreRedis, cfg.SessionStore.Type)
				assert.Equal(t, "localhost:6379", cfg.SessionStore.Redis.Addr)
				assert.Equal(t, "hunter2", cfg.SessionStore.Redis.Password)
			},
		},
		{
			name:    "invalid port env",
			envVars: map[string]string{"GATEWAY_PORT": "not-a-port"},
			wantErr: "invalid GATEWAY_PORT",
		},
		{
			name:    "invalid session timeout env",
			envVars: map[string]string{"SESSION_TIMEOUT": "soon"},
			wantErr: "invalid SESSION_TIMEOUT",
		},
		{
			name:    "malformed yaml",
			yaml:    "port: [this is not a port",
			wantErr: "parsing config file",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := ""
			if tc.yaml != "" {
				path = writeConfigFile(t, tc.yaml)
			}

			loader := NewYAMLLoaderWithEnv(path, mockEnvReader(t, tc.envVars))
			cfg, err := loader.Load()
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			tc.want(t, cfg)
		})
	}
}

func TestYAMLLoaderMissingFile(t *testing.T) {
	t.Parallel()

	loader := NewYAMLLoaderWithEnv(
		filepath.Join(t.TempDir(), "nope.yaml"), mockEnvReader(t, nil))
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}
