// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// APIKeyConfig configures the admission gate.
type APIKeyConfig struct {
	// APIKey is the key the gateway was configured with.
	APIKey string

	// Production rejects the development key.
	Production bool
}

// APIKeyGate refuses requests that present no credentials at all, and
// requests whose API key matches neither the configured key nor, outside
// production, the development key. Bearer tokens pass through; the
// credential resolver decides their fate.
func APIKeyGate(cfg APIKeyConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := auth.CredentialsFromRequest(r)
			if creds.Bearer != "" {
				next.ServeHTTP(w, r)
				return
			}
			if creds.APIKey == "" {
				writeJSONError(w, http.StatusUnauthorized, "API key required")
				return
			}
			if !acceptKey(cfg, creds.APIKey) {
				logger.Warnf("Rejected invalid API key from %s", r.RemoteAddr)
				writeJSONError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func acceptKey(cfg APIKeyConfig, key string) bool {
	if cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1 {
		return true
	}
	return !cfg.Production && key == auth.DevAPIKey
}
