// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"slices"
)

// corsAllowHeaders lists the request headers browsers may send to the
// gateway. mcp-protocol-version keeps MCP inspector clients working.
const corsAllowHeaders = "mcp-protocol-version, Content-Type, Authorization, x-api-key, x-simulate-organization"

// CORS enforces the configured origin allowlist. A "*" entry allows any
// origin. Requests without an Origin header pass through untouched; origins
// off the list get no Access-Control headers, which is what tells the
// browser to refuse the response.
func CORS(allowedOrigins []string, allowCredentials bool) func(http.Handler) http.Handler {
	allowAll := slices.Contains(allowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if allowAll || slices.Contains(allowedOrigins, origin) {
				h := w.Header()
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Origin", origin)
				if allowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "86400") // 24 hours
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
