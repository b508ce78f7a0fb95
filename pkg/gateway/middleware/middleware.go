// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware implements the gateway's admission controls: request
// size caps, CORS, security headers, the API key gate and per-caller rate
// limiting. Handlers behind the chain only see requests that passed all of
// them.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// HeaderCorrelationID carries the request correlation id on responses.
const HeaderCorrelationID = "X-Correlation-ID"

// RequestSize caps request bodies at maxBytes. Requests declaring a larger
// Content-Length are refused with 413 before any of the body is read.
// Chunked bodies are capped by http.MaxBytesReader and fail at read time.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders emits the fixed hardening set plus any configured extras.
// Extras win on name collisions.
func SecurityHeaders(extra map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			for name, value := range extra {
				h.Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CorrelationID tags every request with an id for log correlation. Inbound
// ids are kept so callers can trace a request across hops.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(HeaderCorrelationID)
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, cid)
		next.ServeHTTP(w, r.WithContext(gateway.WithCorrelationID(r.Context(), cid)))
	})
}

// writeJSONError writes a plain JSON error body. Admission failures happen
// before a JSON-RPC envelope exists, so none is used.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
