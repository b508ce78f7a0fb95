// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Paths hit by load balancers and scrapers log at debug so steady-state
// probe traffic does not drown out request logs.
var quietPaths = map[string]bool{
	"/health":  true,
	"/ping":    true,
	"/readyz":  true,
	"/metrics": true,
}

// RequestLogger emits one structured access log line per request once the
// response is written. WebSocket upgrades log when the connection ends.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		logFn := logger.Infow
		if quietPaths[r.URL.Path] {
			logFn = logger.Debugw
		}
		logFn("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"correlation_id", gateway.CorrelationID(r.Context()),
		)
	})
}
