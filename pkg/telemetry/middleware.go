// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName is the name of this instrumentation package.
const instrumentationName = "github.com/stacklok/mcp-gateway/pkg/telemetry"

// HTTPMiddleware provides OpenTelemetry instrumentation for HTTP requests.
type HTTPMiddleware struct {
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
}

// NewHTTPMiddleware creates HTTP instrumentation backed by the given meter
// provider. With a no-op provider the instruments cost nothing, so the
// middleware can be mounted unconditionally.
func NewHTTPMiddleware(meterProvider metric.MeterProvider) func(http.Handler) http.Handler {
	meter := meterProvider.Meter(instrumentationName)

	requestCounter, _ := meter.Int64Counter(
		"mcpgw_requests", // The exporter adds the _total suffix automatically.
		metric.WithDescription("Total number of gateway requests"),
	)

	requestDuration, _ := meter.Float64Histogram(
		"mcpgw_request_duration", // The exporter adds the _seconds suffix automatically.
		metric.WithDescription("Duration of gateway requests in seconds"),
		metric.WithUnit("s"),
	)

	activeRequests, _ := meter.Int64UpDownCounter(
		"mcpgw_active_requests",
		metric.WithDescription("Number of in-flight gateway requests"),
	)

	m := &HTTPMiddleware{
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
		activeRequests:  activeRequests,
	}
	return m.Handler
}

// Handler wraps an HTTP handler with request instrumentation.
func (m *HTTPMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		m.activeRequests.Add(ctx, 1)
		defer m.activeRequests.Add(ctx, -1)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := "success"
		if ww.Status() >= 400 {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.String("status_code", strconv.Itoa(ww.Status())),
			attribute.String("status", status),
		)

		m.requestCounter.Add(ctx, 1, attrs)
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	})
}
