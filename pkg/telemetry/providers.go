// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the metrics providers and HTTP instrumentation
// for the MCP gateway.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName identifies the service for telemetry data.
	ServiceName string

	// ServiceVersion identifies the service version for telemetry data.
	ServiceVersion string

	// OTLPEndpoint is the OTLP collector endpoint (e.g. "localhost:4318").
	// Empty disables OTLP export.
	OTLPEndpoint string

	// Headers are additional headers to send with OTLP requests.
	Headers map[string]string

	// Insecure enables insecure transport (no TLS) for OTLP.
	Insecure bool

	// EnablePrometheusMetricsPath enables the Prometheus /metrics endpoint.
	EnablePrometheusMetricsPath bool
}

// ProviderOption is an option type used to configure the telemetry providers.
type ProviderOption func(*Config) error

// WithServiceName sets the service name.
func WithServiceName(serviceName string) ProviderOption {
	return func(config *Config) error {
		if serviceName == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		config.ServiceName = serviceName
		return nil
	}
}

// WithServiceVersion sets the service version.
func WithServiceVersion(serviceVersion string) ProviderOption {
	return func(config *Config) error {
		if serviceVersion == "" {
			return fmt.Errorf("service version cannot be empty")
		}
		config.ServiceVersion = serviceVersion
		return nil
	}
}

// WithOTLPEndpoint sets the OTLP endpoint.
func WithOTLPEndpoint(endpoint string) ProviderOption {
	return func(config *Config) error {
		config.OTLPEndpoint = endpoint
		return nil
	}
}

// WithHeaders sets the OTLP request headers.
func WithHeaders(headers map[string]string) ProviderOption {
	return func(config *Config) error {
		config.Headers = headers
		return nil
	}
}

// WithInsecure sets the insecure flag.
func WithInsecure(insecure bool) ProviderOption {
	return func(config *Config) error {
		config.Insecure = insecure
		return nil
	}
}

// WithPrometheusMetricsPath enables the Prometheus /metrics endpoint.
func WithPrometheusMetricsPath(enabled bool) ProviderOption {
	return func(config *Config) error {
		config.EnablePrometheusMetricsPath = enabled
		return nil
	}
}

// CompositeProvider combines the configured metric readers behind a single
// meter provider and owns their shutdown.
type CompositeProvider struct {
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewCompositeProvider creates the appropriate providers based on the
// provided options. With neither Prometheus nor OTLP configured it returns
// no-op providers, so callers never branch on whether telemetry is on.
func NewCompositeProvider(ctx context.Context, options ...ProviderOption) (*CompositeProvider, error) {
	config := Config{}
	for _, option := range options {
		if err := option(&config); err != nil {
			return nil, err
		}
	}

	if !config.EnablePrometheusMetricsPath && config.OTLPEndpoint == "" {
		logger.Infof("No telemetry configured, using no-op providers")
		return &CompositeProvider{meterProvider: noop.NewMeterProvider()}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource for service %q: %w", config.ServiceName, err)
	}

	composite := &CompositeProvider{}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if config.EnablePrometheusMetricsPath {
		reader, handler, err := newPrometheusReader()
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
		composite.prometheusHandler = handler
	}

	if config.OTLPEndpoint != "" {
		reader, err := newOTLPReader(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP reader for %q: %w", config.OTLPEndpoint, err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	composite.meterProvider = mp
	composite.shutdownFuncs = append(composite.shutdownFuncs, mp.Shutdown)

	logger.Infof("Telemetry providers created successfully")
	return composite, nil
}

// newPrometheusReader builds a pull-based reader on a dedicated registry,
// with the Go runtime and process collectors registered alongside.
func newPrometheusReader() (sdkmetric.Reader, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	return reader, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// newOTLPReader builds a push-based periodic reader against the collector.
func newOTLPReader(ctx context.Context, config Config) (sdkmetric.Reader, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.OTLPEndpoint),
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(config.Headers))
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	return sdkmetric.NewPeriodicReader(exporter), nil
}

// MeterProvider returns the meter provider.
func (p *CompositeProvider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the Prometheus metrics handler, or nil when the
// metrics path is not enabled.
func (p *CompositeProvider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown gracefully shuts down all providers.
func (p *CompositeProvider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for i, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("provider %d shutdown failed: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown failed with %d errors: %v", len(errs), errs)
	}
	return nil
}
