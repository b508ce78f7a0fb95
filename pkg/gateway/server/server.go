// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server terminates HTTP and WebSocket connections for the MCP
// gateway. It mounts the admission chain in front of the request pipeline,
// serves the composite health snapshot and upgrades WebSocket clients into
// long-lived sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/gateway/middleware"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pipeline"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pool"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/versions"
)

const (
	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire request, including body.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the maximum duration before timing out writes of the response.
	// coder/websocket clears the connection deadline after the upgrade, so
	// long-lived WebSocket sessions are unaffected.
	defaultWriteTimeout = 30 * time.Second

	// defaultIdleTimeout is the maximum amount of time to wait for the next request when keep-alives are enabled.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxHeaderBytes is the maximum size of request headers in bytes (1 MB).
	defaultMaxHeaderBytes = 1 << 20

	// defaultShutdownTimeout is the maximum time to wait for graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second

	// defaultMaxRequestBytes caps request bodies when the configuration does
	// not set maxRequestSizeMb (10 MB).
	defaultMaxRequestBytes = 10 << 20

	// defaultRateLimitPerMinute is the per-caller budget used when rate
	// limiting is enabled without an explicit limit.
	defaultRateLimitPerMinute = 100

	// mcpRequestTimeout is the outer bound on a POST /mcp request. Forwards
	// carry their own tighter deadline; this only catches handler stalls.
	mcpRequestTimeout = 60 * time.Second
)

// Config holds the transport configuration. Values are flattened from the
// loaded gateway configuration so this package never depends on the config
// loader.
type Config struct {
	// Host is the bind address (default: "127.0.0.1").
	Host string

	// Port is the bind port. Port 0 binds a random free port, which tests
	// use together with Address().
	Port int

	// AllowedOrigins lists the origins accepted by CORS and by the
	// WebSocket origin check. "*" allows any origin.
	AllowedOrigins []string

	// CORSCredentials sets Access-Control-Allow-Credentials on allowed
	// origins.
	CORSCredentials bool

	// SecurityHeaders are extra response headers emitted on every response,
	// overriding the built-in set on collision.
	SecurityHeaders map[string]string

	// RequireAPIKey gates the MCP routes behind the API key check.
	RequireAPIKey bool

	// APIKey is the shared key accepted by the gate.
	APIKey string

	// Production disables the development key fallback in the gate.
	Production bool

	// EnableRateLimit mounts the per-caller rate limiter on the MCP routes.
	EnableRateLimit bool

	// RateLimitPerMinute is the token bucket capacity per caller.
	RateLimitPerMinute int

	// MaxRequestBytes caps request bodies and WebSocket frames.
	MaxRequestBytes int64

	// ShutdownTimeout bounds the graceful drain of in-flight requests and
	// WebSocket sessions during Stop. Zero means the default (10 s).
	ShutdownTimeout time.Duration

	// Middleware is an optional instrumentation middleware applied to the
	// MCP routes. Telemetry, when enabled, plugs in here.
	Middleware func(http.Handler) http.Handler

	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler
}

// Server is the gateway's transport front-end.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	sessions *session.Manager
	backends *pool.Pool
	resolver auth.Resolver

	httpServer *http.Server

	// Network listener (tracks the actual bound port when using port 0).
	listener   net.Listener
	listenerMu sync.RWMutex

	// Ready channel signals when the server is accepting connections.
	ready     chan struct{}
	readyOnce sync.Once

	// shutdown closes when Stop begins. WebSocket read loops watch it
	// because http.Server.Shutdown does not cover hijacked connections.
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wsGroup      sync.WaitGroup
}

// New creates the transport server. All collaborators are required; the
// config gains defaults for anything unset.
func New(
	cfg Config,
	pl *pipeline.Pipeline,
	sessions *session.Manager,
	backends *pool.Pool,
	resolver auth.Resolver,
) (*Server, error) {
	if pl == nil {
		return nil, fmt.Errorf("%w: pipeline is required", gateway.ErrInvalidConfig)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%w: session manager is required", gateway.ErrInvalidConfig)
	}
	if backends == nil {
		return nil, fmt.Errorf("%w: backend pool is required", gateway.ErrInvalidConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", gateway.ErrInvalidConfig)
	}

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaultRateLimitPerMinute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &Server{
		cfg:      cfg,
		pipeline: pl,
		sessions: sessions,
		backends: backends,
		resolver: resolver,
		ready:    make(chan struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// routes builds the router: ambient middleware and admission controls
// around the MCP routes, with the operational endpoints left open.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.CorrelationID,
		middleware.RequestLogger,
		middleware.RequestSize(s.cfg.MaxRequestBytes),
		middleware.CORS(s.cfg.AllowedOrigins, s.cfg.CORSCredentials),
		middleware.SecurityHeaders(s.cfg.SecurityHeaders),
	)

	r.Get("/health", s.handleHealth)
	r.Get("/ping", s.handlePing)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/version", s.handleVersion)
	if s.cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.RequireAPIKey {
			r.Use(middleware.APIKeyGate(middleware.APIKeyConfig{
				APIKey:     s.cfg.APIKey,
				Production: s.cfg.Production,
			}))
		}
		if s.cfg.EnableRateLimit {
			r.Use(middleware.RateLimit(s.cfg.RateLimitPerMinute))
		}
		if s.cfg.Middleware != nil {
			r.Use(s.cfg.Middleware)
		}

		r.With(chimiddleware.Timeout(mcpRequestTimeout)).Post("/mcp", s.handleMCP)
		r.Get("/mcp/ws", s.handleWebSocket)
	})

	return r
}

// Start binds the listener and serves until the context is cancelled or the
// server fails. It always tears down cleanly before returning.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logger.Infof("Starting MCP gateway at %s", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.readyOnce.Do(func() {
		close(s.ready)
	})

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down gateway")
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorf("HTTP server error: %v", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop gracefully stops the server: new connections are refused, in-flight
// requests drain, and WebSocket sessions are told to close. The injected
// session manager and health monitor are owned by the caller and stay up.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping MCP gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	// Signal WebSocket read loops first so they drain alongside the HTTP
	// requests; Shutdown ignores hijacked connections.
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})

	var errs []error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wsGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("websocket sessions did not drain: %w", shutdownCtx.Err()))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("MCP gateway stopped")
	return nil
}

// Address returns the server's actual listen address. With port 0 this is
// the port the listener bound.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Ready returns a channel that is closed once the server accepts
// connections. Tests synchronize on it.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// handleMCP serves the single RPC endpoint. The pipeline owns all JSON-RPC
// error mapping; this handler only deals in transport concerns.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp, sess := s.pipeline.Handle(r.Context(), body, auth.CredentialsFromRequest(r))
	if sess != nil {
		w.Header().Set(auth.HeaderSessionToken, s.sessions.GenerateToken(sess.ID()))
	}
	if resp == nil {
		// Notification: accepted, nothing to say.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		logger.Debugw("Failed to write response",
			"error", err,
			"correlation_id", gateway.CorrelationID(r.Context()))
	}
}

// handleHealth serves the composite health snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backends.Snapshot())
}

// handlePing answers liveness probes. Intentionally minimal: no versions,
// no counts.
func (*Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness reports ready once every registered backend has completed
// its first health probe, so a fresh gateway is not put in rotation while
// all backends still count as unhealthy.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	for _, inst := range s.backends.Backends() {
		if inst.Status() == gateway.BackendUnknown {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": "initial_probes_pending",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (*Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versions.GetVersionInfo())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
