// Package testkit provides testing utilities for the MCP gateway.
//
// Its sole purpose is spinning up fake backend MCP servers that speak the
// two endpoints the gateway assumes: POST /mcp and GET /health. Backends
// record every forwarded request so tests can assert on bodies and tenant
// headers, and their health endpoint can be flipped at runtime to drive the
// gateway's probe loop.
package testkit

import (
	"net/http"
	"time"
)

// TestBackend is the interface fake backend servers implement so a single
// set of options configures any of them.
type TestBackend interface {
	AddTool(tool tooldef) error
	SetHealthStatus(code int)
	SetLatency(d time.Duration)
	SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error
}

// TestBackendOption configures a test backend.
type TestBackendOption func(TestBackend) error

type tooldef struct {
	Name        string
	Description string
	Handler     func() string
}

// WithTool registers a tool. The backend serves it in tools/list responses
// and runs the handler for tools/call requests naming it.
func WithTool(name string, description string, handler func() string) TestBackendOption {
	return func(b TestBackend) error {
		return b.AddTool(tooldef{
			Name:        name,
			Description: description,
			Handler:     handler,
		})
	}
}

// WithHealthStatus sets the initial status code of GET /health. The default
// is 200.
func WithHealthStatus(code int) TestBackendOption {
	return func(b TestBackend) error {
		b.SetHealthStatus(code)
		return nil
	}
}

// WithLatency delays every /mcp response by the given duration, for timeout
// and retry tests.
func WithLatency(d time.Duration) TestBackendOption {
	return func(b TestBackend) error {
		b.SetLatency(d)
		return nil
	}
}

// WithMiddlewares installs HTTP middlewares on the backend's router.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) TestBackendOption {
	return func(b TestBackend) error {
		return b.SetMiddlewares(middlewares...)
	}
}

// RecordedRequest is one request captured by a backend's /mcp endpoint.
type RecordedRequest struct {
	// Header is a copy of the forwarded request headers.
	Header http.Header

	// Body is the verbatim request body.
	Body []byte
}
