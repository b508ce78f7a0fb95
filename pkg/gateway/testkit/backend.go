package testkit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// mcpEnvelope is the minimal JSON-RPC shape the fake backend reads. The id
// stays raw so responses echo it bit-exactly. The fake deliberately does not
// share the gateway's protocol codec: a fixture that reuses the code under
// test cannot catch its framing bugs.
type mcpEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Backend is a fake MCP backend server exposing POST /mcp and GET /health.
// It records every /mcp request and can simulate unhealthy probes, latency
// and transient forwarding failures.
type Backend struct {
	srv *httptest.Server

	middlewares  []func(http.Handler) http.Handler
	tools        map[string]tooldef
	latency      time.Duration
	healthStatus atomic.Int32

	// failuresLeft forces the next N /mcp requests to answer failStatus.
	failuresLeft atomic.Int32
	failStatus   atomic.Int32

	mu       sync.Mutex
	requests []RecordedRequest
}

var _ TestBackend = (*Backend)(nil)

// AddTool registers a tool definition.
func (b *Backend) AddTool(tool tooldef) error {
	if _, ok := b.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already exists", tool.Name)
	}
	if b.tools == nil {
		b.tools = make(map[string]tooldef)
	}
	b.tools[tool.Name] = tool
	return nil
}

// SetHealthStatus changes the status code GET /health answers with.
func (b *Backend) SetHealthStatus(code int) {
	b.healthStatus.Store(int32(code)) // #nosec G115 -- HTTP status codes fit in int32
}

// SetLatency delays every /mcp response.
func (b *Backend) SetLatency(d time.Duration) {
	b.latency = d
}

// SetMiddlewares installs router middlewares. May only be called once.
func (b *Backend) SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error {
	if len(b.middlewares) > 0 {
		return fmt.Errorf("middlewares already set")
	}
	b.middlewares = middlewares
	return nil
}

// NewBackend creates a fake backend MCP server, wraps it in an
// httptest.Server, and returns it.
func NewBackend(options ...TestBackendOption) (*Backend, error) {
	backend := &Backend{}
	backend.healthStatus.Store(http.StatusOK)

	for _, option := range options {
		if err := option(backend); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	router := chi.NewRouter()
	allMiddlewares := append(
		[]func(http.Handler) http.Handler{middleware.Recoverer},
		backend.middlewares...,
	)
	router.Use(allMiddlewares...)

	router.Post("/mcp", backend.mcpHandler)
	router.Get("/health", backend.healthHandler)

	backend.srv = httptest.NewServer(router)
	return backend, nil
}

// URL returns the backend's base URL.
func (b *Backend) URL() string {
	return b.srv.URL
}

// Close shuts the backend down.
func (b *Backend) Close() {
	b.srv.Close()
}

// Requests returns a copy of all recorded /mcp requests in arrival order.
func (b *Backend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]RecordedRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// FailNext makes the next n /mcp requests answer with the given status code
// before normal handling resumes. The failed requests are still recorded.
func (b *Backend) FailNext(n int, status int) {
	// #nosec G115 -- status codes and test-sized counts fit in int32
	b.failStatus.Store(int32(status))
	b.failuresLeft.Store(int32(n))
}

func (b *Backend) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(int(b.healthStatus.Load()))
}

func (b *Backend) mcpHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	b.mu.Lock()
	b.requests = append(b.requests, RecordedRequest{
		Header: r.Header.Clone(),
		Body:   body,
	})
	b.mu.Unlock()

	if b.latency > 0 {
		time.Sleep(b.latency)
	}

	for {
		left := b.failuresLeft.Load()
		if left <= 0 {
			break
		}
		if b.failuresLeft.CompareAndSwap(left, left-1) {
			http.Error(w, "simulated backend failure", int(b.failStatus.Load()))
			return
		}
	}

	var req mcpEnvelope
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// Notifications get no response body.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var response []byte
	switch req.Method {
	case "tools/list":
		response = b.toolsListResponse(req.ID)
	case "tools/call":
		response = b.toolCallResponse(req.ID, req.Params)
	default:
		response = marshalResult(req.ID, map[string]any{"method": req.Method, "ok": true})
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(response)
}

func (b *Backend) toolsListResponse(id json.RawMessage) []byte {
	toolsList := make([]map[string]any, 0, len(b.tools))
	for _, tool := range b.tools {
		toolsList = append(toolsList, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
		})
	}
	return marshalResult(id, map[string]any{"tools": toolsList})
}

func (b *Backend) toolCallResponse(id json.RawMessage, params json.RawMessage) []byte {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return marshalError(id, fmt.Sprintf("failed to get tool name: %s", params))
	}

	tool, ok := b.tools[p.Name]
	if !ok {
		return marshalError(id, fmt.Sprintf("tool %s not found", p.Name))
	}

	text := tool.Handler()
	return marshalResult(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

func marshalResult(id json.RawMessage, result any) []byte {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	if err != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":%q}}`, err.Error()))
	}
	return payload
}

func marshalError(id json.RawMessage, message string) []byte {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": -32601, "message": message},
	})
	if err != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":%q}}`, err.Error()))
	}
	return payload
}
