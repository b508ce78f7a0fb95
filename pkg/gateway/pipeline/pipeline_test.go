// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pool"
	"github.com/stacklok/mcp-gateway/pkg/gateway/protocol"
	"github.com/stacklok/mcp-gateway/pkg/gateway/router"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/gateway/testkit"
)

var defaultOrg = &gateway.OrganizationContext{
	OrganizationID:         "org-1",
	OrganizationExternalID: "clerk-org-1",
	UserID:                 "user-1",
	Role:                   "member",
}

// staticResolver resolves every credential set to a fixed outcome.
type staticResolver struct {
	orgCtx *gateway.OrganizationContext
	err    error
}

func (r *staticResolver) Resolve(context.Context, auth.Credentials) (*gateway.OrganizationContext, error) {
	return r.orgCtx, r.err
}

// panicRouter blows up on resolve so the recovery boundary can be tested.
type panicRouter struct{}

func (panicRouter) Resolve(context.Context, protocol.CallTarget) (string, error) {
	panic("routing table corrupted")
}

func (panicRouter) Update(context.Context, *router.Table) error { return nil }

func devCreds() auth.Credentials {
	return auth.Credentials{APIKey: "dev-api-key-12345"}
}

func linearConfig(baseURL string) gateway.BackendConfig {
	return gateway.BackendConfig{
		ID:           "linear",
		BaseURL:      baseURL,
		Capabilities: []string{"search_issues", "tools/list", "notifications/initialized"},
	}
}

func newSessionManager(t *testing.T, resolver auth.Resolver, maxSessions int) *session.Manager {
	t.Helper()

	manager, err := session.NewManager(session.ManagerConfig{
		Storage:     session.NewLocalStorage(),
		Resolver:    resolver,
		TokenSecret: []byte("0123456789abcdef0123456789abcdef"),
		MaxSessions: maxSessions,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Stop)
	return manager
}

type testEnv struct {
	pipeline *Pipeline
	sessions *session.Manager
	pool     *pool.Pool
}

// newTestEnv wires a pipeline against live testkit backends: registered in
// the pool, probed once by the monitor, routed by capability.
func newTestEnv(t *testing.T, resolver auth.Resolver, maxSessions int, cfgs ...gateway.BackendConfig) *testEnv {
	t.Helper()

	p := pool.New()
	for _, cfg := range cfgs {
		_, err := p.Register(cfg)
		require.NoError(t, err)
	}

	table, err := router.BuildTable(cfgs)
	require.NoError(t, err)
	rt := router.NewCapabilityRouter()
	require.NoError(t, rt.Update(context.Background(), table))

	monitor, err := pool.NewMonitor(p, pool.NewHTTPChecker(nil, time.Second), time.Hour)
	require.NoError(t, err)
	require.NoError(t, monitor.Start(context.Background()))
	t.Cleanup(monitor.Stop)

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, monitor.WaitForInitialHealthChecks(waitCtx))

	sessions := newSessionManager(t, resolver, maxSessions)

	pl, err := New(Config{
		Sessions:  sessions,
		Router:    rt,
		Pool:      p,
		Forwarder: NewForwarder(nil, 2*time.Second),
	})
	require.NoError(t, err)

	return &testEnv{pipeline: pl, sessions: sessions, pool: p}
}

func postBackend(t *testing.T, baseURL, body string) []byte {
	t.Helper()

	resp, err := http.Post(baseURL+"/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return out
}

func decodeError(t *testing.T, resp []byte) *protocol.Message {
	t.Helper()

	msg, err := protocol.DecodeMessage(resp)
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	return msg
}

func errorData(t *testing.T, msg *protocol.Message) string {
	t.Helper()

	var data string
	require.NoError(t, json.Unmarshal(msg.Error.Data, &data))
	return data
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	sessions := newSessionManager(t, &staticResolver{orgCtx: defaultOrg}, 0)
	rt := router.NewCapabilityRouter()
	p := pool.New()
	fwd := NewForwarder(nil, time.Second)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing sessions", cfg: Config{Router: rt, Pool: p, Forwarder: fwd}},
		{name: "missing router", cfg: Config{Sessions: sessions, Pool: p, Forwarder: fwd}},
		{name: "missing pool", cfg: Config{Sessions: sessions, Router: rt, Forwarder: fwd}},
		{name: "missing forwarder", cfg: Config{Sessions: sessions, Router: rt, Pool: p}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pl, err := New(tc.cfg)
			assert.Nil(t, pl)
			assert.ErrorIs(t, err, gateway.ErrInvalidConfig)
		})
	}
}

func TestHandleRelaysBackendResponse(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(
		testkit.WithTool("search_issues", "Search issues", func() string { return "2 open issues" }),
	)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	// The same request straight to the backend pins the bytes the gateway
	// must relay untouched.
	direct := postBackend(t, backend.URL(), toolsCallBody)

	resp, sess := env.pipeline.Handle(context.Background(), []byte(toolsCallBody), devCreds())
	require.NotNil(t, sess)
	assert.Equal(t, string(direct), string(resp))

	inst, ok := env.pool.Backend("linear")
	require.True(t, ok)
	assert.Zero(t, inst.ActiveConnections(), "instance must be released after the forward")
}

func TestHandleEchoesStringID(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(
		testkit.WithTool("search_issues", "Search issues", func() string { return "ok" }),
	)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	body := `{"jsonrpc":"2.0","id":"abc-123","method":"tools/list"}`
	resp, _ := env.pipeline.Handle(context.Background(), []byte(body), devCreds())
	assert.Contains(t, string(resp), `"id":"abc-123"`, "string ids must stay strings")
}

func TestHandleRepeatedToolsListStable(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(
		testkit.WithTool("search_issues", "Search issues", func() string { return "ok" }),
	)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	first, sess := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	require.NotNil(t, sess)
	token := env.sessions.GenerateToken(sess.ID())

	for i := 0; i < 4; i++ {
		resp, _ := env.pipeline.Handle(context.Background(), []byte(toolsListBody), auth.Credentials{Bearer: token})
		assert.Equal(t, string(first), string(resp), "repeat %d must match the first response", i)
	}
	assert.Len(t, backend.Requests(), 5, "every call must reach the backend")
}

func TestHandleMalformedBodies(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	// Runs after the parallel subtests have finished.
	t.Cleanup(func() {
		assert.Empty(t, backend.Requests(), "malformed bodies must never reach a backend")
	})

	tests := []struct {
		name        string
		body        string
		wantCode    int
		wantMessage string
		wantID      string
	}{
		{
			name:        "malformed json",
			body:        `{"jsonrpc":"2.0",`,
			wantCode:    protocol.CodeParseError,
			wantMessage: "Parse error",
			wantID:      "null",
		},
		{
			name:        "batch request",
			body:        `[{"jsonrpc":"2.0","id":1,"method":"tools/list"}]`,
			wantCode:    protocol.CodeInvalidRequest,
			wantMessage: "Invalid Request",
			wantID:      "null",
		},
		{
			name:        "wrong version",
			body:        `{"jsonrpc":"1.0","id":7,"method":"tools/list"}`,
			wantCode:    protocol.CodeInvalidRequest,
			wantMessage: "Invalid Request",
			wantID:      "7",
		},
		{
			name:        "missing method",
			body:        `{"jsonrpc":"2.0","id":8}`,
			wantCode:    protocol.CodeInvalidRequest,
			wantMessage: "Invalid Request",
			wantID:      "8",
		},
		{
			name:        "object id",
			body:        `{"jsonrpc":"2.0","id":{"a":1},"method":"tools/list"}`,
			wantCode:    protocol.CodeInvalidRequest,
			wantMessage: "Invalid Request",
			wantID:      "null",
		},
		{
			name:        "non-string method",
			body:        `{"jsonrpc":"2.0","id":9,"method":7}`,
			wantCode:    protocol.CodeInvalidRequest,
			wantMessage: "Invalid Request",
			wantID:      "null",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp, sess := env.pipeline.Handle(context.Background(), []byte(tc.body), devCreds())
			assert.Nil(t, sess, "decode failures must be answered before session resolution")

			msg := decodeError(t, resp)
			assert.Equal(t, tc.wantCode, msg.Error.Code)
			assert.Equal(t, tc.wantMessage, msg.Error.Message)
			assert.Equal(t, tc.wantID, string(msg.ID))
		})
	}
}

func TestHandleInvalidParams(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	body := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"arguments":{}}}`
	resp, sess := env.pipeline.Handle(context.Background(), []byte(body), devCreds())
	assert.Nil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInvalidParams, msg.Error.Code)
	assert.Equal(t, "Invalid params", msg.Error.Message)
	assert.Equal(t, "5", string(msg.ID))
	assert.Equal(t, "tools/call requires params.name", errorData(t, msg))
	assert.Empty(t, backend.Requests())
}

func TestHandleInvalidParamsNotificationStaysSilent(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	body := `{"jsonrpc":"2.0","method":"tools/call","params":{}}`
	resp, sess := env.pipeline.Handle(context.Background(), []byte(body), devCreds())
	assert.Nil(t, resp, "notifications never receive a response, not even errors")
	assert.Nil(t, sess)
	assert.Empty(t, backend.Requests())
}

func TestHandleMethodNotFound(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	body := `{"jsonrpc":"2.0","id":4,"method":"bogus/thing"}`
	resp, sess := env.pipeline.Handle(context.Background(), []byte(body), devCreds())
	require.NotNil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeMethodNotFound, msg.Error.Code)
	assert.Equal(t, "Method not found", msg.Error.Message)
	assert.Equal(t, "4", string(msg.ID))
	assert.Equal(t, "No server found for capability: bogus/thing", errorData(t, msg))
}

func TestHandleNotificationForwarded(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	resp, sess := env.pipeline.Handle(context.Background(), []byte(body), devCreds())
	assert.Nil(t, resp)
	require.NotNil(t, sess)

	requests := backend.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, body, string(requests[0].Body))
}

func TestHandleSessionQuota(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 1, linearConfig(backend.URL()))

	_, sess := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	require.NotNil(t, sess)

	resp, sess := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	assert.Nil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "Internal error", msg.Error.Message)
	assert.Equal(t, "1", string(msg.ID))
	assert.Equal(t, "Maximum concurrent sessions reached", errorData(t, msg))
}

func TestHandleSessionTokenReuse(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	_, first := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	require.NotNil(t, first)

	token := env.sessions.GenerateToken(first.ID())
	_, second := env.pipeline.Handle(context.Background(), []byte(toolsListBody), auth.Credentials{Bearer: token})
	require.NotNil(t, second)
	assert.Equal(t, first.ID(), second.ID(), "a session bearer must reuse the session")

	count, err := env.sessions.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleUnresolvedOrganization(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{}, 0, linearConfig(backend.URL()))

	resp, sess := env.pipeline.Handle(context.Background(), []byte(toolsListBody), auth.Credentials{})
	assert.Nil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "Unable to resolve organization context", errorData(t, msg))
	assert.Empty(t, backend.Requests())
}

func TestHandleResolverFailure(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	resolver := &staticResolver{err: errors.New("identity provider unreachable")}
	env := newTestEnv(t, resolver, 0, linearConfig(backend.URL()))

	resp, sess := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	assert.Nil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "identity provider unreachable", errorData(t, msg))
}

func TestHandleNoHealthyBackend(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(testkit.WithHealthStatus(http.StatusServiceUnavailable))
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	resp, sess := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	require.NotNil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "1", string(msg.ID))
	assert.Equal(t, "No healthy server instances available for: linear", errorData(t, msg))
	assert.Empty(t, backend.Requests(), "unhealthy backends must not be contacted")
}

func TestHandleForSessionForwards(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(
		testkit.WithTool("search_issues", "Search issues", func() string { return "ok" }),
	)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	sess, err := env.sessions.CreateWebSocketSession(context.Background(), defaultOrg)
	require.NoError(t, err)

	before := sess.UpdatedAt()
	time.Sleep(10 * time.Millisecond)

	resp := env.pipeline.HandleForSession(context.Background(), []byte(toolsListBody), sess)
	msg, err := protocol.DecodeMessage(resp)
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
	assert.True(t, sess.UpdatedAt().After(before), "frames must refresh session activity")

	requests := backend.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "org-1", requests[0].Header.Get(auth.HeaderOrganizationID))
	assert.Equal(t, "clerk-org-1", requests[0].Header.Get(auth.HeaderOrganizationExternalID))
}

func TestHandleForSessionRequiresAuthBackend(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	cfg := gateway.BackendConfig{
		ID:           "github",
		BaseURL:      backend.URL(),
		Capabilities: []string{"tools/list"},
		RequiresAuth: true,
	}
	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, cfg)

	// Anonymous WebSocket session: no organization context.
	sess, err := env.sessions.CreateWebSocketSession(context.Background(), nil)
	require.NoError(t, err)

	resp := env.pipeline.HandleForSession(context.Background(), []byte(toolsListBody), sess)
	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "Authentication required for backend: github", errorData(t, msg))
	assert.Empty(t, backend.Requests())
}

func TestHandleEmptyBackendResponse(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(
		testkit.WithMiddlewares(func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
	)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	resp, _ := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "backend returned an empty response", errorData(t, msg))
}

func TestHandleInvalidBackendResponse(t *testing.T) {
	t.Parallel()

	backend, err := testkit.NewBackend(
		testkit.WithMiddlewares(func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "it works!")
			})
		}),
	)
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	resp, _ := env.pipeline.Handle(context.Background(), []byte(toolsListBody), devCreds())
	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Contains(t, errorData(t, msg), "invalid backend response: it works!")

	inst, ok := env.pool.Backend("linear")
	require.True(t, ok)
	assert.Zero(t, inst.ActiveConnections(), "instance must be released on the error path")
}

func TestHandleBackendErrorRelayedVerbatim(t *testing.T) {
	t.Parallel()

	// No tools registered: tools/call produces the backend's own error.
	backend, err := testkit.NewBackend()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	env := newTestEnv(t, &staticResolver{orgCtx: defaultOrg}, 0, linearConfig(backend.URL()))

	direct := postBackend(t, backend.URL(), toolsCallBody)

	resp, _ := env.pipeline.Handle(context.Background(), []byte(toolsCallBody), devCreds())
	assert.Equal(t, string(direct), string(resp), "backend errors are responses too and relay untouched")

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeMethodNotFound, msg.Error.Code)
	assert.Equal(t, "tool search_issues not found", msg.Error.Message)
}

func TestHandlePanicRecovery(t *testing.T) {
	t.Parallel()

	sessions := newSessionManager(t, &staticResolver{orgCtx: defaultOrg}, 0)
	pl, err := New(Config{
		Sessions:  sessions,
		Router:    panicRouter{},
		Pool:      pool.New(),
		Forwarder: NewForwarder(nil, time.Second),
	})
	require.NoError(t, err)

	resp, sess := pl.Handle(context.Background(), []byte(toolsListBody), devCreds())
	require.NotNil(t, sess)

	msg := decodeError(t, resp)
	assert.Equal(t, protocol.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "1", string(msg.ID))
	assert.Contains(t, errorData(t, msg), "internal failure")
	assert.Contains(t, errorData(t, msg), "routing table corrupted")
}
