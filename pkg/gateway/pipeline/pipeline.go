// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pipeline orchestrates the per-request flow of the MCP gateway:
// decode, resolve session, route, acquire a backend, forward, release and
// reply. All failures map to JSON-RPC error responses; the pipeline never
// surfaces Go errors to transports.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pool"
	"github.com/stacklok/mcp-gateway/pkg/gateway/protocol"
	"github.com/stacklok/mcp-gateway/pkg/gateway/router"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// relayPreviewLimit bounds how much of an invalid backend response is
// quoted back to the client in the error data.
const relayPreviewLimit = 256

// Config wires the pipeline's collaborators. All fields are required.
type Config struct {
	Sessions  *session.Manager
	Router    router.Router
	Pool      *pool.Pool
	Forwarder *Forwarder
}

// Pipeline executes MCP requests end to end.
type Pipeline struct {
	sessions  *session.Manager
	router    router.Router
	pool      *pool.Pool
	forwarder *Forwarder
}

// New creates a pipeline from its collaborators.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("%w: session manager is required", gateway.ErrInvalidConfig)
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("%w: router is required", gateway.ErrInvalidConfig)
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("%w: backend pool is required", gateway.ErrInvalidConfig)
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("%w: forwarder is required", gateway.ErrInvalidConfig)
	}

	return &Pipeline{
		sessions:  cfg.Sessions,
		router:    cfg.Router,
		pool:      cfg.Pool,
		forwarder: cfg.Forwarder,
	}, nil
}

// Handle processes one MCP request arriving over HTTP. Credentials identify
// the caller; a session is resolved or created before dispatch. The returned
// bytes are the JSON-RPC response to write, nil for notifications. The
// session is returned when one was resolved so the transport can surface a
// session token.
func (p *Pipeline) Handle(ctx context.Context, body []byte, creds auth.Credentials) ([]byte, *session.Session) {
	ctx = ensureCorrelationID(ctx)

	req, errResp := protocol.DecodeRequest(body)
	if req == nil {
		return encode(errResp), nil
	}
	if errResp != nil {
		return p.reply(req, nil, errResp), nil
	}

	sess, err := p.sessions.GetOrCreate(ctx, creds)
	if err != nil {
		return p.reply(req, nil, p.sessionError(ctx, req, err)), nil
	}

	return p.run(ctx, req, sess), sess
}

// HandleForSession processes one frame bound to an already established
// session, the WebSocket path. The returned bytes are the response frame to
// write back, nil for notifications.
func (p *Pipeline) HandleForSession(ctx context.Context, body []byte, sess *session.Session) []byte {
	ctx = ensureCorrelationID(ctx)

	req, errResp := protocol.DecodeRequest(body)
	if req == nil {
		return encode(errResp)
	}
	if errResp != nil {
		return p.reply(req, nil, errResp)
	}

	sess.Touch()
	return p.run(ctx, req, sess)
}

// run dispatches a decoded request and converts panics into −32603. The
// backend instance is released on every exit path: the release is deferred
// inside dispatch, so it runs while a panic unwinds through it.
func (p *Pipeline) run(ctx context.Context, req *protocol.Request, sess *session.Session) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Panic while handling request",
				"correlation_id", gateway.CorrelationID(ctx),
				"method", req.Method(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			out = p.reply(req, nil, protocol.InternalError(req.ID(), fmt.Sprintf("internal failure: %v", r)))
		}
	}()

	relay, errResp := p.dispatch(ctx, req, sess)
	return p.reply(req, relay, errResp)
}

// dispatch runs route → acquire → forward → release. It returns either the
// verbatim backend response or a gateway-originated error response.
func (p *Pipeline) dispatch(ctx context.Context, req *protocol.Request, sess *session.Session) ([]byte, *protocol.Message) {
	cid := gateway.CorrelationID(ctx)

	backendID, err := p.router.Resolve(ctx, req.Target)
	if err != nil {
		if errors.Is(err, gateway.ErrNoRoute) {
			logger.Debugw("No backend for capability",
				"correlation_id", cid, "key", req.Target.Key())
			return nil, protocol.MethodNotFound(req.ID(),
				fmt.Sprintf("No server found for capability: %s", req.Target.Key()))
		}
		logger.Errorw("Routing failed", "correlation_id", cid, "error", err.Error())
		return nil, protocol.InternalError(req.ID(), err.Error())
	}

	orgCtx := sess.Organization()
	if inst, ok := p.pool.Backend(backendID); ok && inst.RequiresAuth() && orgCtx == nil {
		logger.Warnw("Backend requires an authenticated caller",
			"correlation_id", cid, "backend", backendID)
		return nil, protocol.InternalError(req.ID(),
			fmt.Sprintf("Authentication required for backend: %s", backendID))
	}

	inst := p.pool.Acquire(backendID)
	if inst == nil {
		logger.Warnw("No healthy backend instance",
			"correlation_id", cid, "backend", backendID, "error", gateway.ErrNoHealthyBackend.Error())
		return nil, protocol.InternalError(req.ID(),
			fmt.Sprintf("No healthy server instances available for: %s", backendID))
	}
	defer p.pool.Release(inst)

	logger.Debugw("Forwarding request",
		"correlation_id", cid,
		"backend", backendID,
		"method", req.Method(),
		"session_id", sess.ID(),
	)

	respBody, err := p.forwarder.Forward(ctx, inst, req, orgCtx)
	if err != nil {
		logger.Warnw("Forward failed",
			"correlation_id", cid, "backend", backendID, "method", req.Method(), "error", err.Error())
		return nil, protocol.InternalError(req.ID(), err.Error())
	}

	return p.relay(req, respBody)
}

// relay validates a backend response for verbatim relay. Anything that is
// not a well-formed JSON-RPC response is wrapped in −32603 with a truncated
// preview of the body as data.
func (p *Pipeline) relay(req *protocol.Request, respBody []byte) ([]byte, *protocol.Message) {
	// The backend reply to a notification is discarded either way.
	if req.IsNotification() {
		return nil, nil
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, protocol.InternalError(req.ID(), "backend returned an empty response")
	}

	msg, err := protocol.DecodeMessage(respBody)
	if err != nil || msg.JSONRPC != "2.0" || !msg.IsResponse() {
		return nil, protocol.InternalError(req.ID(),
			fmt.Sprintf("invalid backend response: %s", truncate(respBody, relayPreviewLimit)))
	}

	return respBody, nil
}

// reply encodes the final answer for a request. Notifications never receive
// one; verbatim relays win over gateway-originated messages.
func (p *Pipeline) reply(req *protocol.Request, relay []byte, msg *protocol.Message) []byte {
	if req.IsNotification() {
		return nil
	}
	if relay != nil {
		return relay
	}
	return encode(msg)
}

// sessionError maps session resolution failures to their JSON-RPC replies.
func (p *Pipeline) sessionError(ctx context.Context, req *protocol.Request, err error) *protocol.Message {
	cid := gateway.CorrelationID(ctx)

	switch {
	case errors.Is(err, gateway.ErrSessionQuota):
		logger.Warnw("Session quota exhausted", "correlation_id", cid)
		return protocol.InternalError(req.ID(), "Maximum concurrent sessions reached")
	case errors.Is(err, gateway.ErrUnresolvedOrganization):
		logger.Warnw("No organization context resolved", "correlation_id", cid)
		return protocol.InternalError(req.ID(), "Unable to resolve organization context")
	default:
		logger.Errorw("Session resolution failed", "correlation_id", cid, "error", err.Error())
		return protocol.InternalError(req.ID(), err.Error())
	}
}

func encode(m *protocol.Message) []byte {
	out, err := protocol.EncodeResponse(m)
	if err != nil {
		// Gateway-built messages always marshal; this is unreachable in
		// practice but must still answer something well-formed.
		logger.Errorf("Failed to encode response: %v", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"Internal error"}}`)
	}
	return out
}

func ensureCorrelationID(ctx context.Context) context.Context {
	if gateway.CorrelationID(ctx) != "" {
		return ctx
	}
	return gateway.WithCorrelationID(ctx, uuid.NewString())
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
