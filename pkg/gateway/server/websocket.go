// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// wsPingInterval is how often the gateway pings an idle WebSocket. Each
// successful ping also counts as session activity for the TTL sweeper.
const wsPingInterval = 30 * time.Second

// wsConn adapts a coder/websocket connection to the session.Conn interface.
// It holds no session state; the session owns the handle, not the reverse.
type wsConn struct {
	conn *websocket.Conn
}

// Send writes one text frame. coder/websocket serializes concurrent
// writers internally, so per-frame goroutines may call this directly.
func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the connection with a normal closure status.
func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleWebSocket upgrades GET /mcp/ws into a websocket-kind session.
//
// Credentials are resolved before the upgrade; an unresolvable credential
// yields an anonymous session, which backends marked requiresAuth will
// refuse per request. Quota refusal happens before the upgrade so the
// client sees a plain HTTP error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	orgCtx, err := s.resolver.Resolve(r.Context(), auth.CredentialsFromRequest(r))
	if err != nil {
		logger.Warnw("Organization resolution failed during WebSocket upgrade",
			"error", err,
			"correlation_id", gateway.CorrelationID(r.Context()))
		writeJSONError(w, http.StatusServiceUnavailable, "unable to resolve organization context")
		return
	}

	sess, err := s.sessions.CreateWebSocketSession(r.Context(), orgCtx)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionQuota) {
			writeJSONError(w, http.StatusServiceUnavailable, "Maximum concurrent sessions reached")
			return
		}
		logger.Errorw("Failed to create WebSocket session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		// Accept has already written an HTTP error response.
		logger.Warnw("WebSocket accept failed", "error", err, "session_id", sess.ID())
		_ = s.sessions.Remove(r.Context(), sess.ID())
		return
	}
	conn.SetReadLimit(s.cfg.MaxRequestBytes)

	s.serveWebSocket(r.Context(), sess, conn)
}

// serveWebSocket runs the read loop for one connection. Every frame is
// handled in its own goroutine and responses are written in completion
// order. When the loop ends, for any reason, outstanding frame tasks are
// cancelled and the session is removed.
func (s *Server) serveWebSocket(reqCtx context.Context, sess *session.Session, conn *websocket.Conn) {
	s.wsGroup.Add(1)
	defer s.wsGroup.Done()

	attached, err := s.sessions.AttachWebSocket(reqCtx, sess.ID(), &wsConn{conn: conn})
	if err != nil {
		logger.Errorw("Failed to attach WebSocket to session", "error", err, "session_id", sess.ID())
		_ = conn.Close(websocket.StatusInternalError, "session attach failed")
		_ = s.sessions.Remove(context.Background(), sess.ID())
		return
	}
	// Storage backends may rehydrate on load; the attached session is the
	// one carrying the transport.
	sess = attached

	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			// Send a close frame before cancelling the read context so
			// draining clients see a clean close instead of a dropped
			// connection. Close also unblocks the read loop.
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		// Remove closes the connection and frees the quota slot.
		if err := s.sessions.Remove(context.Background(), sess.ID()); err != nil {
			logger.Warnw("Failed to remove WebSocket session", "error", err, "session_id", sess.ID())
		}
	}()

	go s.pingLoop(ctx, sess, conn)

	logger.Infow("WebSocket session established",
		"session_id", sess.ID(),
		"authenticated", sess.Organization() != nil)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				logger.Debugw("WebSocket closed", "session_id", sess.ID())
			} else {
				logger.Warnw("WebSocket read failed", "error", err, "session_id", sess.ID())
			}
			cancel()
			return
		}

		go func() {
			if resp := s.pipeline.HandleForSession(ctx, frame, sess); resp != nil {
				if err := sess.Send(ctx, resp); err != nil && ctx.Err() == nil {
					logger.Debugw("Failed to write WebSocket response",
						"error", err, "session_id", sess.ID())
				}
			}
		}()
	}
}

// pingLoop keeps the connection alive and the session fresh while the
// client is quiet. Returns on ping failure or context end; read-side
// teardown handles the rest.
func (s *Server) pingLoop(ctx context.Context, sess *session.Session, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
			sess.Touch()
		}
	}
}

// originPatterns converts configured origins (scheme://host[:port]) into
// the host patterns coder/websocket matches the Origin header against.
// A "*" entry disables the check. Requests without an Origin header are
// always accepted; the check exists for browsers.
func originPatterns(allowedOrigins []string) []string {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
