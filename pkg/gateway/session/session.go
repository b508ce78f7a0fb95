// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks authenticated client conversations, issues opaque
// session tokens and enforces the concurrent session quota.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// ErrSessionDisconnected is returned when sending to a session with no
// bound transport.
var ErrSessionDisconnected = errors.New("session is disconnected")

// Conn is the transport handle a WebSocket session owns. Implementations
// carry only the session id, never the session object, so the ownership
// edge runs one way.
type Conn interface {
	// Send writes one complete message frame to the client.
	Send(ctx context.Context, data []byte) error

	// Close closes the transport with a reason.
	Close(reason string) error
}

// Session is one authenticated client conversation. The organization
// context is captured at creation and never changes afterwards. For
// WebSocket sessions the session owns the connection handle.
type Session struct {
	id        string
	transport gateway.TransportKind
	orgCtx    *gateway.OrganizationContext
	created   time.Time

	mu      sync.RWMutex
	updated time.Time
	conn    Conn
}

// NewSession creates a session with the given id, transport kind and
// organization context. orgCtx may be nil for unauthenticated WebSocket
// sessions.
func NewSession(id string, transport gateway.TransportKind, orgCtx *gateway.OrganizationContext) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		transport: transport,
		orgCtx:    orgCtx,
		created:   now,
		updated:   now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Transport returns the transport kind the session was created for.
func (s *Session) Transport() gateway.TransportKind { return s.transport }

// Organization returns the organization context captured at creation.
// May be nil.
func (s *Session) Organization() *gateway.OrganizationContext { return s.orgCtx }

// CreatedAt returns the creation time of the session.
func (s *Session) CreatedAt() time.Time { return s.created }

// UpdatedAt returns the last activity time of the session.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Touch updates the session's last activity time to the current time.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = time.Now()
}

// AttachConn binds a live transport handle to the session. Replaces any
// previously bound handle without closing it; the caller owns that
// transition.
func (s *Session) AttachConn(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// Connected reports whether a transport handle is currently bound.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Send writes a message frame to the bound transport. Returns
// ErrSessionDisconnected when no transport is bound.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return ErrSessionDisconnected
	}
	return conn.Send(ctx, data)
}

// CloseConn closes and unbinds the transport handle, if any.
func (s *Session) CloseConn(reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(reason)
	}
}
