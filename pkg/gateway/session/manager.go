// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// DefaultSessionTTL is the default idle timeout for sessions.
const DefaultSessionTTL = time.Hour

// ManagerConfig wires the storage backend, the credential resolver and the
// session policy into a Manager. All collaborators are injected.
type ManagerConfig struct {
	// Storage persists session records. Required.
	Storage Storage

	// Resolver turns request credentials into organization context for new
	// sessions. Required.
	Resolver auth.Resolver

	// TokenSecret signs opaque session tokens. Required.
	TokenSecret []byte

	// TTL is the idle timeout after which the sweeper removes a session.
	// Zero means DefaultSessionTTL.
	TTL time.Duration

	// MaxSessions caps concurrently live sessions. Zero or negative means
	// unlimited.
	MaxSessions int
}

// Manager creates, looks up and expires sessions, and issues the opaque
// session tokens clients can present on later requests.
type Manager struct {
	storage     Storage
	resolver    auth.Resolver
	codec       *TokenCodec
	ttl         time.Duration
	maxSessions int

	// createMu serializes quota check and creation so the budget is
	// enforced deterministically.
	createMu sync.Mutex

	// live tracks sessions with a bound transport on this instance. The
	// sweeper closes these on expiry; storage backends only see the record.
	live sync.Map

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts its sweeper.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("%w: session storage is required", gateway.ErrInvalidConfig)
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: credential resolver is required", gateway.ErrInvalidConfig)
	}
	if len(cfg.TokenSecret) == 0 {
		return nil, fmt.Errorf("%w: session token secret is required", gateway.ErrInvalidConfig)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}

	m := &Manager{
		storage:     cfg.Storage,
		resolver:    cfg.Resolver,
		codec:       NewTokenCodec(cfg.TokenSecret),
		ttl:         cfg.TTL,
		maxSessions: cfg.MaxSessions,
		stopCh:      make(chan struct{}),
	}
	go m.sweepRoutine()
	return m, nil
}

func (m *Manager) sweepRoutine() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// sweepOnce removes sessions idle longer than the TTL. Bound transports are
// closed first; their read loops then unwind through Remove.
func (m *Manager) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.ttl)

	m.live.Range(func(key, val any) bool {
		sess, ok := val.(*Session)
		if !ok {
			m.live.Delete(key)
			return true
		}
		if sess.UpdatedAt().Before(cutoff) {
			logger.Infof("Session %s expired, closing transport", sess.ID())
			sess.CloseConn("session expired")
			m.live.Delete(key)
		}
		return true
	})

	if err := m.storage.DeleteExpired(ctx, cutoff); err != nil {
		logger.Warnf("Session sweep failed: %v", err)
	}
}

// GetOrCreate returns the session identified by a session-token bearer, or
// creates a new one from the resolved organization context. New sessions
// fail with gateway.ErrSessionQuota when the budget is exhausted and with
// gateway.ErrUnresolvedOrganization when no credentials resolve.
func (m *Manager) GetOrCreate(ctx context.Context, creds auth.Credentials) (*Session, error) {
	if creds.Bearer != "" {
		if sess, err := m.lookupByToken(ctx, creds.Bearer); err == nil {
			return sess, nil
		}
		// Not a session token. Fall through to the resolver, which knows
		// how to read identity-provider bearers.
	}

	orgCtx, err := m.resolver.Resolve(ctx, creds)
	if err != nil {
		return nil, err
	}
	if orgCtx == nil {
		return nil, gateway.ErrUnresolvedOrganization
	}

	return m.create(ctx, gateway.TransportHTTP, orgCtx)
}

// CreateWebSocketSession creates a session bound to a WebSocket transport.
// orgCtx may be nil when the upgrade carried no resolvable credentials.
func (m *Manager) CreateWebSocketSession(ctx context.Context, orgCtx *gateway.OrganizationContext) (*Session, error) {
	return m.create(ctx, gateway.TransportWebSocket, orgCtx)
}

// AttachWebSocket binds a live transport handle to an existing session and
// returns that session. Subsequent server-to-client messages go through
// the handle.
func (m *Manager) AttachWebSocket(ctx context.Context, sessionID string, conn Conn) (*Session, error) {
	sess, err := m.storage.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.AttachConn(conn)
	sess.Touch()
	if err := m.storage.Store(ctx, sess); err != nil {
		return nil, err
	}
	m.live.Store(sess.ID(), sess)
	return sess, nil
}

// GenerateToken mints an opaque token for the session id. The token
// validates only while the session is live.
func (m *Manager) GenerateToken(sessionID string) string {
	return m.codec.Generate(sessionID, time.Now())
}

// ValidateToken verifies a session token and returns the live session it
// names. Tokens for removed or expired sessions fail with
// gateway.ErrSessionNotFound; anything unverifiable fails with
// gateway.ErrInvalidToken.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*Session, error) {
	return m.lookupByToken(ctx, token)
}

// Get returns a live session by id and refreshes its activity.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := m.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	sess.Touch()
	if err := m.storage.Store(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Remove deletes a session and closes any bound transport. Transports live
// in the manager's registry, not in storage, so rehydrated records are not
// consulted here.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if val, ok := m.live.LoadAndDelete(id); ok {
		if sess, ok := val.(*Session); ok {
			sess.CloseConn("session removed")
		}
	}
	return m.storage.Delete(ctx, id)
}

// Count returns the number of live sessions.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.storage.Count(ctx)
}

// Stop stops the sweeper. It does not close the storage backend, which
// the caller owns.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) lookupByToken(ctx context.Context, token string) (*Session, error) {
	sessionID, _, err := m.codec.Parse(token)
	if err != nil {
		return nil, err
	}

	sess, err := m.storage.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.Touch()
	if err := m.storage.Store(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) create(ctx context.Context, transport gateway.TransportKind, orgCtx *gateway.OrganizationContext) (*Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if m.maxSessions > 0 {
		count, err := m.storage.Count(ctx)
		if err != nil {
			return nil, err
		}
		if count >= m.maxSessions {
			return nil, gateway.ErrSessionQuota
		}
	}

	sess := NewSession(uuid.NewString(), transport, orgCtx)
	if err := m.storage.Store(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}
