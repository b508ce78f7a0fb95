// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
)

// stubResolver returns a fixed resolution result.
type stubResolver struct {
	orgCtx *gateway.OrganizationContext
	err    error
}

func (r *stubResolver) Resolve(context.Context, auth.Credentials) (*gateway.OrganizationContext, error) {
	return r.orgCtx, r.err
}

func newTestManager(t *testing.T, maxSessions int, orgCtx *gateway.OrganizationContext) *Manager {
	t.Helper()

	m, err := NewManager(ManagerConfig{
		Storage:     NewLocalStorage(),
		Resolver:    &stubResolver{orgCtx: orgCtx},
		TokenSecret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:         time.Hour,
		MaxSessions: maxSessions,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ManagerConfig
	}{
		{
			name: "missing storage",
			cfg: ManagerConfig{
				Resolver:    &stubResolver{},
				TokenSecret: []byte("secret"),
			},
		},
		{
			name: "missing resolver",
			cfg: ManagerConfig{
				Storage:     NewLocalStorage(),
				TokenSecret: []byte("secret"),
			},
		},
		{
			name: "missing token secret",
			cfg: ManagerConfig{
				Storage:  NewLocalStorage(),
				Resolver: &stubResolver{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewManager(tt.cfg)
			assert.ErrorIs(t, err, gateway.ErrInvalidConfig)
		})
	}
}

func TestGetOrCreateNewSession(t *testing.T) {
	t.Parallel()

	orgCtx := &gateway.OrganizationContext{OrganizationID: "org-1"}
	m := newTestManager(t, 0, orgCtx)

	sess, err := m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "dev-api-key-12345"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, gateway.TransportHTTP, sess.Transport())
	assert.Equal(t, orgCtx, sess.Organization())

	count, err := m.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetOrCreateUnresolvable(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, nil)

	_, err := m.GetOrCreate(context.Background(), auth.Credentials{})
	assert.ErrorIs(t, err, gateway.ErrUnresolvedOrganization)

	count, err := m.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "failed creation must not leave sessions behind")
}

func TestGetOrCreateWithSessionToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, &gateway.OrganizationContext{OrganizationID: "org-1"})

	created, err := m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	require.NoError(t, err)

	token := m.GenerateToken(created.ID())
	got, err := m.GetOrCreate(context.Background(), auth.Credentials{Bearer: token})
	require.NoError(t, err)
	assert.Equal(t, created.ID(), got.ID())

	count, err := m.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "token lookup must not create a second session")
}

func TestSessionQuota(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2, &gateway.OrganizationContext{OrganizationID: "org-1"})

	first, err := m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	require.NoError(t, err)
	_, err = m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	require.NoError(t, err)

	_, err = m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	assert.ErrorIs(t, err, gateway.ErrSessionQuota)

	// Removing one frees a slot.
	require.NoError(t, m.Remove(context.Background(), first.ID()))
	_, err = m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	assert.NoError(t, err)
}

func TestValidateToken(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, &gateway.OrganizationContext{OrganizationID: "org-1"})

	created, err := m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	require.NoError(t, err)
	token := m.GenerateToken(created.ID())

	sess, err := m.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, created.ID(), sess.ID())

	t.Run("garbage token", func(t *testing.T) {
		_, err := m.ValidateToken(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, gateway.ErrInvalidToken)
	})

	t.Run("replay after removal fails", func(t *testing.T) {
		require.NoError(t, m.Remove(context.Background(), created.ID()))
		_, err := m.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, gateway.ErrSessionNotFound)
	})
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, nil)

	sess, err := m.CreateWebSocketSession(context.Background(), &gateway.OrganizationContext{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, gateway.TransportWebSocket, sess.Transport())

	conn := &stubConn{}
	attached, err := m.AttachWebSocket(context.Background(), sess.ID(), conn)
	require.NoError(t, err)
	assert.True(t, attached.Connected())

	// Removal closes the owned transport.
	require.NoError(t, m.Remove(context.Background(), sess.ID()))
	assert.True(t, conn.closed)
	assert.Equal(t, "session removed", conn.closeReason)
}

func TestAttachWebSocketMissingSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, nil)
	_, err := m.AttachWebSocket(context.Background(), "nope", &stubConn{})
	assert.ErrorIs(t, err, gateway.ErrSessionNotFound)
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, &gateway.OrganizationContext{OrganizationID: "org-1"})

	sess, err := m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	require.NoError(t, err)

	sess.mu.Lock()
	sess.updated = time.Now().Add(-2 * time.Hour)
	sess.mu.Unlock()

	m.sweepOnce(context.Background())

	_, err = m.Get(context.Background(), sess.ID())
	assert.ErrorIs(t, err, gateway.ErrSessionNotFound)
}

func TestSweepClosesIdleTransport(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, nil)

	sess, err := m.CreateWebSocketSession(context.Background(), &gateway.OrganizationContext{OrganizationID: "org-1"})
	require.NoError(t, err)
	conn := &stubConn{}
	_, err = m.AttachWebSocket(context.Background(), sess.ID(), conn)
	require.NoError(t, err)

	sess.mu.Lock()
	sess.updated = time.Now().Add(-2 * time.Hour)
	sess.mu.Unlock()

	m.sweepOnce(context.Background())

	assert.True(t, conn.closed)
	assert.Equal(t, "session expired", conn.closeReason)
	_, err = m.Get(context.Background(), sess.ID())
	assert.ErrorIs(t, err, gateway.ErrSessionNotFound)
}

func TestGetRefreshesActivity(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 0, &gateway.OrganizationContext{OrganizationID: "org-1"})

	sess, err := m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	require.NoError(t, err)
	t0 := sess.UpdatedAt()

	time.Sleep(10 * time.Millisecond)
	got, err := m.Get(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt().After(t0))
}

func TestResolverFaultPropagates(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Storage:     NewLocalStorage(),
		Resolver:    &stubResolver{err: assert.AnError},
		TokenSecret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	_, err = m.GetOrCreate(context.Background(), auth.Credentials{APIKey: "key"})
	assert.ErrorIs(t, err, assert.AnError)
}
