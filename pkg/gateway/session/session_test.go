// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// stubConn records frames and close reasons.
type stubConn struct {
	mu          sync.Mutex
	sent        [][]byte
	closeReason string
	closed      bool
}

func (c *stubConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *stubConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
	return nil
}

func TestSessionTouch(t *testing.T) {
	t.Parallel()

	sess := NewSession("s1", gateway.TransportHTTP, nil)
	t0 := sess.UpdatedAt()

	time.Sleep(10 * time.Millisecond)
	sess.Touch()

	assert.True(t, sess.UpdatedAt().After(t0))
	assert.Equal(t, sess.CreatedAt(), t0)
}

func TestSessionSendWithoutConn(t *testing.T) {
	t.Parallel()

	sess := NewSession("s1", gateway.TransportWebSocket, nil)
	err := sess.Send(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, ErrSessionDisconnected)
}

func TestSessionAttachAndSend(t *testing.T) {
	t.Parallel()

	sess := NewSession("s1", gateway.TransportWebSocket, nil)
	conn := &stubConn{}

	assert.False(t, sess.Connected())
	sess.AttachConn(conn)
	assert.True(t, sess.Connected())

	require.NoError(t, sess.Send(context.Background(), []byte(`{"jsonrpc":"2.0"}`)))
	assert.Len(t, conn.sent, 1)
}

func TestSessionCloseConn(t *testing.T) {
	t.Parallel()

	sess := NewSession("s1", gateway.TransportWebSocket, nil)
	conn := &stubConn{}
	sess.AttachConn(conn)

	sess.CloseConn("going away")

	assert.True(t, conn.closed)
	assert.Equal(t, "going away", conn.closeReason)
	assert.False(t, sess.Connected())
	assert.ErrorIs(t, sess.Send(context.Background(), []byte("{}")), ErrSessionDisconnected)

	// Closing again is a no-op.
	sess.CloseConn("again")
	assert.Equal(t, "going away", conn.closeReason)
}

func TestSessionOrganizationImmutable(t *testing.T) {
	t.Parallel()

	orgCtx := &gateway.OrganizationContext{OrganizationID: "org-1"}
	sess := NewSession("s1", gateway.TransportHTTP, orgCtx)

	assert.Equal(t, orgCtx, sess.Organization())
	assert.Equal(t, gateway.TransportHTTP, sess.Transport())
}
