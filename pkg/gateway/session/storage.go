// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"
)

// Storage is the minimal interface over session storage backends. It is
// implemented by the in-memory store for single-instance deployments and
// by the Redis store for horizontally scaled ones.
//
// Live transport handles never pass through storage; only the session
// record does. A session loaded on another instance is connectionless.
type Storage interface {
	// Store creates or updates a session. Existing sessions are
	// overwritten.
	Store(ctx context.Context, sess *Session) error

	// Load retrieves a session by id. Returns gateway.ErrSessionNotFound
	// when absent. Load does not touch the session; callers refresh
	// activity explicitly.
	Load(ctx context.Context, id string) (*Session, error)

	// Delete removes a session. Deleting an absent session is not an
	// error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes sessions with no activity since the given
	// time. Backends with server-side expiry may implement this as a
	// no-op.
	DeleteExpired(ctx context.Context, before time.Time) error

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources. The in-memory store clears all
	// sessions; remote stores close their connections.
	Close() error
}
