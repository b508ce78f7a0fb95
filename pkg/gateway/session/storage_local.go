// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// LocalStorage implements Storage with an in-memory sync.Map. It is the
// default backend for single-instance deployments. Sessions are stored by
// pointer, so a loaded session is the canonical object and transport
// handles survive the round-trip.
type LocalStorage struct {
	sessions sync.Map
}

// NewLocalStorage creates an in-memory storage backend.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// Store implements Storage.
func (s *LocalStorage) Store(_ context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("cannot store nil session")
	}
	if sess.ID() == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}

	s.sessions.Store(sess.ID(), sess)
	return nil
}

// Load implements Storage.
func (s *LocalStorage) Load(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("cannot load session with empty ID")
	}

	val, ok := s.sessions.Load(id)
	if !ok {
		return nil, gateway.ErrSessionNotFound
	}

	sess, ok := val.(*Session)
	if !ok {
		return nil, fmt.Errorf("invalid session type in storage")
	}
	return sess, nil
}

// Delete implements Storage.
func (s *LocalStorage) Delete(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete session with empty ID")
	}

	s.sessions.Delete(id)
	return nil
}

// DeleteExpired implements Storage.
func (s *LocalStorage) DeleteExpired(ctx context.Context, before time.Time) error {
	var toDelete []string

	s.sessions.Range(func(key, val any) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if sess, ok := val.(*Session); ok && sess.UpdatedAt().Before(before) {
			if id, ok := key.(string); ok {
				toDelete = append(toDelete, id)
			}
		}
		return true
	})

	for _, id := range toDelete {
		s.sessions.Delete(id)
	}
	return nil
}

// Count implements Storage.
func (s *LocalStorage) Count(_ context.Context) (int, error) {
	count := 0
	s.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count, nil
}

// Close clears all sessions.
func (s *LocalStorage) Close() error {
	var toDelete []any
	s.sessions.Range(func(key, _ any) bool {
		toDelete = append(toDelete, key)
		return true
	})
	for _, key := range toDelete {
		s.sessions.Delete(key)
	}
	return nil
}
