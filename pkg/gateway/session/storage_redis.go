// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration for the session store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Both may be
	// empty for unauthenticated deployments.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces session keys, e.g. "mcpgw:".
	KeyPrefix string

	// TTL is the server-side expiry applied on every store. It should
	// match the session timeout so Redis expires what the sweeper would.
	TTL time.Duration

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on Redis, enabling horizontally scaled
// gateways to share session records. Transport handles are not shared;
// a session loaded on another instance is connectionless.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// sessionRecord is the serializable form of a Session.
type sessionRecord struct {
	ID                     string    `json:"id"`
	Transport              string    `json:"transport"`
	OrganizationID         string    `json:"organization_id,omitempty"`
	OrganizationExternalID string    `json:"organization_external_id,omitempty"`
	UserID                 string    `json:"user_id,omitempty"`
	Role                   string    `json:"role,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// NewRedisStorage creates a Redis-backed session store and verifies
// connectivity before returning.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStorage) key(id string) string {
	return s.keyPrefix + "session:" + id
}

// Store implements Storage. Every store refreshes the server-side TTL,
// giving sessions a sliding expiry.
func (s *RedisStorage) Store(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("cannot store nil session")
	}
	if sess.ID() == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}

	rec := sessionRecord{
		ID:        sess.ID(),
		Transport: string(sess.Transport()),
		CreatedAt: sess.CreatedAt(),
		UpdatedAt: sess.UpdatedAt(),
	}
	if orgCtx := sess.Organization(); orgCtx != nil {
		rec.OrganizationID = orgCtx.OrganizationID
		rec.OrganizationExternalID = orgCtx.OrganizationExternalID
		rec.UserID = orgCtx.UserID
		rec.Role = orgCtx.Role
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.client.Set(ctx, s.key(sess.ID()), data, s.ttl).Err()
}

// Load implements Storage.
func (s *RedisStorage) Load(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("cannot load session with empty ID")
	}

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, gateway.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	var orgCtx *gateway.OrganizationContext
	if rec.OrganizationID != "" || rec.OrganizationExternalID != "" {
		orgCtx = &gateway.OrganizationContext{
			OrganizationID:         rec.OrganizationID,
			OrganizationExternalID: rec.OrganizationExternalID,
			UserID:                 rec.UserID,
			Role:                   rec.Role,
		}
	}

	sess := NewSession(rec.ID, gateway.TransportKind(rec.Transport), orgCtx)
	sess.created = rec.CreatedAt
	sess.updated = rec.UpdatedAt
	return sess, nil
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete session with empty ID")
	}
	return s.client.Del(ctx, s.key(id)).Err()
}

// DeleteExpired implements Storage. Redis expires sessions server-side
// via the TTL set on every store, so there is nothing to sweep.
func (s *RedisStorage) DeleteExpired(_ context.Context, _ time.Time) error {
	return nil
}

// Count implements Storage.
func (s *RedisStorage) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	pattern := s.keyPrefix + "session:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan sessions: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

var _ Storage = (*RedisStorage)(nil)
