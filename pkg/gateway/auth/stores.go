// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrRecordNotFound indicates a store lookup found no matching record.
var ErrRecordNotFound = errors.New("record not found")

// Organization is a tenant record as surfaced by the directory. The real
// directory lives behind the admin plane; the gateway only reads it.
type Organization struct {
	// ID is the internal organization identifier.
	ID string

	// ExternalID is the identity-provider identifier.
	ExternalID string

	// Name is a human-readable label.
	Name string
}

// APIKeyRecord is an API key as surfaced by the key store. Keys are stored
// and looked up by SHA-256 digest; the plaintext never persists.
type APIKeyRecord struct {
	// Hash is the lowercase hex SHA-256 digest of the key.
	Hash string

	// OrganizationID and OrganizationExternalID identify the owning tenant.
	OrganizationID         string
	OrganizationExternalID string

	// UserID optionally ties the key to a user.
	UserID string

	// Role optionally carries the key's role within the organization.
	Role string

	// ExpiresAt is the expiry instant. Zero means the key never expires.
	ExpiresAt time.Time

	// Deleted marks soft-deleted keys, which must not authenticate.
	Deleted bool

	// LastUsedAt records the most recent successful authentication.
	LastUsedAt time.Time
}

// Expired reports whether the key is past its expiry at the given instant.
func (r *APIKeyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// OrganizationDirectory is the narrow read interface over the organization
// store. Only the lookup the resolver needs is modeled.
type OrganizationDirectory interface {
	// LookupByExternalID returns the organization with the given
	// identity-provider id, or ErrRecordNotFound.
	LookupByExternalID(ctx context.Context, externalID string) (*Organization, error)
}

// APIKeyStore is the narrow interface over the API key store.
type APIKeyStore interface {
	// LookupByHash returns the key record with the given SHA-256 digest,
	// or ErrRecordNotFound.
	LookupByHash(ctx context.Context, hash string) (*APIKeyRecord, error)

	// TouchLastUsed records a successful authentication with the key.
	TouchLastUsed(ctx context.Context, hash string, when time.Time) error
}

// HashAPIKey returns the lowercase hex SHA-256 digest used as the lookup
// key for API keys.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// staticDirectory is an in-memory OrganizationDirectory seeded at boot.
type staticDirectory struct {
	byExternalID map[string]Organization
}

// NewStaticDirectory creates a directory over a fixed set of organizations.
func NewStaticDirectory(orgs []Organization) OrganizationDirectory {
	byExternalID := make(map[string]Organization, len(orgs))
	for _, org := range orgs {
		byExternalID[org.ExternalID] = org
	}
	return &staticDirectory{byExternalID: byExternalID}
}

// LookupByExternalID implements OrganizationDirectory.
func (d *staticDirectory) LookupByExternalID(_ context.Context, externalID string) (*Organization, error) {
	org, ok := d.byExternalID[externalID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &org, nil
}

// staticAPIKeys is an in-memory APIKeyStore seeded at boot.
type staticAPIKeys struct {
	mu     sync.RWMutex
	byHash map[string]*APIKeyRecord
}

// NewStaticAPIKeys creates a key store over a fixed set of records.
func NewStaticAPIKeys(records []APIKeyRecord) APIKeyStore {
	byHash := make(map[string]*APIKeyRecord, len(records))
	for i := range records {
		rec := records[i]
		byHash[rec.Hash] = &rec
	}
	return &staticAPIKeys{byHash: byHash}
}

// LookupByHash implements APIKeyStore.
func (s *staticAPIKeys) LookupByHash(_ context.Context, hash string) (*APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byHash[hash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := *rec
	return &copied, nil
}

// TouchLastUsed implements APIKeyStore.
func (s *staticAPIKeys) TouchLastUsed(_ context.Context, hash string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[hash]
	if !ok {
		return ErrRecordNotFound
	}
	rec.LastUsedAt = when
	return nil
}
