// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Claims consulted on identity-provider tokens. The external organization
// id claim varies by issuer; org_id is tried first, then org.
var organizationClaims = []string{"org_id", "org"}

// Resolver turns request credentials into an OrganizationContext.
//
// Resolution never fails on bad credentials: a present but unresolvable
// credential yields (nil, nil) and a warning log, leaving policy to the
// caller. Errors are returned only for store faults.
type Resolver interface {
	Resolve(ctx context.Context, creds Credentials) (*gateway.OrganizationContext, error)
}

// ResolverConfig wires the token validator and the stores behind the
// resolver. All services are injected; the resolver holds no globals.
type ResolverConfig struct {
	// Validator validates identity-provider bearer tokens.
	Validator TokenValidator

	// Directory resolves organizations by external id.
	Directory OrganizationDirectory

	// APIKeys resolves API key records by digest.
	APIKeys APIKeyStore

	// AllowSimulation honors the x-simulate-organization header. It must
	// be false in production.
	AllowSimulation bool
}

type resolver struct {
	validator       TokenValidator
	directory       OrganizationDirectory
	apiKeys         APIKeyStore
	allowSimulation bool
}

// NewResolver creates the credential resolver used by the session manager.
func NewResolver(cfg ResolverConfig) Resolver {
	return &resolver{
		validator:       cfg.Validator,
		directory:       cfg.Directory,
		apiKeys:         cfg.APIKeys,
		allowSimulation: cfg.AllowSimulation,
	}
}

// Resolve implements Resolver. Resolution order, first success wins:
// simulation header (development only), bearer token, API key. A bearer
// that is an opaque session token is not resolvable here and falls
// through; the session manager interprets those before consulting this
// resolver.
func (r *resolver) Resolve(ctx context.Context, creds Credentials) (*gateway.OrganizationContext, error) {
	if creds.Empty() {
		return nil, nil
	}

	if creds.SimulateOrganization != "" && r.allowSimulation {
		orgCtx, err := r.resolveSimulation(ctx, creds.SimulateOrganization)
		if err != nil {
			return nil, err
		}
		if orgCtx != nil {
			return orgCtx, nil
		}
	}

	if creds.Bearer != "" {
		orgCtx, err := r.resolveBearer(ctx, creds.Bearer)
		if err != nil {
			return nil, err
		}
		if orgCtx != nil {
			return orgCtx, nil
		}
	}

	if creds.APIKey != "" {
		orgCtx, err := r.resolveAPIKey(ctx, creds.APIKey)
		if err != nil {
			return nil, err
		}
		if orgCtx != nil {
			return orgCtx, nil
		}
	}

	return nil, nil
}

// resolveSimulation maps a simulated external org id onto a directory entry
// when one exists. Unknown ids still resolve, with the external id standing
// in for the internal one, so development setups work without a seeded
// directory.
func (r *resolver) resolveSimulation(ctx context.Context, externalID string) (*gateway.OrganizationContext, error) {
	org, err := r.directory.LookupByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			logger.Debugf("Simulated organization %q not in directory, using external id", externalID)
			return &gateway.OrganizationContext{
				OrganizationID:         externalID,
				OrganizationExternalID: externalID,
			}, nil
		}
		return nil, fmt.Errorf("organization lookup failed: %w", err)
	}

	return &gateway.OrganizationContext{
		OrganizationID:         org.ID,
		OrganizationExternalID: org.ExternalID,
	}, nil
}

// resolveBearer decodes an identity-provider JWT and resolves the
// organization named by its claims.
func (r *resolver) resolveBearer(ctx context.Context, token string) (*gateway.OrganizationContext, error) {
	if r.validator == nil {
		return nil, nil
	}

	claims, err := r.validator.ValidateToken(ctx, token)
	if err != nil {
		logger.Warnf("Bearer token did not validate: %v", err)
		return nil, nil
	}

	externalID := stringClaim(claims, organizationClaims...)
	if externalID == "" {
		logger.Warn("Bearer token carries no organization claim")
		return nil, nil
	}

	org, err := r.directory.LookupByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			logger.Warnf("Organization %q from bearer token not found", externalID)
			return nil, nil
		}
		return nil, fmt.Errorf("organization lookup failed: %w", err)
	}

	return &gateway.OrganizationContext{
		OrganizationID:         org.ID,
		OrganizationExternalID: org.ExternalID,
		UserID:                 stringClaim(claims, "sub"),
		Role:                   stringClaim(claims, "role"),
	}, nil
}

// resolveAPIKey hashes the key, looks up the record and verifies it is
// neither expired nor soft-deleted. LastUsedAt updates are best effort.
func (r *resolver) resolveAPIKey(ctx context.Context, key string) (*gateway.OrganizationContext, error) {
	hash := HashAPIKey(key)

	rec, err := r.apiKeys.LookupByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			logger.Warn("API key not recognized")
			return nil, nil
		}
		return nil, fmt.Errorf("API key lookup failed: %w", err)
	}

	now := time.Now()
	if rec.Deleted {
		logger.Warn("API key is deleted")
		return nil, nil
	}
	if rec.Expired(now) {
		logger.Warn("API key is expired")
		return nil, nil
	}

	if err := r.apiKeys.TouchLastUsed(ctx, hash, now); err != nil {
		logger.Debugf("Failed to update API key last-used timestamp: %v", err)
	}

	return &gateway.OrganizationContext{
		OrganizationID:         rec.OrganizationID,
		OrganizationExternalID: rec.OrganizationExternalID,
		UserID:                 rec.UserID,
		Role:                   rec.Role,
	}, nil
}

// stringClaim returns the first non-empty string claim among names.
func stringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if v, ok := claims[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
