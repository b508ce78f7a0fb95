// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves caller credentials into the tenant context the
// gateway propagates to backends. It understands identity-provider bearer
// tokens and API keys, and consults narrow store interfaces for the
// organization and key records behind them.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// DevAPIKey is the well-known development key. The admission gate accepts it
// only outside production, and production boot refuses to run with it as the
// configured key.
const DevAPIKey = "dev-api-key-12345"

// Header names recognized on incoming requests and added to forwards.
const (
	// HeaderAPIKey carries the caller's API key.
	HeaderAPIKey = "x-api-key"

	// HeaderSimulateOrganization selects an organization by external id
	// without credentials. Honored only outside production.
	HeaderSimulateOrganization = "x-simulate-organization"

	// HeaderOrganizationID is added to forwarded requests when the internal
	// organization id is known.
	HeaderOrganizationID = "x-organization-id"

	// HeaderOrganizationExternalID is added to forwarded requests when the
	// identity-provider organization id is known.
	HeaderOrganizationExternalID = "x-organization-external-id"

	// HeaderSessionToken is set on POST /mcp responses and carries the opaque
	// token of the session that served the request. Clients replay it as a
	// bearer credential to stay on the same session.
	HeaderSessionToken = "x-session-token"
)

// OrganizationContextKey is the key used to store the resolved
// OrganizationContext in the request context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even when names collide
// across packages.
type OrganizationContextKey struct{}

// WithOrganization stores an OrganizationContext in the context.
// If orgCtx is nil, the original context is returned unchanged.
func WithOrganization(ctx context.Context, orgCtx *gateway.OrganizationContext) context.Context {
	if orgCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, OrganizationContextKey{}, orgCtx)
}

// OrganizationFromContext retrieves an OrganizationContext from the context.
// Returns the context and true if present, nil and false otherwise.
func OrganizationFromContext(ctx context.Context) (*gateway.OrganizationContext, bool) {
	orgCtx, ok := ctx.Value(OrganizationContextKey{}).(*gateway.OrganizationContext)
	return orgCtx, ok
}

// Credentials are the raw credential inputs extracted from a request.
// Absent values are empty strings.
type Credentials struct {
	// Bearer is the Authorization bearer token without the scheme prefix.
	// It may be an identity-provider JWT or an opaque session token; the
	// session manager tries the session interpretation first.
	Bearer string

	// APIKey is the value of the x-api-key header.
	APIKey string

	// SimulateOrganization is the value of the x-simulate-organization
	// header. Development only.
	SimulateOrganization string
}

// Empty reports whether no credential input is present at all.
func (c Credentials) Empty() bool {
	return c.Bearer == "" && c.APIKey == "" && c.SimulateOrganization == ""
}

// CredentialsFromRequest extracts credential inputs from request headers.
func CredentialsFromRequest(r *http.Request) Credentials {
	return Credentials{
		Bearer:               bearerToken(r.Header.Get("Authorization")),
		APIKey:               r.Header.Get(HeaderAPIKey),
		SimulateOrganization: r.Header.Get(HeaderSimulateOrganization),
	}
}

// bearerToken strips the Bearer scheme from an Authorization header value.
// Returns empty when the header is absent or uses a different scheme.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
