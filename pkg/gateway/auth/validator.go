// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Common token validation errors.
var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenValidator validates identity-provider bearer tokens and returns
// their claims. Implementations cover the shared-secret and JWKS cases.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error)
}

// hmacValidator validates HS256 tokens signed with a shared secret. It is
// the development-mode validator; production deployments configure a JWKS
// issuer instead.
type hmacValidator struct {
	secret []byte
}

// NewHMACValidator creates a validator for HS256 tokens under the given
// shared secret.
func NewHMACValidator(secret []byte) TokenValidator {
	return &hmacValidator{secret: secret}
}

// ValidateToken implements TokenValidator.
func (v *hmacValidator) ValidateToken(_ context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// jwksValidator validates RS256 tokens against a cached JWKS key set.
// Registration of the JWKS URL is lazy so a slow issuer cannot block boot.
type jwksValidator struct {
	jwksURL    string
	jwksClient *jwk.Cache

	registered      bool
	registrationMu  sync.Mutex
	registrationErr error
}

// NewJWKSValidator creates a validator backed by an auto-refreshing JWKS
// cache for the given URL.
func NewJWKSValidator(ctx context.Context, jwksURL string) (TokenValidator, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: missing JWKS URL", ErrInvalidToken)
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &jwksValidator{
		jwksURL:    jwksURL,
		jwksClient: cache,
	}, nil
}

// ValidateToken implements TokenValidator.
func (v *jwksValidator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFor(ctx, token)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ensureRegistered registers the JWKS URL with the cache on first use.
func (v *jwksValidator) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return v.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		v.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.registrationErr = nil
	}

	v.registered = true
	return v.registrationErr
}

// keyFor resolves the signing key for a token from the JWKS by key id.
func (v *jwksValidator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}
