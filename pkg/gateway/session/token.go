// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// TokenCodec mints and verifies opaque session tokens. A token is the
// base64url payload "sessionId.issuedAtUnix" followed by a base64url
// HMAC-SHA256 signature over that payload. Tokens are deliberately not
// interoperable with identity-provider JWTs.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec creates a codec signing tokens with the given secret.
func NewTokenCodec(secret []byte) *TokenCodec {
	return &TokenCodec{secret: secret}
}

// Generate mints a token for the session id at the given issue time.
func (c *TokenCodec) Generate(sessionID string, issuedAt time.Time) string {
	payload := fmt.Sprintf("%s.%d", sessionID, issuedAt.Unix())
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(c.sign(payload))
}

// Parse verifies a token and returns the session id and issue time it
// carries. Verification is constant-time in the signature. Returns
// gateway.ErrInvalidToken for anything that does not verify.
func (c *TokenCodec) Parse(token string) (string, time.Time, error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return "", time.Time{}, gateway.ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return "", time.Time{}, gateway.ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return "", time.Time{}, gateway.ErrInvalidToken
	}

	if !hmac.Equal(sig, c.sign(string(payload))) {
		return "", time.Time{}, gateway.ErrInvalidToken
	}

	// The session id itself never contains a dot, but split from the right
	// so a malformed id cannot shift the timestamp field.
	idx := strings.LastIndexByte(string(payload), '.')
	if idx <= 0 {
		return "", time.Time{}, gateway.ErrInvalidToken
	}
	sessionID := string(payload[:idx])
	unix, err := strconv.ParseInt(string(payload[idx+1:]), 10, 64)
	if err != nil {
		return "", time.Time{}, gateway.ErrInvalidToken
	}

	return sessionID, time.Unix(unix, 0), nil
}

func (c *TokenCodec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
