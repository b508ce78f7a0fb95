// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// limiterRegistry hands out one token bucket per caller key.
//
// TODO: evict buckets idle for more than a few refill windows; a long-lived
// gateway otherwise accumulates one entry per distinct caller.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func (reg *limiterRegistry) get(key string) *rate.Limiter {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	lim, ok := reg.limiters[key]
	if !ok {
		lim = rate.NewLimiter(reg.limit, reg.burst)
		reg.limiters[key] = lim
	}
	return lim
}

// RateLimit applies a per-caller token bucket: capacity perMinute, refilled
// at perMinute tokens per minute. Callers are keyed by API key when one is
// offered, client IP otherwise.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	registry := newLimiterRegistry(perMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !registry.get(callerKey(r)).Allow() {
				// The bucket key may be a credential, so log the address.
				logger.Warnf("Rate limit exceeded for caller at %s", r.RemoteAddr)
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newLimiterRegistry(perMinute int) *limiterRegistry {
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func callerKey(r *http.Request) string {
	if key := r.Header.Get(auth.HeaderAPIKey); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
