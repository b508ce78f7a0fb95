// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import "context"

// correlationIDKey is the context key for the per-request correlation id.
// A typed key keeps the value collision-free across packages.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying the correlation id. An empty
// id leaves the context unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation id from the context, or an empty
// string when none was set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
