// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCheckerStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{name: "200 passes", statusCode: http.StatusOK},
		{name: "204 passes", statusCode: http.StatusNoContent},
		{name: "404 fails", statusCode: http.StatusNotFound, wantErr: true},
		{name: "500 fails", statusCode: http.StatusInternalServerError, wantErr: true},
		{name: "503 fails", statusCode: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			t.Cleanup(srv.Close)

			checker := NewHTTPChecker(srv.Client(), DefaultProbeTimeout)
			err := checker.CheckHealth(context.Background(), srv.URL)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPCheckerProbePath(t *testing.T) {
	t.Parallel()

	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	checker := NewHTTPChecker(srv.Client(), DefaultProbeTimeout)

	require.NoError(t, checker.CheckHealth(context.Background(), srv.URL))
	assert.Equal(t, "/health", gotPath.Load())

	// A trailing slash on the base URL must not double the separator.
	require.NoError(t, checker.CheckHealth(context.Background(), srv.URL+"/"))
	assert.Equal(t, "/health", gotPath.Load())
}

func TestHTTPCheckerTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	checker := NewHTTPChecker(srv.Client(), 50*time.Millisecond)

	start := time.Now()
	err := checker.CheckHealth(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "probe must give up at its own deadline")
}

func TestHTTPCheckerConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	baseURL := srv.URL
	srv.Close()

	checker := NewHTTPChecker(nil, DefaultProbeTimeout)
	assert.Error(t, checker.CheckHealth(context.Background(), baseURL))
}
