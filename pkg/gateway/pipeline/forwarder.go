// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pool"
	"github.com/stacklok/mcp-gateway/pkg/gateway/protocol"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

const (
	// DefaultForwardTimeout bounds a complete forward, retries included.
	DefaultForwardTimeout = 15 * time.Second

	// retryBaseDelay is the first retry backoff interval.
	retryBaseDelay = 200 * time.Millisecond

	// retryMaxDelay caps the growth of the backoff interval.
	retryMaxDelay = 2 * time.Second
)

// Forwarder posts request bodies to backend MCP servers and returns their
// raw responses. Idempotent methods are retried with exponential backoff up
// to the backend's retry budget; everything else surfaces the first failure.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
}

// NewForwarder creates a forwarder. A nil client uses http.DefaultClient;
// a non-positive timeout uses DefaultForwardTimeout.
func NewForwarder(client *http.Client, timeout time.Duration) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{
		client:  client,
		timeout: timeout,
	}
}

// Forward sends the request body to {backend}/mcp verbatim and returns the
// backend's response body. Tenant headers are added when the organization
// context is known. The forward deadline bounds all attempts together and
// is further bounded by any deadline already on ctx.
func (f *Forwarder) Forward(
	ctx context.Context,
	inst *pool.Instance,
	req *protocol.Request,
	orgCtx *gateway.OrganizationContext,
) ([]byte, error) {
	fwdCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	operation := func() ([]byte, error) {
		return f.post(fwdCtx, inst, req.Body, orgCtx)
	}

	maxTries := uint(1)
	if retries := inst.MaxRetries(); retries > 0 && protocol.IdempotentMethod(req.Method()) {
		maxTries = uint(retries) + 1 // #nosec G115 -- config-ranged retry counts
	}
	if maxTries == 1 {
		return operation()
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryBaseDelay
	expBackoff.MaxInterval = retryMaxDelay

	return backoff.Retry(fwdCtx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugw("Retrying forward",
				"correlation_id", gateway.CorrelationID(ctx),
				"backend", inst.ID(),
				"method", req.Method(),
				"delay", duration.String(),
				"error", err.Error(),
			)
		}),
	)
}

// post performs a single forward attempt.
func (f *Forwarder) post(
	ctx context.Context,
	inst *pool.Instance,
	body []byte,
	orgCtx *gateway.OrganizationContext,
) ([]byte, error) {
	url := strings.TrimSuffix(inst.BaseURL(), "/") + "/mcp"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: building request: %v", gateway.ErrForward, err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if orgCtx != nil {
		if orgCtx.OrganizationID != "" {
			httpReq.Header.Set(auth.HeaderOrganizationID, orgCtx.OrganizationID)
		}
		if orgCtx.OrganizationExternalID != "" {
			httpReq.Header.Set(auth.HeaderOrganizationExternalID, orgCtx.OrganizationExternalID)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrForward, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", gateway.ErrForward, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%w: backend returned status %d", gateway.ErrForward, resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	return payload, nil
}

// retryableStatus reports whether a backend status is transient. Only
// throttling and server-side failures qualify; other statuses will not
// improve on retry.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
