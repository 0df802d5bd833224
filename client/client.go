// Copyright (C) 2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client talks to a coordinator over HTTP. It implements the
// key-fetch and handle-provider interfaces consumed by the submission
// pipeline, so a caller can assemble, encrypt, and settle intents against
// a remote coordinator.
package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/intent"
	"github.com/luxfi/intent/api"
	"github.com/luxfi/intent/crypto/fhe"
	"github.com/luxfi/intent/envelope"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultRetryTimeout   = 30 * time.Second
)

var _ intent.Provider = (*Client)(nil)

// Client is a coordinator HTTP client. Transport failures are retried with
// exponential backoff up to the retry timeout; rejections carried in a
// coordinator error envelope are surfaced immediately.
type Client struct {
	log     log.Logger
	baseURL string
	http    *http.Client

	retryTimeout time.Duration
}

type Option func(*Client)

// WithRequestTimeout overrides the per-request timeout
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithRetryTimeout overrides the total retry budget per call
func WithRetryTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.retryTimeout = d
	}
}

// New creates a client for the coordinator at baseURL
func New(logger log.Logger, baseURL string, opts ...Option) *Client {
	c := &Client{
		log:          logger,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		http:         &http.Client{Timeout: defaultRequestTimeout},
		retryTimeout: defaultRetryTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is a rejection decoded from the coordinator error envelope. It
// preserves the machine-readable reason as a sentinel where one applies.
func apiError(statusCode int, body []byte) error {
	var envl api.ErrorResponse
	reason := ""
	if err := json.Unmarshal(body, &envl); err == nil {
		reason = envl.Error
	}

	var sentinel error
	switch reason {
	case "InvalidSignature":
		sentinel = intent.ErrInvalidSignature
	case "Expired":
		sentinel = intent.ErrExpired
	case "NonceReused":
		sentinel = intent.ErrNonceReused
	case "RateLimited":
		sentinel = intent.ErrRateLimited
	case "InsufficientBalance":
		sentinel = intent.ErrInsufficientBalance
	case "PrivacyPayload":
		sentinel = intent.ErrPrivacyPayload
	default:
		return fmt.Errorf("%w: coordinator rejected request with status %d: %s", intent.ErrChain, statusCode, reason)
	}
	return fmt.Errorf("%w: coordinator rejected request with status %d", sentinel, statusCode)
}

// do issues the request, retrying transport errors with backoff. A response
// with a status code is never retried here; rejections are deterministic.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var out []byte
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", intent.ErrTransport, err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", intent.ErrTransport, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %w", intent.ErrTransport, err)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(apiError(resp.StatusCode, raw))
		}
		out = raw
		return nil
	}

	if err := intent.WithRetriesTimeout(c.log, operation, c.retryTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPublicKey retrieves the coordinator's RSA public key. It has the
// signature of keycache.FetchFunc so it can back a key cache directly.
func (c *Client) FetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	raw, err := c.do(ctx, http.MethodGet, api.PublicKeyPath, nil)
	if err != nil {
		return nil, err
	}

	var resp api.PublicKeyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode public key response: %w", intent.ErrKeyFetch, err)
	}
	der, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode public key: %w", intent.ErrKeyFetch, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %w", intent.ErrKeyFetch, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: coordinator key is not RSA", intent.ErrKeyFetch)
	}
	return rsaPub, nil
}

// BuildHandles implements intent.Provider against the coordinator's
// privacy-handle endpoint
func (c *Client) BuildHandles(ctx context.Context, values map[string]uint64) (map[string]fhe.Handle, error) {
	body, err := json.Marshal(api.PrivacyHandlesRequest{Values: values})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", intent.ErrPrivacyPayload, err)
	}

	raw, err := c.do(ctx, http.MethodPost, api.PrivacyHandlesPath, body)
	if err != nil {
		return nil, err
	}

	var resp api.PrivacyHandlesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode handles response: %w", intent.ErrPrivacyPayload, err)
	}
	return resp.Handles, nil
}

// SubmitApproval sends a hybrid-encrypted settlement request
func (c *Client) SubmitApproval(ctx context.Context, env *envelope.Envelope) (*api.SettlementResponse, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", intent.ErrEncryption, err)
	}
	return c.settle(ctx, api.ApprovalPath, body)
}

// SubmitSettlement sends a signed intent in the clear
func (c *Client) SubmitSettlement(ctx context.Context, si *intent.SignedIntent, executionBudget uint64) (*api.SettlementResponse, error) {
	siJSON, err := json.Marshal(si)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", intent.ErrInvalidIntent, err)
	}
	body, err := json.Marshal(api.SettlementRequest{
		SignedIntent:    siJSON,
		ExecutionBudget: executionBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", intent.ErrInvalidIntent, err)
	}
	return c.settle(ctx, api.SettlementPath, body)
}

func (c *Client) settle(ctx context.Context, path string, body []byte) (*api.SettlementResponse, error) {
	raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	var resp api.SettlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode settlement response: %w", intent.ErrTransport, err)
	}
	return &resp, nil
}

// Status reports the recorded settlement outcome for an intent
func (c *Client) Status(ctx context.Context, intentID ids.ID) (*api.SettlementResponse, error) {
	path := api.StatusPath + "?intent=" + url.QueryEscape(intentID.String())
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp api.SettlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode status response: %w", intent.ErrTransport, err)
	}
	return &resp, nil
}
