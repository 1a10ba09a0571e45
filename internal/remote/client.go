// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote is the HTTP client for the Remote Source channel API. It
// implements both consumed surfaces: order discovery for the forward engine
// and the inventory mutation API for the reverse synchronizer.
//
// The client is single-shot: it classifies failures (rate limits, server
// errors and network faults are transient) but never retries by itself.
// Retrying belongs to the engine's central policy so backoff budgets are
// accounted for in one place.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/retailbridge/channelsync/channelsync"
	"github.com/retailbridge/channelsync/revsync"
)

const accessTokenHeader = "X-Channel-Access-Token"

// Client talks to the Remote Source channel API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests use this to
// point at an httptest server with a short timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Remote Source client for the given API base URL.
func NewClient(baseURL, accessToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchOrdersPage implements channelsync.RemoteSource.
func (c *Client) FetchOrdersPage(ctx context.Context, window channelsync.Window, cursor string, pageSize int) (*channelsync.OrdersPage, error) {
	q := url.Values{}
	q.Set("updated_at_min", window.Start.UTC().Format(time.RFC3339))
	q.Set("updated_at_max", window.End.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("page_info", cursor)
	}

	var page channelsync.OrdersPage
	if err := c.doJSON(ctx, http.MethodGet, "/orders", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchVariantsPage implements revsync.RemoteInventory.
func (c *Client) FetchVariantsPage(ctx context.Context, excludeTag, cursor string, pageSize int) (*revsync.VariantsPage, error) {
	q := url.Values{}
	q.Set("exclude_tag", excludeTag)
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("page_info", cursor)
	}

	var page revsync.VariantsPage
	if err := c.doJSON(ctx, http.MethodGet, "/variants", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// BulkAdjustInventory implements revsync.RemoteInventory. The provider treats
// the bulk call as a unit: a non-2xx response means none of the adjustments
// were applied.
func (c *Client) BulkAdjustInventory(ctx context.Context, updates []revsync.InventoryUpdate) error {
	body := map[string]any{"adjustments": updates}
	return c.doJSON(ctx, http.MethodPost, "/inventory/bulk_adjust", nil, body, nil)
}

// AdjustInventory implements revsync.RemoteInventory.
func (c *Client) AdjustInventory(ctx context.Context, update revsync.InventoryUpdate) error {
	return c.doJSON(ctx, http.MethodPost, "/inventory/adjust", nil, update, nil)
}

// RemoveVariant implements revsync.RemoteInventory.
func (c *Client) RemoveVariant(ctx context.Context, externalID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/variants/"+url.PathEscape(externalID), nil, nil, nil)
}

// TagVariants implements revsync.RemoteInventory.
func (c *Client) TagVariants(ctx context.Context, externalIDs []string, tag string) error {
	body := map[string]any{"external_ids": externalIDs, "tag": tag}
	return c.doJSON(ctx, http.MethodPost, "/variants/tags", nil, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(accessTokenHeader, c.accessToken)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &channelsync.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(resp, method, path); err != nil {
		return err
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the engine's error taxonomy.
// Rate limits and server-side errors are transient; everything else non-2xx
// is a hard request failure.
func (c *Client) classifyStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s %s: remote returned %d: %s", method, path, resp.StatusCode, snippet)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn("Remote request failed, transient",
			"method", method, "path", path, "status", resp.StatusCode,
			"retry_after", retryAfter)
		return &channelsync.TransientError{Op: method + " " + path, RetryAfter: retryAfter, Err: err}
	}
	return err
}

// parseRetryAfter reads the delay-seconds form of the Retry-After header.
// The HTTP-date form and garbage values yield zero, leaving the backoff
// schedule in charge.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
