// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"context"
	"fmt"
	"log/slog"
)

// RemoteSource is the consumed discovery API: a paginated query by
// modification-time window returning entities plus an opaque next-cursor.
// The provider rate-limits; callers go through the central retry policy and
// never hammer it.
type RemoteSource interface {
	FetchOrdersPage(ctx context.Context, window Window, cursor string, pageSize int) (*OrdersPage, error)
}

// Discovery pulls bounded sets of candidate changed entities from the Remote
// Source. Each page fetch is retried with exponential backoff up to the
// policy's attempt ceiling; exhausting retries surfaces ErrDiscoveryFailed
// for the window, leaving already-processed pages' checkpoint progress
// intact.
type Discovery struct {
	Source   RemoteSource
	Retry    RetryPolicy
	PageSize int
	Logger   *slog.Logger
}

// FetchPage fetches one page at the given cursor, retrying transient
// failures. A nil return error guarantees a usable page.
func (d *Discovery) FetchPage(ctx context.Context, window Window, cursor string) (*OrdersPage, error) {
	var page *OrdersPage
	err := d.Retry.Do(ctx, func() error {
		p, err := d.Source.FetchOrdersPage(ctx, window, cursor, d.PageSize)
		if err != nil {
			d.logger().Warn("Discovery page fetch failed",
				"cursor", cursor, "window_start", window.Start, "window_end", window.End,
				"error", err, "transient", IsTransient(err))
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, &FatalError{Op: "discovery", Err: fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)}
	}
	return page, nil
}

func (d *Discovery) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
