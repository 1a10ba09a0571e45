// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"context"
	"fmt"
	"log/slog"
)

// Resolver batch-classifies discovery candidates as new or already-present in
// the Local Store.
type Resolver struct {
	Store  LocalStore
	Logger *slog.Logger
}

// Resolve maps every external ID in the batch to its local existence using
// one batched query against the store. Entities absent from the returned map
// are new.
func (r *Resolver) Resolve(ctx context.Context, orders []ChannelOrder) (map[string]Existing, error) {
	if len(orders) == 0 {
		return map[string]Existing{}, nil
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ExternalID)
	}
	existing, err := r.Store.BatchExists(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("batch existence query: %w", err)
	}
	return existing, nil
}

// Unchanged reports whether a present entity can be short-circuited to Skip
// before planning. Discovery windows deliberately overlap (lookback window >
// polling interval), so an unchanged updated_at is the primary defense
// against duplicate work.
func (r *Resolver) Unchanged(order ChannelOrder, existing Existing) bool {
	if existing.ChannelUpdatedAt.IsZero() {
		return false
	}
	unchanged := !order.UpdatedAt.After(existing.ChannelUpdatedAt)
	if unchanged {
		r.logger().Debug("Short-circuiting unchanged entity",
			"external_id", order.ExternalID, "updated_at", order.UpdatedAt)
	}
	return unchanged
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
