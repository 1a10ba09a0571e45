// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package revsync flows Local Store inventory truth back onto the Remote
// Source. It runs the same discover/resolve/apply skeleton as the forward
// engine but replaces the time-window checkpoint with a per-cycle tag marker:
// every variant successfully processed in a cycle is stamped on the remote
// side so the cycle's own discovery excludes it, guaranteeing at-most-once
// processing per cycle without a separate completed-set.
package revsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/retailbridge/channelsync/channelsync"
)

// Phase is the syncer's state machine position.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseResolving   Phase = "resolving"
	PhaseApplying    Phase = "applying"
	PhaseMarking     Phase = "marking"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// VariantsPage is one discovery page of channel variants.
type VariantsPage struct {
	Variants   []channelsync.ChannelVariant `json:"variants"`
	NextCursor string                       `json:"next_cursor"`
	HasMore    bool                         `json:"has_more"`
}

// InventoryUpdate carries both the new and previous quantity so an applied
// update can be compensated.
type InventoryUpdate struct {
	ExternalID   string `json:"external_id"`
	SKU          string `json:"sku"`
	NewQuantity  int    `json:"new_quantity"`
	PrevQuantity int    `json:"prev_quantity"`
}

// RemoteInventory is the consumed remote mutation surface. The Remote Source
// has no native multi-entity transaction, so bulk mutations are best-effort
// and compensation runs update-by-update.
type RemoteInventory interface {
	FetchVariantsPage(ctx context.Context, excludeTag, cursor string, pageSize int) (*VariantsPage, error)
	BulkAdjustInventory(ctx context.Context, updates []InventoryUpdate) error
	AdjustInventory(ctx context.Context, update InventoryUpdate) error
	RemoveVariant(ctx context.Context, externalID string) error
	TagVariants(ctx context.Context, externalIDs []string, tag string) error
}

// Options controls one reverse-sync cycle.
type Options struct {
	PageSize int
	MaxPages int
	DryRun   bool
}

// Syncer pushes local inventory levels to the Remote Source.
type Syncer struct {
	Store  channelsync.LocalStore
	Remote RemoteInventory
	Safety SafetyConfig
	Retry  channelsync.RetryPolicy

	// RemoveZeroStock enables the destructive path: variants whose local
	// on-hand is zero are removed from the channel, subject to safety vetoes.
	RemoveZeroStock bool

	Metrics *channelsync.Recorder
	Logger  *slog.Logger

	phase Phase
}

const (
	defaultPageSize = 50
	defaultMaxPages = 20
)

// Phase returns the syncer's current state machine position.
func (s *Syncer) Phase() Phase {
	if s.phase == "" {
		return PhaseIdle
	}
	return s.phase
}

func (s *Syncer) transition(p Phase) {
	s.logger().Debug("Reverse sync phase transition", "from", s.phase, "to", p)
	s.phase = p
}

// Run executes one reverse-sync cycle. The cycle tag is derived from a fresh
// run ID, so re-running never collides with a previous cycle's markers. Like
// the forward engine, Run always returns complete statistics; the error is
// non-nil only for the Fatal class.
func (s *Syncer) Run(ctx context.Context, opts Options) (channelsync.SyncStats, error) {
	logger := s.logger()
	stats := newCollector()
	started := time.Now()
	runID := uuid.New()
	cycleTag := fmt.Sprintf("chansync-cycle-%s", runID)

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	logger.Info("Starting reverse sync cycle",
		"cycle_tag", cycleTag, "page_size", pageSize, "max_pages", maxPages,
		"dry_run", opts.DryRun)

	cursor := ""
	for pageNum := 0; pageNum < maxPages; pageNum++ {
		s.transition(PhaseDiscovering)
		page, err := s.fetchPage(ctx, cycleTag, cursor, pageSize)
		if err != nil {
			s.transition(PhaseFailed)
			return stats.finish(started, s.Metrics, "fatal"),
				&channelsync.FatalError{Op: "reverse discovery", Err: channelsync.ErrDiscoveryFailed}
		}
		if len(page.Variants) == 0 && !page.HasMore {
			break
		}

		s.transition(PhaseResolving)
		levels, err := s.resolveLevels(ctx, page.Variants)
		if err != nil {
			s.transition(PhaseFailed)
			return stats.finish(started, s.Metrics, "fatal"),
				&channelsync.FatalError{Op: "reverse resolve", Err: err}
		}

		if ok := s.applyPage(ctx, page.Variants, levels, cycleTag, opts.DryRun, stats); !ok {
			s.transition(PhaseFailed)
			// Page-level failure is not fatal for the caller: statistics
			// carry the per-entity records and the next cycle retries.
			return stats.finish(started, s.Metrics, "failed"), nil
		}

		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	s.transition(PhaseDone)
	logger.Info("Reverse sync cycle complete", "cycle_tag", cycleTag)
	return stats.finish(started, s.Metrics, "ok"), nil
}

func (s *Syncer) fetchPage(ctx context.Context, cycleTag, cursor string, pageSize int) (*VariantsPage, error) {
	var page *VariantsPage
	err := s.Retry.Do(ctx, func() error {
		p, err := s.Remote.FetchVariantsPage(ctx, cycleTag, cursor, pageSize)
		if err != nil {
			s.logger().Warn("Variant page fetch failed", "cursor", cursor, "error", err)
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// resolveLevels loads local truth for the page's SKUs in one batched query.
func (s *Syncer) resolveLevels(ctx context.Context, variants []channelsync.ChannelVariant) (map[string]channelsync.InventoryLevel, error) {
	skus := make([]string, 0, len(variants))
	for _, v := range variants {
		skus = append(skus, v.SKU)
	}
	levels, err := s.Store.ListInventoryLevels(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("list inventory levels: %w", err)
	}
	bySKU := make(map[string]channelsync.InventoryLevel, len(levels))
	for _, lv := range levels {
		bySKU[lv.SKU] = lv
	}
	return bySKU, nil
}

// applyPage pushes one page of inventory truth. Returns false when the page
// failed after mutations were applied; in that case every applied update has
// been compensated (or its compensation failure escalated).
func (s *Syncer) applyPage(
	ctx context.Context,
	variants []channelsync.ChannelVariant,
	levels map[string]channelsync.InventoryLevel,
	cycleTag string,
	dryRun bool,
	stats *collector,
) bool {
	logger := s.logger()
	s.transition(PhaseApplying)

	var updates []InventoryUpdate
	var removals []channelsync.ChannelVariant
	// Marking list. Removed variants are excluded: they no longer exist on
	// the remote side, and tagging a deleted entity makes a strict remote
	// reject the whole call.
	var processed []string

	for _, v := range variants {
		stats.seen(v.ExternalID)

		local, ok := levels[v.SKU]
		if !ok {
			processed = append(processed, v.ExternalID)
			stats.skip(v.ExternalID, "sku_not_tracked_locally")
			continue
		}

		if s.RemoveZeroStock && local.Available == 0 {
			if reason, vetoed := s.vetoRemoval(v); vetoed {
				logger.Warn("Destructive action vetoed, downgraded to skip",
					"external_id", v.ExternalID, "sku", v.SKU, "reason", reason)
				processed = append(processed, v.ExternalID)
				stats.veto(v.ExternalID, reason)
				continue
			}
			removals = append(removals, v)
			continue
		}

		processed = append(processed, v.ExternalID)

		if local.Available != v.OnHand {
			updates = append(updates, InventoryUpdate{
				ExternalID:   v.ExternalID,
				SKU:          v.SKU,
				NewQuantity:  local.Available,
				PrevQuantity: v.OnHand,
			})
		} else {
			stats.skip(v.ExternalID, "in_sync")
		}
	}

	if dryRun {
		for _, u := range updates {
			stats.updated(u.ExternalID)
		}
		for _, r := range removals {
			stats.removed(r.ExternalID)
		}
		return true
	}

	// One bulk call per page.
	if len(updates) > 0 {
		err := s.Retry.Do(ctx, func() error {
			return s.Remote.BulkAdjustInventory(ctx, updates)
		})
		if err != nil {
			// The bulk call failed as a unit; nothing to compensate.
			logger.Error("Bulk inventory update failed", "count", len(updates), "error", err)
			for _, u := range updates {
				stats.fail(u.ExternalID, "transient", err.Error())
			}
			return false
		}
	}

	// Destructive removals after the safety gate.
	for i, v := range removals {
		err := s.Retry.Do(ctx, func() error {
			return s.Remote.RemoveVariant(ctx, v.ExternalID)
		})
		if err != nil {
			logger.Error("Variant removal failed, compensating page",
				"external_id", v.ExternalID, "error", err)
			stats.fail(v.ExternalID, "transient", err.Error())
			for _, r := range removals[i+1:] {
				stats.skip(r.ExternalID, "page_aborted")
			}
			s.compensate(ctx, updates, stats)
			return false
		}
		stats.removed(v.ExternalID)
	}

	// Marking: stamp the cycle tag so this cycle's discovery excludes the
	// page. A marking failure after applied mutations compensates them, or
	// the next page would reprocess entities this cycle already moved.
	s.transition(PhaseMarking)
	if len(processed) > 0 {
		err := s.Retry.Do(ctx, func() error {
			return s.Remote.TagVariants(ctx, processed, cycleTag)
		})
		if err != nil {
			logger.Error("Cycle tag marking failed, compensating page",
				"cycle_tag", cycleTag, "count", len(processed), "error", err)
			s.compensate(ctx, updates, stats)
			return false
		}
	}

	// Updates count as pushed only now that the page survived marking.
	// Anything reverted above is reported as compensated, never as a
	// success.
	for _, u := range updates {
		stats.updated(u.ExternalID)
	}
	return true
}

// compensate reverts already-applied inventory updates in reverse order.
// Best-effort: the Remote Source has no multi-entity transaction. A failed
// revert is the distinct escalation-worthy class, never silently equated
// with a compensated failure.
func (s *Syncer) compensate(ctx context.Context, applied []InventoryUpdate, stats *collector) {
	logger := s.logger()
	for i := len(applied) - 1; i >= 0; i-- {
		u := applied[i]
		revert := InventoryUpdate{
			ExternalID:   u.ExternalID,
			SKU:          u.SKU,
			NewQuantity:  u.PrevQuantity,
			PrevQuantity: u.NewQuantity,
		}
		err := s.Retry.Do(ctx, func() error {
			return s.Remote.AdjustInventory(ctx, revert)
		})
		if err != nil {
			compErr := &channelsync.CompensationError{EntityID: u.ExternalID, Err: err}
			logger.Error("ESCALATION: compensation failed, remote may be inconsistent",
				"external_id", u.ExternalID, "sku", u.SKU,
				"stuck_quantity", u.NewQuantity, "intended_quantity", u.PrevQuantity,
				"error", compErr)
			stats.fail(u.ExternalID, "compensation", channelsync.ReasonCompensationFail)
			continue
		}
		stats.reverted(u.ExternalID)
		logger.Info("Compensated inventory update",
			"external_id", u.ExternalID, "sku", u.SKU, "restored_quantity", u.PrevQuantity)
	}
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
