// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/retailbridge/channelsync/internal/checkpoint"
	"github.com/retailbridge/channelsync/internal/lock"
)

// Engine runs the forward reconciliation pipeline:
// Discovery -> Resolve -> Plan -> Apply, with the lock manager guarding each
// entity for the duration of resolve+plan+apply and the checkpoint store
// recording resumable position between pages.
type Engine struct {
	Store       LocalStore
	Source      RemoteSource
	Locks       *lock.Manager
	Checkpoints checkpoint.Store
	Planner     *Planner
	Applier     *Applier
	Catalog     CatalogResolver // optional; nil means every SKU resolves

	Retry    RetryPolicy
	Workers  int
	PageSize int
	MaxPages int
	LockTTL  time.Duration

	Metrics *Recorder
	Logger  *slog.Logger
}

const (
	defaultWorkers  = 4
	defaultPageSize = 50
	defaultMaxPages = 20
	defaultLockTTL  = 2 * time.Minute
)

// Run executes one reconciliation pass over the window in opts. It always
// returns complete SyncStats describing outcome counts, even on partial
// failure; the returned error is non-nil only for the Fatal class (discovery
// window unreadable, checkpoint store unavailable).
func (e *Engine) Run(ctx context.Context, opts RunOptions) (SyncStats, error) {
	logger := e.logger()
	stats := newStatsCollector(e.Metrics)
	result := func(res string, err error) (SyncStats, error) {
		s := stats.snapshot()
		e.Metrics.ObserveRun(res, time.Duration(s.DurationMS)*time.Millisecond)
		return s, err
	}

	pageSize := e.PageSize
	if opts.BatchSize > 0 {
		pageSize = opts.BatchSize
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := e.MaxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	discovery := &Discovery{Source: e.Source, Retry: e.Retry, PageSize: pageSize, Logger: logger}
	pagesLeft := maxPages

	logger.Info("Starting reconciliation run",
		"window_start", opts.Window.Start, "window_end", opts.Window.End,
		"page_size", pageSize, "max_pages", maxPages,
		"dry_run", opts.DryRun, "resume", opts.Resume)

	// A dry run executes discovery, resolve and plan with zero side effects:
	// no locks, no checkpoint reads or writes, no apply.
	if opts.DryRun {
		completed, err := e.runPass(ctx, uuid.Nil, opts.Window, "", &pagesLeft, true, discovery, stats)
		if err != nil {
			return result("fatal", err)
		}
		if !completed {
			return result("capped", nil)
		}
		return result("ok", nil)
	}

	// The requested window is checkpointed before any work so it can never
	// be lost: if this run is cut short by the page cap or a crash, a later
	// resume picks it up from here.
	cpID, err := e.Checkpoints.Create(ctx, opts.Window.Start, opts.Window.End, 0)
	if err != nil {
		return result("fatal", &FatalError{Op: "checkpoint", Err: err})
	}

	if !opts.Resume {
		completed, err := e.runPass(ctx, cpID, opts.Window, "", &pagesLeft, false, discovery, stats)
		if err != nil {
			return result("fatal", err)
		}
		if !completed {
			logger.Warn("Page cap reached, leaving checkpoint resumable",
				"max_pages", maxPages)
			return result("capped", nil)
		}
		return result("ok", nil)
	}

	// Resume drains every resumable checkpoint oldest first, the one just
	// created for this window included, until the page budget runs out. The
	// requested window is never traded away for backlog: whatever the budget
	// does not reach stays checkpointed for the next invocation.
	for pagesLeft > 0 {
		cp, err := e.Checkpoints.LoadResumable(ctx)
		if err != nil {
			return result("fatal", &FatalError{Op: "checkpoint", Err: err})
		}
		if cp == nil {
			logger.Info("Reconciliation run complete", "pages_used", maxPages-pagesLeft)
			return result("ok", nil)
		}
		if cp.ID != cpID {
			logger.Info("Resuming checkpoint",
				"checkpoint_id", cp.ID, "cursor", cp.Cursor,
				"processed", cp.Processed, "state", cp.State)
		}
		w := Window{Start: cp.WindowStart, End: cp.WindowEnd}
		if _, err := e.runPass(ctx, cp.ID, w, cp.Cursor, &pagesLeft, false, discovery, stats); err != nil {
			return result("fatal", err)
		}
	}

	// Budget exhausted. Anything unfinished is still checkpointed for the
	// next invocation.
	cp, err := e.Checkpoints.LoadResumable(ctx)
	if err != nil {
		return result("fatal", &FatalError{Op: "checkpoint", Err: err})
	}
	if cp == nil {
		logger.Info("Reconciliation run complete", "pages_used", maxPages)
		return result("ok", nil)
	}
	logger.Warn("Page cap reached, leaving checkpoint resumable", "max_pages", maxPages)
	return result("capped", nil)
}

// runPass pages through one checkpoint's window until it is exhausted or the
// shared page budget runs out, reporting whether the checkpoint completed.
func (e *Engine) runPass(
	ctx context.Context,
	cpID uuid.UUID,
	window Window,
	cursor string,
	pagesLeft *int,
	dryRun bool,
	discovery *Discovery,
	stats *statsCollector,
) (bool, error) {
	for *pagesLeft > 0 {
		*pagesLeft--
		page, err := discovery.FetchPage(ctx, window, cursor)
		if err != nil {
			// Prior pages' progress stays intact in the checkpoint.
			return false, err
		}

		if err := e.processBatch(ctx, page.Orders, dryRun, stats); err != nil {
			return false, err
		}

		cursor = page.NextCursor
		if !dryRun {
			if err := e.Checkpoints.Advance(ctx, cpID, cursor, len(page.Orders)); err != nil {
				return false, &FatalError{Op: "checkpoint", Err: err}
			}
		}
		if !page.HasMore {
			if !dryRun {
				if err := e.Checkpoints.Complete(ctx, cpID); err != nil {
					return false, &FatalError{Op: "checkpoint", Err: err}
				}
			}
			return true, nil
		}
	}
	return false, nil
}

// processBatch resolves existence once for the whole page, then fans entities
// out to the worker pool. Pages are sequential; entities within a page run
// concurrently with no cross-entity ordering guarantee.
func (e *Engine) processBatch(ctx context.Context, orders []ChannelOrder, dryRun bool, stats *statsCollector) error {
	if len(orders) == 0 {
		return nil
	}

	resolver := &Resolver{Store: e.Store, Logger: e.logger()}
	existing, err := resolver.Resolve(ctx, orders)
	if err != nil {
		return &FatalError{Op: "resolve", Err: err}
	}

	knownSKU, err := e.resolveCatalog(ctx, orders)
	if err != nil {
		return &FatalError{Op: "catalog", Err: err}
	}

	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, order := range orders {
		g.Go(func() error {
			e.processOrder(gctx, order, existing, knownSKU, dryRun, resolver, stats)
			// Per-entity failures are absorbed into stats; only context
			// cancellation stops the group.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return &FatalError{Op: "run", Err: err}
	}
	return nil
}

// resolveCatalog classifies the page's SKUs in one batched call.
func (e *Engine) resolveCatalog(ctx context.Context, orders []ChannelOrder) (func(string) bool, error) {
	if e.Catalog == nil {
		return nil, nil
	}
	skuSet := map[string]struct{}{}
	for _, o := range orders {
		for _, li := range o.LineItems {
			skuSet[li.SKU] = struct{}{}
		}
	}
	skus := make([]string, 0, len(skuSet))
	for sku := range skuSet {
		skus = append(skus, sku)
	}
	known, err := e.Catalog.ResolveSKUs(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("resolve skus: %w", err)
	}
	return func(sku string) bool { return known[sku] }, nil
}

func (e *Engine) processOrder(
	ctx context.Context,
	order ChannelOrder,
	existing map[string]Existing,
	knownSKU func(string) bool,
	dryRun bool,
	resolver *Resolver,
	stats *statsCollector,
) {
	logger := e.logger()
	stats.seen()

	ex, present := existing[order.ExternalID]
	if present && resolver.Unchanged(order, ex) {
		stats.skipped()
		return
	}

	if !dryRun {
		ttl := e.LockTTL
		if ttl <= 0 {
			ttl = defaultLockTTL
		}
		token, ok, err := e.Locks.Acquire(ctx, order.ExternalID, ttl)
		if err != nil {
			logger.Warn("Lock acquisition failed, skipping entity",
				"external_id", order.ExternalID, "error", err)
			stats.failed(EntityError{EntityID: order.ExternalID, Class: "transient", Reason: ReasonLockUnavailable})
			return
		}
		if !ok {
			// Another concurrent worker or scheduler tick is handling it.
			stats.skipped()
			return
		}
		defer func() {
			// Release must outlive run-level cancellation, otherwise the
			// lock lingers until its TTL expires.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = e.Locks.Release(rctx, order.ExternalID, token)
		}()
	}

	var local *LocalOrder
	if present {
		lo, err := e.Store.GetOrder(ctx, ex.LocalID)
		if err != nil {
			logger.Error("Failed to load local order",
				"external_id", order.ExternalID, "local_id", ex.LocalID, "error", err)
			stats.failed(EntityError{EntityID: order.ExternalID, Class: "transactional", Reason: err.Error()})
			return
		}
		local = lo
	}

	planner := *e.Planner
	planner.KnownSKU = knownSKU
	plan := planner.PlanOrder(order, local)
	for _, w := range plan.Warnings {
		logger.Warn("Planner warning", "external_id", order.ExternalID, "warning", w)
	}

	if dryRun {
		if plan.ErrorReason != "" {
			stats.failed(EntityError{EntityID: order.ExternalID, Class: "validation", Reason: plan.ErrorReason})
			return
		}
		stats.applied(plan.Action)
		return
	}

	res := e.Applier.Apply(ctx, e.Store, plan)
	switch res.Outcome {
	case OutcomeApplied:
		stats.applied(plan.Action)
	case OutcomeSkipped:
		if plan.ErrorReason != "" {
			stats.failed(EntityError{EntityID: order.ExternalID, Class: "validation", Reason: plan.ErrorReason})
			return
		}
		stats.skipped()
	case OutcomeFailed:
		stats.failed(EntityError{EntityID: order.ExternalID, Class: "transactional", Reason: res.Reason})
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
