// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync_test

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/retailbridge/channelsync/channelsync"
	"github.com/retailbridge/channelsync/internal/checkpoint"
	"github.com/retailbridge/channelsync/internal/lock"
	"github.com/retailbridge/channelsync/internal/storemem"
)

// pagedSource serves a fixed set of pages addressed by numeric cursor.
type pagedSource struct {
	pages [][]channelsync.ChannelOrder
}

func (s *pagedSource) FetchOrdersPage(_ context.Context, _ channelsync.Window, cursor string, _ int) (*channelsync.OrdersPage, error) {
	idx := 0
	if cursor != "" {
		var err error
		idx, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, err
		}
	}
	if idx >= len(s.pages) {
		return &channelsync.OrdersPage{}, nil
	}
	return &channelsync.OrdersPage{
		Orders:     s.pages[idx],
		NextCursor: strconv.Itoa(idx + 1),
		HasMore:    idx+1 < len(s.pages),
	}, nil
}

type engineEnv struct {
	engine      *channelsync.Engine
	store       *storemem.Store
	locks       *lock.Manager
	checkpoints checkpoint.Store
}

func newEngineEnv(t *testing.T, source channelsync.RemoteSource) *engineEnv {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cps, err := checkpoint.NewBoltStore(db)
	require.NoError(t, err)

	store := storemem.New()
	locks := lock.NewManager(lock.NewMemoryStore(), nil)

	return &engineEnv{
		engine: &channelsync.Engine{
			Store:       store,
			Source:      source,
			Locks:       locks,
			Checkpoints: cps,
			Planner: &channelsync.Planner{
				ShippingSKU:     "SHIPPING",
				ShippingTaxRate: decimal.RequireFromString("0.13"),
			},
			Applier: channelsync.NewApplier(nil),
			Retry:   fastRetry(),
			Workers: 2,
		},
		store:       store,
		locks:       locks,
		checkpoints: cps,
	}
}

func testWindow() channelsync.Window {
	end := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	return channelsync.Window{Start: end.Add(-time.Hour), End: end}
}

func TestRunCreatesThenSkipsUnchanged(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 1, "10.00")),
		activeOrder("ord-2", item("SKU-B", 2, "4.00")),
	}}}
	env := newEngineEnv(t, src)
	ctx := context.Background()

	stats, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalSeen)
	require.Equal(t, int64(2), stats.Created)
	require.Len(t, env.store.Orders(), 2)

	// Re-running the same window is a no-op: unchanged entities are
	// short-circuited before planning.
	stats, err = env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Skipped)
	require.Zero(t, stats.Created)
	require.Len(t, env.store.Orders(), 2)
}

func TestRunAppliesCancellation(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 1, "10.00")),
	}}}
	env := newEngineEnv(t, src)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)

	cancelled := cancelledOrder("ord-1")
	cancelled.UpdatedAt = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	src.pages = [][]channelsync.ChannelOrder{{cancelled}}

	stats, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Cancelled)

	orders := env.store.Orders()
	require.Equal(t, channelsync.StatusCancelled, orders[0].Header.Status)
	require.Len(t, orders[0].Lines, 1)
}

func TestRunPageCapThenResume(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{
		{activeOrder("ord-1", item("SKU-A", 1, "10.00"))},
		{activeOrder("ord-2", item("SKU-B", 1, "5.00"))},
	}}
	env := newEngineEnv(t, src)
	env.engine.MaxPages = 1
	ctx := context.Background()

	stats, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Created)

	cp, err := env.checkpoints.LoadResumable(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp, "page cap must leave the checkpoint resumable")
	require.Equal(t, checkpoint.StateInProgress, cp.State)
	require.Equal(t, "1", cp.Cursor)

	stats, err = env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow(), Resume: true, MaxPages: 3})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Created)
	require.Len(t, env.store.Orders(), 2, "resume must not reprocess the first page")

	cp, err = env.checkpoints.LoadResumable(ctx)
	require.NoError(t, err)
	require.Nil(t, cp, "completed checkpoints are never resumed")
}

// windowRecordingSource wraps pagedSource and records the window of every
// fetch, so tests can assert which windows were actually discovered.
type windowRecordingSource struct {
	pagedSource
	windows []channelsync.Window
}

func (s *windowRecordingSource) FetchOrdersPage(ctx context.Context, window channelsync.Window, cursor string, pageSize int) (*channelsync.OrdersPage, error) {
	s.windows = append(s.windows, window)
	return s.pagedSource.FetchOrdersPage(ctx, window, cursor, pageSize)
}

func TestResumeCoversRequestedWindowAfterBackloggedCheckpoint(t *testing.T) {
	src := &windowRecordingSource{pagedSource: pagedSource{pages: [][]channelsync.ChannelOrder{
		{activeOrder("ord-1", item("SKU-A", 1, "10.00"))},
		{activeOrder("ord-2", item("SKU-B", 1, "5.00"))},
	}}}
	env := newEngineEnv(t, src)
	env.engine.MaxPages = 1
	ctx := context.Background()

	w1 := testWindow()
	w2 := channelsync.Window{Start: w1.End, End: w1.End.Add(time.Hour)}

	// First run hits the page cap and leaves its checkpoint resumable.
	_, err := env.engine.Run(ctx, channelsync.RunOptions{Window: w1})
	require.NoError(t, err)

	// The resuming run must drain the backlog AND discover its own window;
	// a backlog is never traded for the fresh window.
	_, err = env.engine.Run(ctx, channelsync.RunOptions{Window: w2, Resume: true, MaxPages: 5})
	require.NoError(t, err)
	require.Len(t, env.store.Orders(), 2)

	var sawRequested bool
	for _, w := range src.windows {
		if w.Start.Equal(w2.Start) && w.End.Equal(w2.End) {
			sawRequested = true
		}
	}
	require.True(t, sawRequested, "the requested window must be discovered, not silently dropped")

	cp, err := env.checkpoints.LoadResumable(ctx)
	require.NoError(t, err)
	require.Nil(t, cp, "both the backlog and the requested window must end completed")
}

func TestCappedResumeKeepsRequestedWindowCheckpointed(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{
		{activeOrder("ord-1", item("SKU-A", 1, "10.00"))},
		{activeOrder("ord-2", item("SKU-B", 1, "5.00"))},
	}}
	env := newEngineEnv(t, src)
	env.engine.MaxPages = 1
	ctx := context.Background()

	w1 := testWindow()
	w2 := channelsync.Window{Start: w1.End, End: w1.End.Add(time.Hour)}

	_, err := env.engine.Run(ctx, channelsync.RunOptions{Window: w1})
	require.NoError(t, err)

	// The budget only covers the backlog page; the requested window's own
	// checkpoint must survive so a later run picks it up.
	_, err = env.engine.Run(ctx, channelsync.RunOptions{Window: w2, Resume: true, MaxPages: 1})
	require.NoError(t, err)

	cp, err := env.checkpoints.LoadResumable(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.True(t, cp.WindowStart.Equal(w2.Start) && cp.WindowEnd.Equal(w2.End),
		"the unreached requested window stays checkpointed")
}

func TestRunSkipsEntityWhoseLockIsHeld(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 1, "10.00")),
		activeOrder("ord-2", item("SKU-B", 1, "5.00")),
	}}}
	env := newEngineEnv(t, src)
	ctx := context.Background()

	_, ok, err := env.locks.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Created)
	require.Equal(t, int64(1), stats.Skipped)

	orders := env.store.Orders()
	require.Len(t, orders, 1)
	require.Equal(t, "ord-2", *orders[0].Header.ExternalRef)
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 1, "10.00")),
	}}}
	env := newEngineEnv(t, src)
	ctx := context.Background()

	stats, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow(), DryRun: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Created, "dry run still reports intended outcomes")

	require.Empty(t, env.store.Orders(), "dry run must not write to the store")
	list, err := env.checkpoints.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list, "dry run must not create checkpoints")
}

func TestRunRecordsValidationErrors(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 0, "10.00")), // every line filtered
		activeOrder("ord-2", item("SKU-B", 1, "5.00")),
	}}}
	env := newEngineEnv(t, src)

	stats, err := env.engine.Run(context.Background(), channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err, "per-entity failures must not abort the run")
	require.Equal(t, int64(1), stats.Created)
	require.Equal(t, int64(1), stats.Errors)
	require.Len(t, stats.Records, 1)
	require.Equal(t, "ord-1", stats.Records[0].EntityID)
	require.Equal(t, "validation", stats.Records[0].Class)
	require.Equal(t, channelsync.ReasonAllLinesDropped, stats.Records[0].Reason)
}

func TestRunUnknownSKUsResolvedOncePerBatch(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 1, "10.00"), item("GHOST", 1, "2.00")),
	}}}
	env := newEngineEnv(t, src)
	catalog := &fakeCatalog{known: map[string]bool{"SKU-A": true}}
	env.engine.Catalog = catalog

	stats, err := env.engine.Run(context.Background(), channelsync.RunOptions{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Created)
	require.Equal(t, 1, catalog.calls, "catalog must be resolved once per batch")

	orders := env.store.Orders()
	require.Len(t, orders[0].Lines, 1)
	require.Equal(t, "SKU-A", orders[0].Lines[0].SKU)
}

// cancellingLockStore refuses work on a dead context, the way the Postgres
// and bolt stores do, and kills the run context as soon as a lock is taken.
type cancellingLockStore struct {
	inner  lock.Store
	cancel context.CancelFunc
}

func (s *cancellingLockStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.inner.SetIfAbsent(ctx, key, token, ttl)
	if ok {
		s.cancel()
	}
	return ok, err
}

func (s *cancellingLockStore) DeleteIfMatch(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.DeleteIfMatch(ctx, key, token)
}

func TestLockReleasedDespiteRunCancellation(t *testing.T) {
	src := &pagedSource{pages: [][]channelsync.ChannelOrder{{
		activeOrder("ord-1", item("SKU-A", 1, "10.00")),
	}}}
	env := newEngineEnv(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ls := &cancellingLockStore{inner: lock.NewMemoryStore(), cancel: cancel}
	env.engine.Locks = lock.NewManager(ls, nil)

	_, err := env.engine.Run(ctx, channelsync.RunOptions{Window: testWindow()})
	require.Error(t, err, "cancellation mid-run surfaces as the run error")

	// The lock must not linger until its TTL: release happens even though
	// the run context is gone.
	_, ok, err := lock.NewManager(ls.inner, nil).Acquire(context.Background(), "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lock must have been released on the way out")
}

type fakeCatalog struct {
	known map[string]bool
	calls int
}

func (c *fakeCatalog) ResolveSKUs(_ context.Context, skus []string) (map[string]bool, error) {
	c.calls++
	out := map[string]bool{}
	for _, sku := range skus {
		if c.known[sku] {
			out[sku] = true
		}
	}
	return out, nil
}
