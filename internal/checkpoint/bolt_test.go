// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newBoltTestStore(t *testing.T) *BoltStore {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "cp.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBoltStore(db)
	require.NoError(t, err)
	return store
}

func testWindowBounds() (time.Time, time.Time) {
	end := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	return end.Add(-time.Hour), end
}

func TestCheckpointLifecycle(t *testing.T) {
	store := newBoltTestStore(t)
	ctx := context.Background()
	start, end := testWindowBounds()

	id, err := store.Create(ctx, start, end, 120)
	require.NoError(t, err)

	cp, err := store.LoadResumable(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, id, cp.ID)
	require.Equal(t, StatePending, cp.State)
	require.True(t, cp.Resumable())

	require.NoError(t, store.Advance(ctx, id, "cursor-1", 50))
	require.NoError(t, store.Advance(ctx, id, "cursor-2", 50))

	cp, err = store.LoadResumable(ctx)
	require.NoError(t, err)
	require.Equal(t, StateInProgress, cp.State)
	require.Equal(t, "cursor-2", cp.Cursor)
	require.Equal(t, 100, cp.Processed, "processed must accumulate across pages")

	require.NoError(t, store.Complete(ctx, id))

	cp, err = store.LoadResumable(ctx)
	require.NoError(t, err)
	require.Nil(t, cp, "completed checkpoints are never resumable")
}

func TestInProgressIsResumable(t *testing.T) {
	// A crash mid-page leaves in_progress; the next run must pick it up.
	store := newBoltTestStore(t)
	ctx := context.Background()
	start, end := testWindowBounds()

	id, err := store.Create(ctx, start, end, 0)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, id, "cursor-1", 10))

	cp, err := store.LoadResumable(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.Equal(t, id, cp.ID)
}

func TestLoadResumableDrainsOldestFirst(t *testing.T) {
	store := newBoltTestStore(t)
	ctx := context.Background()
	start, end := testWindowBounds()

	older, err := store.Create(ctx, start, end, 0)
	require.NoError(t, err)
	newer, err := store.Create(ctx, start.Add(time.Hour), end.Add(time.Hour), 0)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, newer, "c", 1))

	// A backlog drains in order: the least recently touched checkpoint is
	// handed out before anything newer.
	cp, err := store.LoadResumable(ctx)
	require.NoError(t, err)
	require.Equal(t, older, cp.ID)

	require.NoError(t, store.Complete(ctx, older))
	cp, err = store.LoadResumable(ctx)
	require.NoError(t, err)
	require.Equal(t, newer, cp.ID)
}

func TestDeleteForcesCleanRescan(t *testing.T) {
	store := newBoltTestStore(t)
	ctx := context.Background()
	start, end := testWindowBounds()

	id, err := store.Create(ctx, start, end, 0)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, id))

	cp, err := store.LoadResumable(ctx)
	require.NoError(t, err)
	require.Nil(t, cp)

	require.ErrorIs(t, store.Delete(ctx, id), ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, uuid.New()), ErrNotFound)
}

func TestAdvanceUnknownCheckpointFails(t *testing.T) {
	store := newBoltTestStore(t)
	err := store.Advance(context.Background(), uuid.New(), "cursor", 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	store := newBoltTestStore(t)
	ctx := context.Background()
	start, end := testWindowBounds()

	first, err := store.Create(ctx, start, end, 0)
	require.NoError(t, err)
	second, err := store.Create(ctx, start, end, 0)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, second))
	require.NoError(t, store.Advance(ctx, first, "c", 1))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first, list[0].ID, "most recently updated first")
}
