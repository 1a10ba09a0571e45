// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestAcquireIsExclusive(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a held lock must not be re-acquired")

	require.NoError(t, m.Release(ctx, "ord-1", token))

	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "a released lock must be acquirable again")
}

func TestConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.Acquire(ctx, "ord-1", time.Minute)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, granted)
}

func TestExpiredLockIsAcquirable(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	m := NewManager(store, nil)
	ctx := context.Background()

	_, ok, err := m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "unexpired lock must stay held")

	now = now.Add(31 * time.Second)
	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "a crashed holder's lock expires via TTL")
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder releasing with an old token must not free the lock.
	other, ok, err := m.Acquire(ctx, "ord-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Release(ctx, "ord-1", other))

	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "mismatched release must be a no-op")

	require.NoError(t, m.Release(ctx, "ord-1", token))
	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

type failingStore struct{}

func (failingStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) DeleteIfMatch(context.Context, string, string) error {
	return errors.New("store down")
}

func TestStoreOutageSurfacesError(t *testing.T) {
	m := NewManager(failingStore{}, nil)

	_, ok, err := m.Acquire(context.Background(), "ord-1", time.Minute)
	require.Error(t, err)
	require.False(t, ok)
}

func TestStoreOutageAssumeUnlockedOptIn(t *testing.T) {
	m := NewManager(failingStore{}, nil)
	m.AssumeUnlockedOnError = true

	_, ok, err := m.Acquire(context.Background(), "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBoltStoreLockLifecycle(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "locks.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBoltStore(db)
	require.NoError(t, err)
	m := NewManager(store, nil)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Release(ctx, "ord-1", token))
	_, ok, err = m.Acquire(ctx, "ord-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBoltStoreExpiredLockOverwritable(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "locks.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBoltStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := store.SetIfAbsent(ctx, "ord-1", "tok-1", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = store.SetIfAbsent(ctx, "ord-1", "tok-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
