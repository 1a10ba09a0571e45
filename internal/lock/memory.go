// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node runs.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]memoryLock

	// now is overridable in tests.
	now func() time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]memoryLock), now: time.Now}
}

// SetIfAbsent implements Store.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[key]; ok && existing.expiresAt.After(s.now()) {
		return false, nil
	}
	s.locks[key] = memoryLock{token: token, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// DeleteIfMatch implements Store.
func (s *MemoryStore) DeleteIfMatch(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[key]; ok && existing.token == token {
		delete(s.locks, key)
	}
	return nil
}
