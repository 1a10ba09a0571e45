// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package lock provides entity-scoped mutual exclusion with TTL, backed by a
// shared fast store. Locks are pure mutual-exclusion tokens, never an
// ownership relation over domain data.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is the consumed key-value contract: atomic "set if not exists with
// TTL" and "delete if token matches".
type Store interface {
	// SetIfAbsent stores token under key with the given TTL. Returns false
	// when the key is already held by an unexpired token.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// DeleteIfMatch removes key only when it currently holds token. Removing
	// an absent or mismatched key is not an error.
	DeleteIfMatch(ctx context.Context, key, token string) error
}

// Manager hands out non-blocking entity locks. Failure to acquire causes the
// caller to skip the entity for this pass rather than wait. The TTL must
// exceed the apply engine's worst-case duration for the entity class so a
// crashed holder expires before its entity can be double-applied.
type Manager struct {
	store  Store
	logger *slog.Logger

	// AssumeUnlockedOnError degrades a store outage to "assume nothing is
	// locked". Conservative only when paired with short TTLs; off by
	// default, in which case an outage surfaces as ok=false with an error.
	AssumeUnlockedOnError bool
}

// NewManager creates a lock manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Acquire attempts to take the entity lock. It never blocks: ok=false means
// another worker is already handling the entity.
func (m *Manager) Acquire(ctx context.Context, entityID string, ttl time.Duration) (uuid.UUID, bool, error) {
	token := uuid.New()
	ok, err := m.store.SetIfAbsent(ctx, entityID, token.String(), ttl)
	if err != nil {
		if m.AssumeUnlockedOnError {
			m.logger.Warn("Lock store unavailable, assuming unlocked",
				"entity_id", entityID, "error", err)
			return token, true, nil
		}
		return uuid.Nil, false, fmt.Errorf("lock store acquire for %s: %w", entityID, err)
	}
	if !ok {
		m.logger.Debug("Lock held elsewhere, skipping entity", "entity_id", entityID)
		return uuid.Nil, false, nil
	}
	return token, true, nil
}

// Release drops the lock if the token still owns it. Expired or stolen locks
// release as a no-op.
func (m *Manager) Release(ctx context.Context, entityID string, token uuid.UUID) error {
	if err := m.store.DeleteIfMatch(ctx, entityID, token.String()); err != nil {
		m.logger.Warn("Lock release failed; TTL will expire it",
			"entity_id", entityID, "error", err)
		return err
	}
	return nil
}
