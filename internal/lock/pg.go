// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore backs the lock manager with a Postgres table so multiple workers
// and scheduler instances share one lock space. Expired rows are taken over
// in the same statement rather than reaped separately.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the lock table if needed and returns the store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE SCHEMA IF NOT EXISTS chansync`)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS chansync.entity_locks (
				entity_id    TEXT PRIMARY KEY,
				holder_token TEXT NOT NULL,
				expires_at   TIMESTAMPTZ NOT NULL
			)`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initialize lock table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// SetIfAbsent implements Store. The conflict arm only succeeds when the
// existing lock has expired, which makes acquisition atomic under concurrent
// workers.
func (s *PGStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chansync.entity_locks (entity_id, holder_token, expires_at)
		VALUES (@entity_id, @holder_token, now() + @ttl)
		ON CONFLICT (entity_id) DO UPDATE
		SET holder_token = EXCLUDED.holder_token,
		    expires_at   = EXCLUDED.expires_at
		WHERE chansync.entity_locks.expires_at < now()`,
		pgx.NamedArgs{"entity_id": key, "holder_token": token, "ttl": ttl})
	if err != nil {
		return false, fmt.Errorf("pg lock acquire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteIfMatch implements Store.
func (s *PGStore) DeleteIfMatch(ctx context.Context, key, token string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM chansync.entity_locks
		WHERE entity_id = @entity_id AND holder_token = @holder_token`,
		pgx.NamedArgs{"entity_id": key, "holder_token": token})
	if err != nil {
		return fmt.Errorf("pg lock release: %w", err)
	}
	return nil
}
