// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists checkpoints in Postgres. Advance and Complete take a row
// lock so two processes cannot move the same checkpoint concurrently.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the checkpoint table if needed and returns the store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS chansync`)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS chansync.sync_checkpoints (
				id             UUID PRIMARY KEY,
				window_start   TIMESTAMPTZ NOT NULL,
				window_end     TIMESTAMPTZ NOT NULL,
				cursor         TEXT NOT NULL DEFAULT '',
				state          TEXT NOT NULL DEFAULT 'pending'
				               CHECK (state IN ('pending','in_progress','completed')),
				processed      INT NOT NULL DEFAULT 0,
				total_estimate INT NOT NULL DEFAULT 0,
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
			)`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initialize checkpoint table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Create implements Store.
func (s *PGStore) Create(ctx context.Context, windowStart, windowEnd time.Time, totalEstimate int) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chansync.sync_checkpoints (id, window_start, window_end, total_estimate)
		VALUES (@id, @window_start, @window_end, @total_estimate)`,
		pgx.NamedArgs{
			"id":             id,
			"window_start":   windowStart,
			"window_end":     windowEnd,
			"total_estimate": totalEstimate,
		})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create checkpoint: %w", err)
	}
	return id, nil
}

// Advance implements Store.
func (s *PGStore) Advance(ctx context.Context, id uuid.UUID, cursor string, processedDelta int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var state string
		err := tx.QueryRow(ctx, `
			SELECT state FROM chansync.sync_checkpoints WHERE id = @id FOR UPDATE`,
			pgx.NamedArgs{"id": id}).Scan(&state)
		if err != nil {
			return fmt.Errorf("lock checkpoint %s: %w", id, err)
		}
		if State(state) == StateCompleted {
			return fmt.Errorf("checkpoint %s already completed", id)
		}
		_, err = tx.Exec(ctx, `
			UPDATE chansync.sync_checkpoints
			SET cursor = @cursor,
			    state = 'in_progress',
			    processed = processed + @delta,
			    updated_at = now()
			WHERE id = @id`,
			pgx.NamedArgs{"id": id, "cursor": cursor, "delta": processedDelta})
		if err != nil {
			return fmt.Errorf("advance checkpoint %s: %w", id, err)
		}
		return nil
	})
}

// Complete implements Store.
func (s *PGStore) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chansync.sync_checkpoints
		SET state = 'completed', updated_at = now()
		WHERE id = @id`,
		pgx.NamedArgs{"id": id})
	if err != nil {
		return fmt.Errorf("complete checkpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint %s not found", id)
	}
	return nil
}

// LoadResumable implements Store.
func (s *PGStore) LoadResumable(ctx context.Context) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, window_start, window_end, cursor, state, processed, total_estimate, updated_at
		FROM chansync.sync_checkpoints
		WHERE state <> 'completed'
		ORDER BY updated_at ASC
		LIMIT 1`)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load resumable checkpoint: %w", err)
	}
	return cp, nil
}

// Delete implements Store.
func (s *PGStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chansync.sync_checkpoints WHERE id = @id`, pgx.NamedArgs{"id": id})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Store.
func (s *PGStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, window_start, window_end, cursor, state, processed, total_estimate, updated_at
		FROM chansync.sync_checkpoints
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var state string
	err := row.Scan(&cp.ID, &cp.WindowStart, &cp.WindowEnd, &cp.Cursor,
		&state, &cp.Processed, &cp.TotalEstimate, &cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cp.State = State(state)
	return &cp, nil
}
