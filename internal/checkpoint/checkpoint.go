// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint provides durable, resumable progress markers for
// multi-page synchronization runs. A checkpoint is persisted after every page
// so a crash or restart resumes from the last acknowledged cursor instead of
// re-scanning from the start or silently skipping unseen pages.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the referenced checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// State of a checkpoint's lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// Checkpoint is the durable resumable position within a sync run.
type Checkpoint struct {
	ID            uuid.UUID `json:"id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	Cursor        string    `json:"cursor"`
	State         State     `json:"state"`
	Processed     int       `json:"processed"`
	TotalEstimate int       `json:"total_estimate"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Resumable reports whether a crashed or interrupted run may pick this
// checkpoint up. Resuming in_progress is explicitly allowed: it means the
// previous run died mid-page. Completed checkpoints are never resumed.
func (c *Checkpoint) Resumable() bool {
	return c.State == StatePending || c.State == StateInProgress
}

// Store persists checkpoints. Single-writer per checkpoint ID is enforced by
// the checkpoint owner (the engine), not by external locking.
type Store interface {
	// Create starts a new checkpoint for the window and returns its ID.
	Create(ctx context.Context, windowStart, windowEnd time.Time, totalEstimate int) (uuid.UUID, error)

	// Advance records the cursor and processed delta after a page, moving
	// the checkpoint to in_progress.
	Advance(ctx context.Context, id uuid.UUID, cursor string, processedDelta int) error

	// Complete marks the checkpoint finished; it will never be resumed.
	Complete(ctx context.Context, id uuid.UUID) error

	// LoadResumable returns the oldest non-completed checkpoint, or nil when
	// every sync finished cleanly. Oldest first so a backlog of interrupted
	// windows drains in order.
	LoadResumable(ctx context.Context) (*Checkpoint, error)

	// Delete removes a checkpoint so an operator can force a clean re-scan.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns all checkpoints, newest first.
	List(ctx context.Context) ([]Checkpoint, error)
}
