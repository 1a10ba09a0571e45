// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"context"
	"fmt"
	"log/slog"
)

// ApplyResult is the terminal per-entity state within one run. Failed is not
// retried in the same run; the entity remains in the unprocessed set and is
// re-attempted on the next discovery cycle.
type ApplyResult struct {
	Outcome Outcome
	Action  Action
	Reason  string
}

// Applier executes a Plan against the Local Store as one all-or-nothing unit.
type Applier struct {
	logger *slog.Logger
}

// NewApplier creates an apply engine. A nil logger falls back to slog.Default.
func NewApplier(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger}
}

// Apply runs the plan inside a single Local Store transaction. Write order
// within the transaction is header first, then updates, then creates, then
// deletes, so a read-committed reader never observes fewer line items than
// are about to remain. Any step failing rolls the entire unit back.
func (a *Applier) Apply(ctx context.Context, store LocalStore, plan Plan) ApplyResult {
	switch plan.Action {
	case ActionSkip:
		return ApplyResult{Outcome: OutcomeSkipped, Action: ActionSkip, Reason: plan.SkipReason}
	case ActionCreate, ActionUpdate, ActionCancel:
		// Handled below.
	default:
		return ApplyResult{Outcome: OutcomeFailed, Action: plan.Action,
			Reason: fmt.Sprintf("unknown plan action %q", plan.Action)}
	}

	err := store.WithTx(ctx, func(tx StoreTx) error {
		return a.applyInTx(ctx, tx, plan)
	})
	if err != nil {
		txErr := &TransactionalError{EntityID: plan.ExternalID, Err: err}
		a.logger.Error("Apply transaction rolled back",
			"external_id", plan.ExternalID, "action", plan.Action, "error", err,
			"retryable", isRetryablePGTxError(err))
		return ApplyResult{Outcome: OutcomeFailed, Action: plan.Action, Reason: txErr.Error()}
	}

	for _, w := range plan.Warnings {
		a.logger.Warn("Plan warning", "external_id", plan.ExternalID, "warning", w)
	}
	a.logger.Debug("Applied plan",
		"external_id", plan.ExternalID, "action", plan.Action,
		"creates", len(plan.Diff.ToCreate), "updates", len(plan.Diff.ToUpdate),
		"deletes", len(plan.Diff.ToDelete))
	return ApplyResult{Outcome: OutcomeApplied, Action: plan.Action}
}

func (a *Applier) applyInTx(ctx context.Context, tx StoreTx, plan Plan) error {
	hdr := OrderHeader{
		LocalID:          plan.LocalID,
		Status:           StatusOpen,
		ChannelUpdatedAt: plan.ChannelUpdatedAt,
	}
	if plan.Action == ActionCreate {
		ref := plan.ExternalID
		hdr.ExternalRef = &ref
	}

	localID, err := tx.UpsertHeader(ctx, hdr, plan.HeaderChanges)
	if err != nil {
		return fmt.Errorf("upsert header: %w", err)
	}

	if plan.Action == ActionCancel {
		// Cancellation is a status transition only; lines stay untouched.
		return nil
	}

	if len(plan.Diff.ToUpdate) > 0 {
		if err := tx.UpdateLines(ctx, plan.Diff.ToUpdate); err != nil {
			return fmt.Errorf("update lines: %w", err)
		}
	}
	if len(plan.Diff.ToCreate) > 0 {
		if err := tx.InsertLines(ctx, localID, plan.Diff.ToCreate); err != nil {
			return fmt.Errorf("insert lines: %w", err)
		}
	}
	if len(plan.Diff.ToDelete) > 0 {
		ids := make([]int64, 0, len(plan.Diff.ToDelete))
		for _, ln := range plan.Diff.ToDelete {
			if ln.Synthetic {
				// Enforced structurally by the planner; refuse rather than
				// silently drop an audit row if a bad diff slips through.
				return fmt.Errorf("refusing to delete synthetic line %d (sku %s)", ln.LocalLineID, ln.SKU)
			}
			ids = append(ids, ln.LocalLineID)
		}
		if err := tx.DeleteLines(ctx, ids); err != nil {
			return fmt.Errorf("delete lines: %w", err)
		}
	}
	return nil
}
