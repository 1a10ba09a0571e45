// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

// Action is the reconciliation decision for a single entity, computed once by
// the Planner and pattern-matched exhaustively by the Apply Engine.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionCancel Action = "cancel"
	ActionSkip   Action = "skip"
)

// Outcome constants for apply results
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Local order status constants
const (
	StatusOpen      = "open"
	StatusCancelled = "cancelled"
)

// Skip/error reason constants
const (
	ReasonUnchanged        = "unchanged_since_last_sync"
	ReasonCancelledAbsent  = "cancelled_never_materialized"
	ReasonAllLinesDropped  = "all_line_items_dropped"
	ReasonLockHeld         = "lock_held_elsewhere"
	ReasonLockUnavailable  = "lock_store_unavailable"
	ReasonUnknownSKU       = "unknown_sku"
	ReasonIncomingStock    = "incoming_inventory_pending"
	ReasonLastVariant      = "last_variant_of_parent"
	ReasonRecentActivity   = "recent_transactional_activity"
	ReasonCompensationFail = "compensation_failed"
	ReasonUpdateReverted   = "update_compensated"
)
