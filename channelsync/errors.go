// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDiscoveryFailed is returned when a discovery window cannot be read even
// after the retry budget is exhausted. It aborts the run before any mutation.
var ErrDiscoveryFailed = errors.New("discovery failed")

// TransientError marks a failure that is retried with bounded backoff at the
// layer that owns the resource (network timeout, rate limit, lock contention).
// RetryAfter, when set, carries the server-requested delay before the next
// attempt (Retry-After on a 429).
type TransientError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError marks a single entity or line that cannot be processed
// (unresolvable reference, malformed data). The run continues.
type ValidationError struct {
	EntityID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.EntityID, e.Reason)
}

// TransactionalError marks a Local Store write failure mid-apply. The whole
// entity transaction has been rolled back; the entity remains eligible for the
// next run.
type TransactionalError struct {
	EntityID string
	Err      error
}

func (e *TransactionalError) Error() string {
	return fmt.Sprintf("transaction failed for %s: %v", e.EntityID, e.Err)
}

func (e *TransactionalError) Unwrap() error { return e.Err }

// CompensationError marks a failed rollback of an already-applied remote
// mutation. It can leave the Remote Source inconsistent with the Local Store
// and requires operator attention; it is never conflated with a compensated
// failure.
type CompensationError struct {
	EntityID string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation failed for %s: %v", e.EntityID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// FatalError aborts the run before any further mutation. Only this class is
// surfaced as the run error; everything else is absorbed into SyncStats.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal failure in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err belongs to the transient class.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err belongs to the fatal class.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsCompensation reports whether err belongs to the compensation-failure class.
func IsCompensation(err error) bool {
	var ce *CompensationError
	return errors.As(err, &ce)
}

// isRetryablePGTxError classifies Postgres errors that are safe to retry at
// the transaction boundary.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
