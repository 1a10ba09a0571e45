// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package channelsync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy is the single backoff policy applied at the discovery and
// remote-mutation boundaries. Only transient failures are retried; every
// other class is surfaced immediately.
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the provider rate-limit guidance: a handful of
// attempts with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// Do runs op with exponential backoff until it succeeds, returns a
// non-transient error, or the attempt ceiling is reached.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if !IsTransient(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			var te *TransientError
			if errors.As(err, &te) && te.RetryAfter > 0 {
				// Honor the server-requested delay for rate limits.
				return struct{}{}, errors.Join(err, &backoff.RetryAfterError{Duration: te.RetryAfter})
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(p.MaxAttempts))
	return err
}
