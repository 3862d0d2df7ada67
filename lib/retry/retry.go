// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry implements fixed-interval polling with a bounded
// attempt budget. The policy is a plain value rather than inline sleep
// calls, so the attempt count and interval are testable and show up in
// logs and configuration as first-class data.
//
// Both endpoint discovery and node instance-readiness polling run on
// this package.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tandem-foundation/tandem/lib/clock"
)

// ErrExhausted is returned by Poll when every attempt ran without the
// operation succeeding. Callers wrap it in their own terminal error
// (discovery timeout, readiness timeout).
var ErrExhausted = errors.New("retry: attempt budget exhausted")

// Policy describes a bounded fixed-interval poll.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the
	// first. Must be at least 1.
	MaxAttempts int

	// Interval is the pause between consecutive attempts. There is no
	// pause before the first attempt or after the last.
	Interval time.Duration
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: MaxAttempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("retry: Interval must not be negative, got %v", p.Interval)
	}
	return nil
}

// Budget returns the worst-case wall time the policy can consume,
// excluding the attempts' own execution time.
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts < 2 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.Interval
}

// Poll runs attempt up to MaxAttempts times, pausing Interval between
// runs on the injected clock. The attempt receives the 1-based attempt
// number for log context.
//
// Poll stops early when the attempt returns done=true (its err, nil or
// not, becomes Poll's result) or when ctx is cancelled. If the budget
// runs out, Poll returns ErrExhausted wrapping the last attempt error
// (if any).
func Poll(ctx context.Context, c clock.Clock, policy Policy, attempt func(ctx context.Context, n int) (done bool, err error)) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	var lastErr error
	for n := 1; n <= policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := attempt(ctx, n)
		if done {
			return err
		}
		lastErr = err

		if n == policy.MaxAttempts {
			break
		}
		select {
		case <-c.After(policy.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w (last attempt: %v)", ErrExhausted, lastErr)
	}
	return ErrExhausted
}
