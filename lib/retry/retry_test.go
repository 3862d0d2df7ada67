// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tandem-foundation/tandem/lib/clock"
)

func TestPollExactAttemptCount(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	policy := Policy{MaxAttempts: 15, Interval: 3 * time.Second}

	attempts := 0
	result := make(chan error, 1)
	go func() {
		result <- Poll(context.Background(), fake, policy, func(ctx context.Context, n int) (bool, error) {
			attempts++
			if n != attempts {
				t.Errorf("attempt number = %d, want %d", n, attempts)
			}
			return false, nil
		})
	}()

	// 14 pauses between 15 attempts.
	for pause := 0; pause < 14; pause++ {
		fake.WaitForWaiters(1)
		fake.Advance(3 * time.Second)
	}

	err := <-result
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Poll = %v, want ErrExhausted", err)
	}
	if attempts != 15 {
		t.Errorf("attempts = %d, want exactly 15", attempts)
	}
}

func TestPollStopsOnSuccess(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	attempts := 0
	err := Poll(context.Background(), fake, Policy{MaxAttempts: 5, Interval: time.Second},
		func(ctx context.Context, n int) (bool, error) {
			attempts++
			return n == 1, nil
		})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if fake.PendingCount() != 0 {
		t.Errorf("success on first attempt should not register a pause")
	}
}

func TestPollSurfacesTerminalAttemptError(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	terminal := errors.New("hard failure")
	err := Poll(context.Background(), fake, Policy{MaxAttempts: 5, Interval: time.Second},
		func(ctx context.Context, n int) (bool, error) {
			return true, terminal
		})
	if !errors.Is(err, terminal) {
		t.Fatalf("Poll = %v, want terminal error", err)
	}
}

func TestPollWrapsLastAttemptError(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	soft := errors.New("not yet published")

	result := make(chan error, 1)
	go func() {
		result <- Poll(context.Background(), fake, Policy{MaxAttempts: 2, Interval: time.Second},
			func(ctx context.Context, n int) (bool, error) {
				return false, soft
			})
	}()
	fake.WaitForWaiters(1)
	fake.Advance(time.Second)

	err := <-result
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Poll = %v, want ErrExhausted", err)
	}
}

func TestPollCancellation(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		result <- Poll(ctx, fake, Policy{MaxAttempts: 10, Interval: time.Minute},
			func(ctx context.Context, n int) (bool, error) {
				return false, nil
			})
	}()
	fake.WaitForWaiters(1)
	cancel()

	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll = %v, want context.Canceled", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := (Policy{MaxAttempts: 0, Interval: time.Second}).Validate(); err == nil {
		t.Errorf("zero attempts should be invalid")
	}
	if err := (Policy{MaxAttempts: 1, Interval: -time.Second}).Validate(); err == nil {
		t.Errorf("negative interval should be invalid")
	}
	if got := (Policy{MaxAttempts: 15, Interval: 3 * time.Second}).Budget(); got != 42*time.Second {
		t.Errorf("Budget = %v, want 42s", got)
	}
}
