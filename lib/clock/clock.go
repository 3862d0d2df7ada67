// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and advance time explicitly, so
// retry and expiry policies are exercised without real sleeps.
package clock

import "time"

// Clock is the time surface Tandem components depend on. Every
// production function that would call time.Now, time.After or
// time.Sleep takes a Clock (or is a method on a struct holding one)
// instead of using the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}
