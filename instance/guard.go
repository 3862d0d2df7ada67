// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"sync"

	"github.com/tandem-foundation/tandem/lib/ref"
)

// Guard deduplicates per-owner initialization. The first caller for an
// owner runs the create function; concurrent callers block on the same
// in-flight result. A failed creation is forgotten so a later call
// retries instead of wedging on a cached error.
type Guard[T any] struct {
	mu      sync.Mutex
	entries map[ref.Owner]*guardEntry[T]
}

type guardEntry[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// NewGuard creates an empty Guard.
func NewGuard[T any]() *Guard[T] {
	return &Guard[T]{entries: make(map[ref.Owner]*guardEntry[T])}
}

// Do returns the owner's value, running create if no usable result
// exists yet. Concurrent callers for the same owner share one creation
// and one result. ctx cancellation abandons the wait, not the
// in-flight creation.
func (g *Guard[T]) Do(ctx context.Context, owner ref.Owner, create func(ctx context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	entry, exists := g.entries[owner]
	if !exists {
		entry = &guardEntry[T]{done: make(chan struct{})}
		g.entries[owner] = entry
		g.mu.Unlock()

		entry.value, entry.err = create(ctx)
		if entry.err != nil {
			// Forget the failure before releasing waiters so any
			// call arriving after this point starts fresh.
			g.mu.Lock()
			if g.entries[owner] == entry {
				delete(g.entries, owner)
			}
			g.mu.Unlock()
		}
		close(entry.done)
		return entry.value, entry.err
	}
	g.mu.Unlock()

	select {
	case <-entry.done:
		return entry.value, entry.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Forget drops the owner's cached value so the next Do re-runs
// creation. Used when the underlying store was reset.
func (g *Guard[T]) Forget(owner ref.Owner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, owner)
}
