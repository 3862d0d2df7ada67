// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tandem-foundation/tandem/identity"
	"github.com/tandem-foundation/tandem/lib/ref"
)

func appInstance(owner ref.Owner) (*identity.Instance, error) {
	handle, err := ref.NewIdentity(owner, ref.RoleApp)
	if err != nil {
		return nil, err
	}
	return &identity.Instance{Handle: handle}, nil
}

func TestDoSharesOneCreation(t *testing.T) {
	ctx := context.Background()
	var creations atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	guard := NewGuard[*identity.Instance]()
	create := func(ctx context.Context) (*identity.Instance, error) {
		creations.Add(1)
		close(started)
		<-release
		return appInstance("alice")
	}

	const callers = 8
	results := make(chan *identity.Instance, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := guard.Do(ctx, "alice", create)
			if err != nil {
				t.Errorf("Do: %v", err)
				return
			}
			results <- inst
		}()
	}

	<-started
	close(release)
	wg.Wait()
	close(results)

	if got := creations.Load(); got != 1 {
		t.Errorf("create ran %d times for %d concurrent callers, want 1", got, callers)
	}
	var first *identity.Instance
	for inst := range results {
		if first == nil {
			first = inst
		} else if inst != first {
			t.Error("concurrent callers received different instances")
		}
	}
}

func TestFailureResetsForRetry(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	failure := errors.New("store offline")

	guard := NewGuard[*identity.Instance]()
	create := func(ctx context.Context) (*identity.Instance, error) {
		if calls.Add(1) == 1 {
			return nil, failure
		}
		return appInstance("alice")
	}

	if _, err := guard.Do(ctx, "alice", create); !errors.Is(err, failure) {
		t.Fatalf("first call = %v, want the creation failure", err)
	}

	inst, err := guard.Do(ctx, "alice", create)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if inst == nil || inst.Handle.String() != "alice/app" {
		t.Errorf("retry returned %+v", inst)
	}
	if calls.Load() != 2 {
		t.Errorf("create ran %d times, want 2", calls.Load())
	}
}

func TestDistinctOwnersCreateIndependently(t *testing.T) {
	ctx := context.Background()
	var creations atomic.Int64

	guard := NewGuard[*identity.Instance]()
	create := func(owner ref.Owner) func(ctx context.Context) (*identity.Instance, error) {
		return func(ctx context.Context) (*identity.Instance, error) {
			creations.Add(1)
			return appInstance(owner)
		}
	}

	alice, err := guard.Do(ctx, "alice", create("alice"))
	if err != nil {
		t.Fatalf("Do(alice): %v", err)
	}
	bob, err := guard.Do(ctx, "bob", create("bob"))
	if err != nil {
		t.Fatalf("Do(bob): %v", err)
	}
	if alice == bob {
		t.Error("distinct owners shared one instance")
	}
	if creations.Load() != 2 {
		t.Errorf("create ran %d times, want 2", creations.Load())
	}

	// Cached: no further creation.
	if _, err := guard.Do(ctx, "alice", create("alice")); err != nil {
		t.Fatalf("cached Do: %v", err)
	}
	if creations.Load() != 2 {
		t.Errorf("cached call re-ran create")
	}
}

func TestForgetForcesRecreation(t *testing.T) {
	ctx := context.Background()
	var creations atomic.Int64

	guard := NewGuard[*identity.Instance]()
	create := func(ctx context.Context) (*identity.Instance, error) {
		creations.Add(1)
		return appInstance("alice")
	}

	if _, err := guard.Do(ctx, "alice", create); err != nil {
		t.Fatalf("Do: %v", err)
	}
	guard.Forget("alice")
	if _, err := guard.Do(ctx, "alice", create); err != nil {
		t.Fatalf("Do after Forget: %v", err)
	}
	if creations.Load() != 2 {
		t.Errorf("create ran %d times, want 2", creations.Load())
	}
}
