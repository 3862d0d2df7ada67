// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
)

func testIdentity(t *testing.T, handle string) ref.Identity {
	t.Helper()
	identity, err := ref.ParseIdentity(handle)
	if err != nil {
		t.Fatalf("ParseIdentity(%q): %v", handle, err)
	}
	return identity
}

func newPropagator(t *testing.T, service *mesh.Memory) *Propagator {
	t.Helper()
	propagator, err := New(Config{
		Owner:    testIdentity(t, "alice/node"),
		Grants:   service,
		Channels: service,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return propagator
}

func TestDescriptorHashIsStable(t *testing.T) {
	owner := testIdentity(t, "alice/node")
	descriptor := mesh.ChannelDescriptor{Channel: "messages:2026", Owner: owner}

	first, err := DescriptorHash(descriptor)
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}
	second, err := DescriptorHash(descriptor)
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}
	if first != second {
		t.Errorf("same descriptor hashed to %q and %q", first, second)
	}
	if !strings.HasPrefix(string(first), "channel:") {
		t.Errorf("subject %q lacks channel prefix", first)
	}

	other, err := DescriptorHash(mesh.ChannelDescriptor{Channel: "messages:2027", Owner: owner})
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}
	if other == first {
		t.Errorf("distinct channels share subject %q", first)
	}
}

func TestGrantForChannelCitesGroupsOnly(t *testing.T) {
	owner := testIdentity(t, "alice/node")
	grant, err := GrantForChannel(
		mesh.ChannelDescriptor{Channel: "messages:2026", Owner: owner},
		ref.DefaultGrantGroups(),
	)
	if err != nil {
		t.Fatalf("GrantForChannel: %v", err)
	}

	if grant.Mode != mesh.GrantAdd {
		t.Errorf("Mode = %q, want add", grant.Mode)
	}
	if len(grant.Identities) != 0 {
		t.Errorf("grant cites identities %v; channel grants are group-scoped", grant.Identities)
	}
	want := []ref.GroupID{ref.GroupFederation, ref.GroupReplicant, ref.GroupEveryone}
	if !reflect.DeepEqual(grant.Groups, want) {
		t.Errorf("Groups = %v, want %v", grant.Groups, want)
	}
}

func TestApplyAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service := mesh.NewMemory()
	propagator := newPropagator(t, service)
	owner := testIdentity(t, "alice/node")

	channels := []mesh.ChannelDescriptor{
		{Channel: "messages:2025", Owner: owner},
		{Channel: "messages:2026", Owner: owner},
		{Channel: "attachments", Owner: owner},
	}
	if err := propagator.ApplyAll(ctx, channels); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}

	subject, err := DescriptorHash(channels[0])
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}
	before, err := service.Effective(ctx, subject)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if len(before.Groups) != 3 {
		t.Fatalf("effective groups = %v, want all three role groups", before.Groups)
	}

	if err := propagator.ApplyAll(ctx, channels); err != nil {
		t.Fatalf("second ApplyAll: %v", err)
	}
	after, err := service.Effective(ctx, subject)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("re-running ApplyAll changed effective access:\nbefore %+v\nafter  %+v", before, after)
	}
}

// failingGrants fails Apply for one subject and delegates the rest.
type failingGrants struct {
	mesh.Grants
	failSubject mesh.SubjectID
	calls       int
}

func (f *failingGrants) Apply(ctx context.Context, grant mesh.Grant) error {
	f.calls++
	if grant.Subject == f.failSubject {
		return errors.New("synthetic grant failure")
	}
	return f.Grants.Apply(ctx, grant)
}

func TestApplyAllSkipsFailingChannel(t *testing.T) {
	ctx := context.Background()
	service := mesh.NewMemory()
	owner := testIdentity(t, "alice/node")

	channels := []mesh.ChannelDescriptor{
		{Channel: "ok-1", Owner: owner},
		{Channel: "broken", Owner: owner},
		{Channel: "ok-2", Owner: owner},
	}
	brokenSubject, err := DescriptorHash(channels[1])
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}

	grants := &failingGrants{Grants: service, failSubject: brokenSubject}
	propagator, err := New(Config{
		Owner:  owner,
		Grants: grants,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := propagator.ApplyAll(ctx, channels); err == nil {
		t.Fatalf("ApplyAll should surface the failing channel's error")
	}
	if grants.calls != 3 {
		t.Errorf("Apply called %d times, want 3: a failing channel must not stop the pass", grants.calls)
	}

	for _, index := range []int{0, 2} {
		subject, err := DescriptorHash(channels[index])
		if err != nil {
			t.Fatalf("DescriptorHash: %v", err)
		}
		set, err := service.Effective(ctx, subject)
		if err != nil {
			t.Fatalf("Effective: %v", err)
		}
		if len(set.Groups) == 0 {
			t.Errorf("channel %s received no grant", channels[index].Channel)
		}
	}
}

func TestRunGrantsNewChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := mesh.NewMemory()
	propagator := newPropagator(t, service)
	owner := testIdentity(t, "alice/node")

	done := make(chan error, 1)
	go func() { done <- propagator.Run(ctx) }()

	descriptor := mesh.ChannelDescriptor{Channel: "messages:2026", Owner: owner}
	if err := service.CreateChannel(ctx, descriptor); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	subject, err := DescriptorHash(descriptor)
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		set, err := service.Effective(ctx, subject)
		if err != nil {
			t.Fatalf("Effective: %v", err)
		}
		if len(set.Groups) == 3 && len(set.Identities) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("grant never applied; effective = %+v", set)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

// subscribeFailingChannels fails every subscription attempt.
type subscribeFailingChannels struct {
	mesh.Channels
}

func (subscribeFailingChannels) SubscribeCreated(ctx context.Context) (<-chan mesh.ChannelDescriptor, error) {
	return nil, errors.New("subscription backend down")
}

func TestRunSurfacesSubscriptionFailure(t *testing.T) {
	service := mesh.NewMemory()
	propagator, err := New(Config{
		Owner:    testIdentity(t, "alice/node"),
		Grants:   service,
		Channels: subscribeFailingChannels{service},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := propagator.Run(context.Background()); err == nil {
		t.Fatal("Run with a failing subscription should return the error")
	}
}

func TestGrantProfileAccess(t *testing.T) {
	ctx := context.Background()
	service := mesh.NewMemory()
	propagator := newPropagator(t, service)

	if err := propagator.GrantProfileAccess(ctx); err != nil {
		t.Fatalf("GrantProfileAccess: %v", err)
	}

	set, err := service.Effective(ctx, ProfileSubject(testIdentity(t, "alice/node")))
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	want := []ref.GroupID{ref.GroupEveryone, ref.GroupFederation, ref.GroupReplicant}
	if !reflect.DeepEqual(set.Groups, want) {
		t.Errorf("profile groups = %v, want %v", set.Groups, want)
	}
	if len(set.Identities) != 0 {
		t.Errorf("profile grant cites identities %v", set.Identities)
	}
}
