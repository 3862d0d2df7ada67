// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"

	"github.com/tandem-foundation/tandem/lib/ref"
)

// Directory publishes and looks up identity records. Lookup returns
// found=false (not an error) when the identity has not published a
// record yet; callers poll through that eventually-consistent window.
type Directory interface {
	PublishIdentity(ctx context.Context, record IdentityRecord) error
	LookupIdentity(ctx context.Context, identity ref.Identity) (record IdentityRecord, found bool, err error)
}

// Groups exposes read-only role-group membership. Membership is
// managed externally; Tandem only reads group identifiers to scope
// grants and resolve peers.
type Groups interface {
	Members(ctx context.Context, group ref.GroupID) ([]ref.Identity, error)
}

// Channels manages channel records. SubscribeCreated delivers every
// channel created after the subscription attaches; the returned
// channel closes when ctx is cancelled.
type Channels interface {
	CreateChannel(ctx context.Context, descriptor ChannelDescriptor) error
	ListChannels(ctx context.Context) ([]ChannelDescriptor, error)
	SubscribeCreated(ctx context.Context) (<-chan ChannelDescriptor, error)
}

// Grants applies access grants and reports effective access. Apply is
// idempotent for additive grants and never removes access implicitly.
type Grants interface {
	Apply(ctx context.Context, grant Grant) error
	Effective(ctx context.Context, subject SubjectID) (GrantSet, error)
}

// Contacts stores established contact records. Establish is the side
// effect of a successful pairing acceptance; records are immutable.
// SubscribeEstablished delivers every contact established after the
// subscription attaches, which is how the invitation issuer learns
// that its invitation was accepted; the returned channel closes when
// ctx is cancelled.
type Contacts interface {
	Establish(ctx context.Context, contact Contact) error
	Established(ctx context.Context, local, remote ref.Identity) (bool, error)
	SubscribeEstablished(ctx context.Context) (<-chan Contact, error)
}

// Service is the full synchronization-service boundary.
type Service interface {
	Directory
	Groups
	Channels
	Grants
	Contacts
}
