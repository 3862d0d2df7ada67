// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"time"

	"github.com/tandem-foundation/tandem/lib/ref"
)

// IdentityRecord is an identity's published profile in the shared
// directory. Endpoint is empty until the instance has published a
// reachable transport address; publication is asynchronous, which is
// why endpoint discovery polls.
type IdentityRecord struct {
	Identity  ref.Identity `cbor:"identity"`
	PublicKey []byte       `cbor:"public_key"`
	Endpoint  string       `cbor:"endpoint,omitempty"`
	UpdatedAt time.Time    `cbor:"updated_at"`
}

// ChannelDescriptor identifies an append-only data channel by its ID
// and owning identity. The pair is the input to the content-addressed
// descriptor hash that access grants target.
type ChannelDescriptor struct {
	Channel ref.ChannelID `cbor:"channel"`
	Owner   ref.Identity  `cbor:"owner"`
}

// SubjectID names the object an access grant applies to: a channel's
// descriptor hash or an identity's main profile.
type SubjectID string

// GrantMode selects additive or subtractive application.
type GrantMode string

const (
	// GrantAdd adds the cited grantees to the subject's effective set.
	GrantAdd GrantMode = "add"

	// GrantRemove removes the cited grantees.
	GrantRemove GrantMode = "remove"
)

// Grant is one access-grant application. Grantees are groups and/or
// individual identities; the union of historical additive grants minus
// subtractive ones determines effective access. Applying the same
// additive grant twice is a no-op.
type Grant struct {
	Subject    SubjectID      `cbor:"subject"`
	Owner      ref.Identity   `cbor:"owner"`
	Groups     []ref.GroupID  `cbor:"groups,omitempty"`
	Identities []ref.Identity `cbor:"identities,omitempty"`
	Mode       GrantMode      `cbor:"mode"`
}

// GrantSet is the effective access of a subject: the deduplicated
// union of applied grants. Both slices are sorted for deterministic
// comparison.
type GrantSet struct {
	Groups     []ref.GroupID
	Identities []ref.Identity
}

// Contact records an established trust relationship between two
// identities. Immutable once created.
type Contact struct {
	Local         ref.Identity `cbor:"local"`
	Remote        ref.Identity `cbor:"remote"`
	EstablishedAt time.Time    `cbor:"established_at"`
}
