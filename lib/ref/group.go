// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// GroupID names a role-group that access grants are scoped to.
// Granting to groups rather than individual identities keeps ACL size
// bounded as the contact set grows.
type GroupID string

// The three well-known groups used by access-rights propagation.
const (
	// GroupEveryone is the broad all-contacts group.
	GroupEveryone GroupID = "everyone"

	// GroupFederation holds the same user's other-instance identities.
	GroupFederation GroupID = "federation"

	// GroupReplicant holds archival/sync-only identities.
	GroupReplicant GroupID = "replicant"
)

// DefaultGrantGroups returns the group set that newly created channels
// are granted to. The slice is freshly allocated on each call.
func DefaultGrantGroups() []GroupID {
	return []GroupID{GroupFederation, GroupReplicant, GroupEveryone}
}

// ParseGroupID validates a group ID.
func ParseGroupID(s string) (GroupID, error) {
	if err := validateName(s); err != nil {
		return "", fmt.Errorf("invalid group id %q: %w", s, err)
	}
	return GroupID(s), nil
}

// String returns the group ID.
func (g GroupID) String() string { return string(g) }

// IsZero reports whether the group ID is the zero value.
func (g GroupID) IsZero() bool { return g == "" }
