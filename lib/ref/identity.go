// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// Role distinguishes the two cooperating instances that share one
// logical user identity.
type Role string

const (
	// RoleApp is the UI-facing instance.
	RoleApp Role = "app"

	// RoleNode is the storage/network-hosting instance.
	RoleNode Role = "node"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleApp, RoleNode:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid instance role %q (want %q or %q)", s, RoleApp, RoleNode)
}

// Owner is the canonical account name that owns both instances.
// Lowercase alphanumerics plus '-', '_' and '.', 1-64 characters.
type Owner string

// ParseOwner validates an owner name.
func ParseOwner(s string) (Owner, error) {
	if err := validateName(s); err != nil {
		return "", fmt.Errorf("invalid owner %q: %w", s, err)
	}
	return Owner(s), nil
}

// String returns the owner name.
func (o Owner) String() string { return string(o) }

// IsZero reports whether the owner is the zero value.
func (o Owner) IsZero() bool { return o == "" }

// Identity is the stable handle of one instance: "owner/role". The
// handle is derived, never minted randomly, so the same owner and role
// always resolve to the same identity across restarts.
type Identity struct {
	owner Owner
	role  Role
}

// NewIdentity creates a validated identity handle.
func NewIdentity(owner Owner, role Role) (Identity, error) {
	if owner.IsZero() {
		return Identity{}, fmt.Errorf("identity requires an owner")
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Identity{}, err
	}
	return Identity{owner: owner, role: role}, nil
}

// ParseIdentity parses the "owner/role" handle form.
func ParseIdentity(s string) (Identity, error) {
	owner, role, found := strings.Cut(s, "/")
	if !found {
		return Identity{}, fmt.Errorf("invalid identity handle %q: want owner/role", s)
	}
	parsedOwner, err := ParseOwner(owner)
	if err != nil {
		return Identity{}, err
	}
	parsedRole, err := ParseRole(role)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid identity handle %q: %w", s, err)
	}
	return Identity{owner: parsedOwner, role: parsedRole}, nil
}

// Owner returns the owning account name.
func (i Identity) Owner() Owner { return i.owner }

// Role returns which instance this identity belongs to.
func (i Identity) Role() Role { return i.role }

// String returns the "owner/role" handle form.
func (i Identity) String() string {
	if i.IsZero() {
		return ""
	}
	return string(i.owner) + "/" + string(i.role)
}

// IsZero reports whether the identity is the zero value.
func (i Identity) IsZero() bool { return i.owner == "" }

// Peer returns the identity of the same owner's other instance.
func (i Identity) Peer() Identity {
	peer := i
	if i.role == RoleApp {
		peer.role = RoleNode
	} else {
		peer.role = RoleApp
	}
	return peer
}

// MarshalText implements encoding.TextMarshaler.
func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces a zero value.
func (i *Identity) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Identity{}
		return nil
	}
	parsed, err := ParseIdentity(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal Identity: %w", err)
	}
	*i = parsed
	return nil
}

// validateName checks the shared name charset: lowercase alphanumerics
// plus '-', '_' and '.', 1-64 characters, no leading or trailing
// separator.
func validateName(s string) error {
	if s == "" {
		return fmt.Errorf("empty name")
	}
	if len(s) > 64 {
		return fmt.Errorf("name longer than 64 characters")
	}
	for index := 0; index < len(s); index++ {
		c := s[index]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
			if index == 0 || index == len(s)-1 {
				return fmt.Errorf("separator %q at name boundary", string(c))
			}
		default:
			return fmt.Errorf("character %q not allowed", string(c))
		}
	}
	return nil
}
