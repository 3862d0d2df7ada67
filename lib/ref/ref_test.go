// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "testing"

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		input   string
		owner   Owner
		role    Role
		wantErr bool
	}{
		{input: "alice/app", owner: "alice", role: RoleApp},
		{input: "alice/node", owner: "alice", role: RoleNode},
		{input: "a.b-c_d/node", owner: "a.b-c_d", role: RoleNode},
		{input: "alice", wantErr: true},
		{input: "alice/viewer", wantErr: true},
		{input: "/app", wantErr: true},
		{input: "Alice/app", wantErr: true},
		{input: ".alice/app", wantErr: true},
		{input: "alice./app", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, test := range tests {
		identity, err := ParseIdentity(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseIdentity(%q): want error, got %v", test.input, identity)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIdentity(%q): %v", test.input, err)
			continue
		}
		if identity.Owner() != test.owner || identity.Role() != test.role {
			t.Errorf("ParseIdentity(%q) = %v/%v, want %v/%v",
				test.input, identity.Owner(), identity.Role(), test.owner, test.role)
		}
		if identity.String() != test.input {
			t.Errorf("round trip: got %q, want %q", identity.String(), test.input)
		}
	}
}

func TestIdentityPeer(t *testing.T) {
	app, err := ParseIdentity("alice/app")
	if err != nil {
		t.Fatalf("ParseIdentity: %v", err)
	}
	if got := app.Peer().String(); got != "alice/node" {
		t.Errorf("app peer = %q, want alice/node", got)
	}
	if got := app.Peer().Peer(); got != app {
		t.Errorf("double peer = %v, want %v", got, app)
	}
}

func TestIdentityTextRoundTrip(t *testing.T) {
	original, err := NewIdentity("bob", RoleNode)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	text, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded Identity
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %v, want %v", decoded, original)
	}

	var zero Identity
	if err := zero.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil): %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("empty input should produce zero identity, got %v", zero)
	}
}

func TestParseChannelID(t *testing.T) {
	valid := []string{"chat-1", "Chat.Topic:42", "a"}
	for _, input := range valid {
		if _, err := ParseChannelID(input); err != nil {
			t.Errorf("ParseChannelID(%q): %v", input, err)
		}
	}
	invalid := []string{"", "has space", "slash/ch", string(make([]byte, 129))}
	for _, input := range invalid {
		if _, err := ParseChannelID(input); err == nil {
			t.Errorf("ParseChannelID(%q): want error", input)
		}
	}
}

func TestDefaultGrantGroups(t *testing.T) {
	groups := DefaultGrantGroups()
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	// Callers may mutate the returned slice; a second call must be
	// unaffected.
	groups[0] = "mutated"
	fresh := DefaultGrantGroups()
	if fresh[0] != GroupFederation {
		t.Errorf("DefaultGrantGroups shares state between calls")
	}
}
