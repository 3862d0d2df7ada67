// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/tandem-foundation/tandem/lib/ref"
)

func TestDeterministicEncoding(t *testing.T) {
	// Same logical map, different insertion order. Deterministic
	// encoding must produce identical bytes.
	first, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("encodings differ: %x vs %x", first, second)
	}
}

func TestRefTypesEncodeAsStrings(t *testing.T) {
	identity, err := ref.NewIdentity("alice", ref.RoleNode)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	type payload struct {
		Who ref.Identity `cbor:"who"`
	}
	encoded, err := Marshal(payload{Who: identity})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded payload
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Who != identity {
		t.Errorf("round trip: got %v, want %v", decoded.Who, identity)
	}

	// The handle must appear as a text string in the encoding, not an
	// empty map of unexported fields.
	if !bytes.Contains(encoded, []byte("alice/node")) {
		t.Errorf("encoding does not contain the identity handle: %x", encoded)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	encoded, err := Marshal(map[string]any{"known": "x", "future": 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Known string `cbor:"known"`
	}
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Known != "x" {
		t.Errorf("Known = %q, want x", decoded.Known)
	}
}
