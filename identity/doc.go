// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the persistent cryptographic identity of
// one Tandem instance.
//
// [Store.Resolve] is the single entry point. On the first call for an
// owner/role pair it generates an ed25519 keypair, derives the stable
// handle, seals the seed to the instance's age key, and persists the
// record. Every later call, including after a process restart against
// the same database, returns material bit-identical to the first run.
// Keys are never rotated or regenerated for an existing handle; a
// corrupt record is an error, not a trigger for silent re-minting.
//
// A store that cannot be reached fails with [ErrIdentityUnavailable],
// which is fatal to the bootstrap sequence: without an identity no
// further operation is possible.
package identity
