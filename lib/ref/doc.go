// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref defines validated reference types for Tandem's identity
// and data model: [Owner] (the canonical account name), [Role] (which
// of the two cooperating instances an identity belongs to), [Identity]
// (the owner/role handle), [ChannelID], and [GroupID].
//
// All types are small value types that validate on construction and
// implement encoding.TextMarshaler/TextUnmarshaler, so they serialize
// as plain strings in CBOR and JSON. Code that holds a non-zero ref
// value can rely on it being structurally valid.
package ref
