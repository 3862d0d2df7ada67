// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh defines the boundary to the external object-
// synchronization service that replicates content between the two
// instances of an account. Tandem does not implement the
// synchronization protocol; it consumes the service through five
// narrow interfaces:
//
//   - [Directory]: published identity records, including network
//     endpoints
//   - [Groups]: read-only role-group membership
//   - [Channels]: channel records plus a channel-created
//     subscription
//   - [Grants]: the additive/subtractive access-grant primitive
//   - [Contacts]: contact records and the contact-established check
//
// [Service] composes all five. [Memory] is the in-process
// implementation used by tests and by single-host operation; a real
// deployment plugs the synchronization library in behind the same
// interfaces.
//
// Everything shared between instances is modeled as synchronized
// objects (identities, contacts, channels, grants), never as shared
// in-memory state.
package mesh
