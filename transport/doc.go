// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries instance-to-instance traffic between the
// two halves of an account.
//
// The package defines two small interfaces: [Listener] accepts inbound
// connections from the peer instance (Serve, Address, Close) and
// [Dialer] opens outbound connections (DialContext). A [Transport]
// bundles both under a registered [Kind]; [TCP] is the only production
// transport, direct TCP between the instances.
//
// When a [PeerAuthenticator] is configured, every connection completes
// a mutual Ed25519 challenge-response handshake before application
// data flows. Both peers exchange random 32-byte nonces, sign each
// other's nonce bound to the challenger's identity handle, and verify
// the signatures against the peer's published public key. The handle
// binding prevents a valid signature for one peer from being replayed
// against another.
//
// The [Manager] owns connection lifecycle: transports register in
// preference order, Connect walks them until one succeeds,
// [ConnectionState] is mutated only by the Manager, and all
// transports' notifications are normalized into a single [Event]
// stream. ShutdownAll is best-effort: a transport that fails to close
// does not stop the remaining teardown.
package transport
