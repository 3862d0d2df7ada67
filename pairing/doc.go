// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing establishes the one-time trusted contact
// relationship between the two instances of an account.
//
// The [Coordinator] is a small state machine. On the node (issuer)
// side it runs Idle, InvitationIssued, AwaitingAcceptance, Paired; on
// the app (acceptor) side Idle, AwaitingInvitation, Paired. Failed is
// terminal and reachable from any non-terminal state.
//
// An [Invitation] is single-use: it carries a random token, the
// issuer's endpoint and public key, and an expiry. Accepting an
// expired or already-consumed invitation fails with
// [ErrInvitationRejected], which is non-fatal to the application;
// the UI-facing instance keeps operating against local data only.
//
// Pairing outcomes are delivered as typed [Event] values on the
// coordinator's event channel rather than through registered
// listeners, so the ordering between pairing success and downstream
// access-rights work is structural: consumers read the channel, then
// act.
package pairing
