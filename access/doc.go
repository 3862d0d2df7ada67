// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package access propagates access rights for synchronized objects to
// the role groups of the account's paired instances.
//
// Every grant issued here is group-scoped: it cites the well-known
// role groups (federation, replicant, everyone), never individual
// identities. Group membership is resolved by the synchronization
// service at access time, so the grant set stays bounded no matter
// how many devices an account accumulates. Grants are additive and
// idempotent, which makes the startup bulk pass ([Propagator.ApplyAll])
// safe to re-run on every launch.
//
// Grant subjects are content-addressed: a channel is named by the
// blake3 hash of its deterministically encoded descriptor, so both
// instances derive the same subject independently.
package access
