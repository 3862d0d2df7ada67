// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery resolves the peer instance's transport endpoint
// from the synchronization service's identity directory.
//
// Endpoint publication is asynchronous: the node instance publishes
// its record only after binding its listener, so the app side polls.
// The poll is bounded by a [retry.Policy] (15 attempts, 3 seconds
// apart by default, roughly a 45 second budget); exhaustion yields
// [ErrTimedOut], which callers treat as degraded local-only mode, not
// a fatal error.
package discovery
