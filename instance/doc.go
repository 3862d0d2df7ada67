// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package instance ties the subsystems together: the initialization
// guard that deduplicates concurrent instance creation, the control
// channel the app instance uses to provision its node, and the
// app-side bootstrap sequence.
//
// The bootstrap sequence degrades rather than aborts: only an
// unreachable identity store is fatal. Provisioning, pairing,
// discovery and transport failures leave the application running
// against local data with the federation flags reporting the degraded
// state.
package instance
