// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Kind names a registered transport implementation.
type Kind string

// KindTCP is the direct TCP transport.
const KindTCP Kind = "tcp"

// ConnHandler processes one accepted connection. The listener calls it
// on its own goroutine; the handler owns the connection and must close
// it.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound connections from the peer instance.
type Listener interface {
	// Serve starts accepting connections and dispatches each to
	// handler. Blocks until ctx is cancelled or Close is called.
	// Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the address to publish in the identity
	// directory so the peer instance can connect. The format is
	// transport-specific ("192.168.1.10:7410" for TCP).
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve
	// return immediately.
	Close() error
}

// Dialer opens connections to the peer instance.
type Dialer interface {
	// DialContext opens a connection to the peer at the given
	// transport address. The address format matches what the peer's
	// Listener.Address() returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// Transport bundles a Dialer with listener construction under a
// stable Kind. The Manager walks registered transports in preference
// order.
type Transport interface {
	Dialer

	// Kind identifies the transport in connection state and events.
	Kind() Kind

	// Listen binds an inbound listener on the given address. Use
	// ":0" for a random available port.
	Listen(address string) (Listener, error)
}
