// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Transport = (*TCP)(nil)
	_ Listener  = (*TCPListener)(nil)
)

// TCP is the direct TCP transport. It requires TCP reachability
// between the instances, which holds for the same-host and same-LAN
// deployments this system targets.
type TCP struct {
	// DialTimeout bounds connection establishment. Zero means only
	// the context deadline applies.
	DialTimeout time.Duration
}

// Kind returns KindTCP.
func (t *TCP) Kind() Kind { return KindTCP }

// DialContext opens a TCP connection to the given address (host:port).
func (t *TCP) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: t.DialTimeout}).DialContext(ctx, "tcp", address)
}

// Listen binds a TCP listener on the specified address (e.g. ":7410"
// or "192.168.1.10:7410"). Use ":0" for a random available port.
func (t *TCP) Listen(address string) (Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// TCPListener accepts inbound TCP connections from the peer instance.
type TCPListener struct {
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// Serve accepts connections and dispatches each to handler on its own
// goroutine. Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handler(ctx, conn)
	}
}

// Address returns the bound address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener. Idempotent.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}
