// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/tandem-foundation/tandem/lib/ref"
)

// Status is a connection's lifecycle phase.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// ConnectionState is the Manager's view of one peer connection. Only
// the Manager mutates it; callers receive copies.
type ConnectionState struct {
	Remote     ref.Identity
	Transport  Kind
	Status     Status
	LastError  string
	RetryCount int
}

// EventKind classifies a connection lifecycle event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventFailed       EventKind = "failed"
)

// Event is one normalized lifecycle notification. All registered
// transports' connect/disconnect signals funnel into the same stream.
type Event struct {
	Kind      EventKind
	Remote    ref.Identity
	Transport Kind
	Err       error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// Local is this instance's identity handle.
	Local ref.Identity

	// Authenticator, when set, runs the mutual handshake on every
	// connection before it is handed out.
	Authenticator PeerAuthenticator

	// AuthTimeout overrides the default handshake deadline when
	// positive.
	AuthTimeout time.Duration

	// Logger receives lifecycle progress. Nil means discard.
	Logger *slog.Logger
}

// Manager owns connection lifecycle across all registered transports.
// Safe for concurrent use.
type Manager struct {
	local         ref.Identity
	authenticator PeerAuthenticator
	authTimeout   time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	transports []Transport
	conns      map[string]net.Conn
	states     map[string]*ConnectionState
	listeners  []Listener
	shutdown   bool

	events chan Event
}

// NewManager creates an empty Manager; register at least one transport
// before calling Connect.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("transport: local identity is required")
	}
	timeout := cfg.AuthTimeout
	if timeout <= 0 {
		timeout = AuthTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		local:         cfg.Local,
		authenticator: cfg.Authenticator,
		authTimeout:   timeout,
		logger:        logger,
		conns:         make(map[string]net.Conn),
		states:        make(map[string]*ConnectionState),
		events:        make(chan Event, 16),
	}, nil
}

// RegisterTransport appends a transport. Registration order is
// preference order for Connect.
func (m *Manager) RegisterTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = append(m.transports, t)
}

// Events delivers normalized lifecycle events. The channel is
// buffered; if a consumer falls behind, events are dropped with a
// warning rather than blocking connection work.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connect establishes an authenticated connection to the remote
// identity at the given address, trying registered transports in
// preference order. The first transport to produce an authenticated
// connection wins; per-transport failures increment the state's retry
// count and the walk continues.
func (m *Manager) Connect(ctx context.Context, remote ref.Identity, address string) (net.Conn, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, fmt.Errorf("transport: manager is shut down")
	}
	transports := append([]Transport(nil), m.transports...)
	state := m.stateLocked(remote)
	state.Status = StatusConnecting
	m.mu.Unlock()

	if len(transports) == 0 {
		return nil, fmt.Errorf("transport: no transports registered")
	}

	var lastErr error
	for _, t := range transports {
		conn, err := m.connectVia(ctx, t, remote, address)
		if err != nil {
			lastErr = err
			m.mu.Lock()
			state.RetryCount++
			state.LastError = err.Error()
			m.mu.Unlock()
			m.logger.Warn("transport connect failed",
				"transport", t.Kind(),
				"remote", remote,
				"address", address,
				"error", err,
			)
			continue
		}

		m.mu.Lock()
		if previous, exists := m.conns[remote.String()]; exists {
			previous.Close()
		}
		m.conns[remote.String()] = conn
		state.Status = StatusConnected
		state.Transport = t.Kind()
		state.LastError = ""
		m.mu.Unlock()

		m.logger.Info("peer connected", "transport", t.Kind(), "remote", remote, "address", address)
		m.emit(Event{Kind: EventConnected, Remote: remote, Transport: t.Kind()})
		return conn, nil
	}

	m.mu.Lock()
	state.Status = StatusFailed
	m.mu.Unlock()
	m.emit(Event{Kind: EventFailed, Remote: remote, Err: lastErr})
	return nil, fmt.Errorf("connecting to %s at %s: %w", remote, address, lastErr)
}

// connectVia dials one transport and runs the handshake.
func (m *Manager) connectVia(ctx context.Context, t Transport, remote ref.Identity, address string) (net.Conn, error) {
	conn, err := t.DialContext(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dialing via %s: %w", t.Kind(), err)
	}

	if m.authenticator != nil {
		conn.SetDeadline(time.Now().Add(m.authTimeout))
		if err := Authenticate(conn, m.authenticator, m.local, remote); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticating via %s: %w", t.Kind(), err)
		}
		conn.SetDeadline(time.Time{})
	}
	return conn, nil
}

// Disconnect closes the connection to the remote identity, if any.
func (m *Manager) Disconnect(remote ref.Identity) error {
	m.mu.Lock()
	conn, exists := m.conns[remote.String()]
	var kind Kind
	if exists {
		delete(m.conns, remote.String())
		state := m.stateLocked(remote)
		state.Status = StatusDisconnected
		kind = state.Transport
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	err := conn.Close()
	m.emit(Event{Kind: EventDisconnected, Remote: remote, Transport: kind, Err: err})
	return err
}

// Listen binds a listener on the transport of the given kind and
// registers it for ShutdownAll.
func (m *Manager) Listen(kind Kind, address string) (Listener, error) {
	m.mu.Lock()
	var transport Transport
	for _, t := range m.transports {
		if t.Kind() == kind {
			transport = t
			break
		}
	}
	m.mu.Unlock()
	if transport == nil {
		return nil, fmt.Errorf("transport: no transport registered for kind %q", kind)
	}

	listener, err := transport.Listen(address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s via %s: %w", address, kind, err)
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
	return listener, nil
}

// ActiveConnections returns a snapshot of all known connection states,
// sorted by remote handle.
func (m *Manager) ActiveConnections() []ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]ConnectionState, 0, len(m.states))
	for _, state := range m.states {
		snapshot = append(snapshot, *state)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Remote.String() < snapshot[j].Remote.String()
	})
	return snapshot
}

// ShutdownAll closes every connection and listener. Best-effort: a
// failing close is recorded and teardown continues; the joined error
// is returned at the end.
func (m *Manager) ShutdownAll() error {
	m.mu.Lock()
	m.shutdown = true
	conns := m.conns
	m.conns = make(map[string]net.Conn)
	listeners := m.listeners
	m.listeners = nil
	var remotes []ref.Identity
	for handle, state := range m.states {
		if state.Status == StatusConnected {
			state.Status = StatusDisconnected
			if _, open := conns[handle]; open {
				remotes = append(remotes, state.Remote)
			}
		}
	}
	m.mu.Unlock()

	var errs []error
	for handle, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection to %s: %w", handle, err))
		}
	}
	for _, listener := range listeners {
		if err := listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing listener %s: %w", listener.Address(), err))
		}
	}
	for _, remote := range remotes {
		m.emit(Event{Kind: EventDisconnected, Remote: remote})
	}

	if len(errs) > 0 {
		m.logger.Warn("transport shutdown completed with errors", "errors", len(errs))
	}
	return errors.Join(errs...)
}

// stateLocked returns the remote's state record, creating it on first
// use. Caller holds m.mu.
func (m *Manager) stateLocked(remote ref.Identity) *ConnectionState {
	state := m.states[remote.String()]
	if state == nil {
		state = &ConnectionState{Remote: remote, Status: StatusDisconnected}
		m.states[remote.String()] = state
	}
	return state
}

// emit delivers an event without blocking connection work.
func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Warn("dropping transport event, consumer is behind",
			"kind", event.Kind,
			"remote", event.Remote,
		)
	}
}
