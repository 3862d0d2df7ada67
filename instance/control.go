// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tandem-foundation/tandem/lib/codec"
	"github.com/tandem-foundation/tandem/pairing"
)

// Control channel actions.
const (
	// ActionProvisionBackend asks the node instance to resolve its
	// identity, bind its transport and issue a pairing invitation.
	// Idempotent: a repeat returns the same identity and no new
	// invitation.
	ActionProvisionBackend = "provision-backend"

	// ActionInstanceInfo asks for the node's owner and identity. Also
	// serves as the readiness probe.
	ActionInstanceInfo = "instance-info"
)

// controlIOTimeout bounds one request/response exchange on the
// control socket.
const controlIOTimeout = 30 * time.Second

// ControlRequest is one CBOR-encoded request on the control socket.
// Identity and PublicKey name the requesting instance; the node
// publishes them into its own directory view so inbound connections
// from the requester can be verified without a shared directory.
type ControlRequest struct {
	Action    string `cbor:"action"`
	Identity  string `cbor:"identity,omitempty"`
	PublicKey []byte `cbor:"public_key,omitempty"`
}

// ControlResponse is the reply to a ControlRequest. Ok=false carries
// Error; the remaining fields depend on the action. PublicKey is the
// responding instance's signing key, so the requester can mirror the
// node's directory record into its own view.
type ControlResponse struct {
	Ok         bool                `cbor:"ok"`
	Error      string              `cbor:"error,omitempty"`
	Owner      string              `cbor:"owner,omitempty"`
	Identity   string              `cbor:"identity,omitempty"`
	PublicKey  []byte              `cbor:"public_key,omitempty"`
	Endpoint   string              `cbor:"endpoint,omitempty"`
	Invitation *pairing.Invitation `cbor:"invitation,omitempty"`
}

// ControlHandler serves control actions. Implemented by NodeService.
type ControlHandler interface {
	HandleControl(ctx context.Context, request ControlRequest) ControlResponse
}

// ControlServer accepts control connections on a Unix socket, one
// request/response exchange per connection.
type ControlServer struct {
	socketPath string
	handler    ControlHandler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewControlServer creates a server for the given socket path. Any
// stale socket file is removed when Serve binds.
func NewControlServer(socketPath string, handler ControlHandler, logger *slog.Logger) *ControlServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ControlServer{socketPath: socketPath, handler: handler, logger: logger}
}

// Serve binds the Unix socket and handles connections until ctx is
// cancelled. Returns nil on clean shutdown.
func (s *ControlServer) Serve(ctx context.Context) error {
	// A socket file left behind by an unclean shutdown would make the
	// bind fail with "address already in use".
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale control socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding control socket %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control channel listening", "socket", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting control connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs one request/response exchange.
func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlIOTimeout))

	var request ControlRequest
	if err := codec.NewDecoder(conn).Decode(&request); err != nil {
		s.logger.Warn("malformed control request", "error", err)
		return
	}

	response := s.handler.HandleControl(ctx, request)
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Warn("writing control response", "action", request.Action, "error", err)
	}
}

// ControlClient calls a node instance's control socket.
type ControlClient struct {
	// SocketPath is the node's control socket.
	SocketPath string
}

// Call sends one request and reads the reply. A response with
// Ok=false is returned as an error.
func (c *ControlClient) Call(ctx context.Context, request ControlRequest) (ControlResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return ControlResponse{}, fmt.Errorf("dialing control socket %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(controlIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return ControlResponse{}, fmt.Errorf("sending %s request: %w", request.Action, err)
	}
	var response ControlResponse
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return ControlResponse{}, fmt.Errorf("reading %s response: %w", request.Action, err)
	}
	if !response.Ok {
		return response, fmt.Errorf("control action %s failed: %s", request.Action, response.Error)
	}
	return response, nil
}
