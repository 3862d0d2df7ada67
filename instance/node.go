// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tandem-foundation/tandem/identity"
	"github.com/tandem-foundation/tandem/lib/clock"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
	"github.com/tandem-foundation/tandem/pairing"
	"github.com/tandem-foundation/tandem/settings"
	"github.com/tandem-foundation/tandem/transport"
)

// NodeConfig wires a NodeService.
type NodeConfig struct {
	// Owner is the account whose node instance this is.
	Owner ref.Owner

	// Store is the persistent identity store.
	Store *identity.Store

	// Settings is the instance settings tree.
	Settings *settings.Tree

	// Mesh is the synchronization service.
	Mesh mesh.Service

	// ListenAddress is where the transport listener binds. Default
	// "127.0.0.1:0".
	ListenAddress string

	// Clock drives invitation expiry. Nil means real clock.
	Clock clock.Clock

	// Logger receives provisioning progress. Nil means discard.
	Logger *slog.Logger
}

// NodeService is the storage-hosting instance's provisioning side: it
// answers control requests from the app instance, resolves the node
// identity, binds the transport and issues the one pairing invitation.
type NodeService struct {
	owner         ref.Owner
	store         *identity.Store
	settings      *settings.Tree
	service       mesh.Service
	listenAddress string
	clock         clock.Clock
	logger        *slog.Logger
	guard         *Guard[*identity.Instance]

	mu          sync.Mutex
	provisioned bool
	instance    *identity.Instance
	endpoint    string
	coordinator *pairing.Coordinator
	manager     *transport.Manager
}

// NewNodeService creates the node-side control handler.
func NewNodeService(cfg NodeConfig) (*NodeService, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("instance: owner is required")
	}
	if cfg.Store == nil || cfg.Mesh == nil {
		return nil, fmt.Errorf("instance: identity store and mesh service are required")
	}
	address := cfg.ListenAddress
	if address == "" {
		address = "127.0.0.1:0"
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	n := &NodeService{
		owner:         cfg.Owner,
		store:         cfg.Store,
		settings:      cfg.Settings,
		service:       cfg.Mesh,
		listenAddress: address,
		clock:         c,
		logger:        logger,
		guard:         NewGuard[*identity.Instance](),
	}
	return n, nil
}

// resolve returns the node identity, deduplicating concurrent control
// requests racing on first-time creation.
func (n *NodeService) resolve(ctx context.Context) (*identity.Instance, error) {
	return n.guard.Do(ctx, n.owner, func(ctx context.Context) (*identity.Instance, error) {
		return n.store.Resolve(ctx, n.owner, ref.RoleNode)
	})
}

// Manager exposes the transport manager after provisioning, for
// shutdown wiring. Nil before the first provision-backend.
func (n *NodeService) Manager() *transport.Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.manager
}

// HandleControl serves one control action.
func (n *NodeService) HandleControl(ctx context.Context, request ControlRequest) ControlResponse {
	switch request.Action {
	case ActionProvisionBackend:
		return n.provision(ctx, request)
	case ActionInstanceInfo:
		return n.info(ctx)
	default:
		return ControlResponse{Error: fmt.Sprintf("unknown action %q", request.Action)}
	}
}

// info resolves the node identity and reports it. Doubles as the
// readiness probe: a reply means the node process is up and its store
// is reachable.
func (n *NodeService) info(ctx context.Context) ControlResponse {
	inst, err := n.resolve(ctx)
	if err != nil {
		return ControlResponse{Error: err.Error()}
	}
	return ControlResponse{
		Ok:       true,
		Owner:    string(n.owner),
		Identity: inst.Handle.String(),
	}
}

// registerRequester publishes the requesting instance's identity
// record into the node's directory view. Each process carries its own
// view; without this record the node cannot verify inbound connections
// from the requester.
func (n *NodeService) registerRequester(ctx context.Context, request ControlRequest) error {
	if request.Identity == "" || len(request.PublicKey) == 0 {
		return nil
	}
	requester, err := ref.ParseIdentity(request.Identity)
	if err != nil {
		return fmt.Errorf("invalid requester identity %q: %w", request.Identity, err)
	}
	if err := n.service.PublishIdentity(ctx, mesh.IdentityRecord{
		Identity:  requester,
		PublicKey: request.PublicKey,
		UpdatedAt: n.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording requester identity %s: %w", requester, err)
	}
	return nil
}

// provision resolves the node identity, binds the transport listener,
// publishes the directory record and issues the pairing invitation.
// Idempotent: a repeat returns the same identity and endpoint with no
// new invitation.
func (n *NodeService) provision(ctx context.Context, request ControlRequest) ControlResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.registerRequester(ctx, request); err != nil {
		return ControlResponse{Error: err.Error()}
	}

	if n.provisioned {
		n.logger.Info("repeat provision request, returning existing identity",
			"identity", n.instance.Handle,
		)
		return ControlResponse{
			Ok:        true,
			Owner:     string(n.owner),
			Identity:  n.instance.Handle.String(),
			PublicKey: n.instance.PublicKey,
			Endpoint:  n.endpoint,
		}
	}

	inst, err := n.resolve(ctx)
	if err != nil {
		return ControlResponse{Error: fmt.Sprintf("resolving node identity: %v", err)}
	}

	if n.settings != nil {
		if err := n.settings.Set(ctx, settings.KeyInstanceType, string(ref.RoleNode)); err != nil {
			return ControlResponse{Error: fmt.Sprintf("recording instance type: %v", err)}
		}
		if err := n.settings.Set(ctx, settings.KeyInstanceID, inst.Handle.String()); err != nil {
			return ControlResponse{Error: fmt.Sprintf("recording instance id: %v", err)}
		}
	}

	endpoint, err := n.bindTransport(ctx, inst)
	if err != nil {
		return ControlResponse{Error: err.Error()}
	}

	if err := n.service.PublishIdentity(ctx, mesh.IdentityRecord{
		Identity:  inst.Handle,
		PublicKey: inst.PublicKey,
		Endpoint:  endpoint,
		UpdatedAt: n.clock.Now().UTC(),
	}); err != nil {
		return ControlResponse{Error: fmt.Sprintf("publishing identity record: %v", err)}
	}

	coordinator, err := pairing.New(pairing.Config{
		Local:     inst.Handle,
		Contacts:  n.service,
		Directory: n.service,
		Clock:     n.clock,
		Logger:    n.logger,
	})
	if err != nil {
		return ControlResponse{Error: fmt.Sprintf("creating pairing coordinator: %v", err)}
	}
	invitation, err := coordinator.IssueInvitation(endpoint, inst.PublicKey)
	if err != nil {
		return ControlResponse{Error: fmt.Sprintf("issuing invitation: %v", err)}
	}
	coordinator.InvitationDelivered()
	go func() {
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Warn("pairing watcher stopped", "error", err)
		}
	}()

	n.provisioned = true
	n.instance = inst
	n.endpoint = endpoint
	n.coordinator = coordinator

	n.logger.Info("node provisioned", "identity", inst.Handle, "endpoint", endpoint)
	return ControlResponse{
		Ok:         true,
		Owner:      string(n.owner),
		Identity:   inst.Handle.String(),
		PublicKey:  inst.PublicKey,
		Endpoint:   endpoint,
		Invitation: &invitation,
	}
}

// bindTransport brings up the node's transport manager and listener.
// Caller holds n.mu.
func (n *NodeService) bindTransport(ctx context.Context, inst *identity.Instance) (string, error) {
	manager, err := transport.NewManager(transport.ManagerConfig{
		Local: inst.Handle,
		Authenticator: &transport.DirectoryAuthenticator{
			SignFunc:  inst.Sign,
			Directory: n.service,
		},
		Logger: n.logger,
	})
	if err != nil {
		return "", fmt.Errorf("creating transport manager: %w", err)
	}
	manager.RegisterTransport(&transport.TCP{})

	listener, err := manager.Listen(transport.KindTCP, n.listenAddress)
	if err != nil {
		return "", err
	}

	local := inst.Handle
	remote := local.Peer()
	authenticator := &transport.DirectoryAuthenticator{
		SignFunc:  inst.Sign,
		Directory: n.service,
	}
	go listener.Serve(ctx, func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		if err := transport.Authenticate(conn, authenticator, local, remote); err != nil {
			n.logger.Warn("inbound peer failed authentication", "error", err)
			return
		}
		n.logger.Info("peer instance connected", "remote", remote)
		// A mutually authenticated connection proves the peer accepted
		// the invitation; record the contact in the node's own view so
		// the pairing watcher observes it even when the acceptance
		// happened against a different store.
		if err := n.service.Establish(ctx, mesh.Contact{
			Local:         local,
			Remote:        remote,
			EstablishedAt: n.clock.Now().UTC(),
		}); err != nil {
			n.logger.Warn("recording peer contact failed", "error", err)
		}
		<-ctx.Done()
	})

	n.manager = manager
	return listener.Address(), nil
}
