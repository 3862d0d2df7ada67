// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/tandem-foundation/tandem/access"
	"github.com/tandem-foundation/tandem/discovery"
	"github.com/tandem-foundation/tandem/identity"
	"github.com/tandem-foundation/tandem/lib/clock"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
	"github.com/tandem-foundation/tandem/pairing"
	"github.com/tandem-foundation/tandem/settings"
	"github.com/tandem-foundation/tandem/transport"
)

// BootstrapConfig wires the app-side startup sequence.
type BootstrapConfig struct {
	// Owner is the account being bootstrapped.
	Owner ref.Owner

	// Store is the persistent identity store. The only fatal
	// dependency: everything else degrades.
	Store *identity.Store

	// Settings is the instance settings tree.
	Settings *settings.Tree

	// Mesh is the synchronization service.
	Mesh mesh.Service

	// ControlSocket is the node instance's control socket path. Empty
	// skips provisioning and pairing (already-paired restarts).
	ControlSocket string

	// Discovery overrides the default endpoint poll when set.
	Discovery *discovery.Supervisor

	// Guard, when set, admits one bootstrap sequence per owner:
	// concurrent Bootstrap calls share a single run and its Session.
	Guard *Guard[*Session]

	// Clock drives pairing and discovery timing. Nil means real
	// clock.
	Clock clock.Clock

	// Logger receives bootstrap progress. Nil means discard.
	Logger *slog.Logger
}

// Session is the result of a bootstrap run. Degraded is true when the
// app is operating local-only: identity resolved but the node is not
// connected.
type Session struct {
	Instance   *identity.Instance
	Propagator *access.Propagator
	Manager    *transport.Manager
	Conn       net.Conn
	Degraded   bool
}

// Close tears down the session's transport and identity.
func (s *Session) Close() error {
	var err error
	if s.Manager != nil {
		err = s.Manager.ShutdownAll()
	}
	if s.Instance != nil {
		s.Instance.Close()
	}
	return err
}

// Bootstrap runs the app instance's startup sequence: resolve
// identity, start group-scoped access propagation, provision the node
// over the control socket, accept its invitation, discover its
// endpoint and connect.
//
// Only identity resolution is fatal. Every later step logs a warning
// on failure and returns a degraded session; the application keeps
// operating against local data.
//
// With cfg.Guard set the whole sequence runs at most once per owner;
// callers racing on startup share the first run's Session.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*Session, error) {
	if cfg.Guard != nil {
		return cfg.Guard.Do(ctx, cfg.Owner, func(ctx context.Context) (*Session, error) {
			return runBootstrap(ctx, cfg)
		})
	}
	return runBootstrap(ctx, cfg)
}

func runBootstrap(ctx context.Context, cfg BootstrapConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}

	// Step 1: identity. The one step that can abort startup.
	inst, err := cfg.Store.Resolve(ctx, cfg.Owner, ref.RoleApp)
	if err != nil {
		return nil, fmt.Errorf("resolving app identity: %w", err)
	}
	session := &Session{Instance: inst, Degraded: true}

	if cfg.Settings != nil {
		if err := cfg.Settings.Set(ctx, settings.KeyInstanceType, string(ref.RoleApp)); err != nil {
			logger.Warn("recording instance type failed", "error", err)
		}
		if err := cfg.Settings.Set(ctx, settings.KeyInstanceID, inst.Handle.String()); err != nil {
			logger.Warn("recording instance id failed", "error", err)
		}
	}

	if err := cfg.Mesh.PublishIdentity(ctx, mesh.IdentityRecord{
		Identity:  inst.Handle,
		PublicKey: inst.PublicKey,
		UpdatedAt: c.Now().UTC(),
	}); err != nil {
		logger.Warn("publishing app identity record failed", "error", err)
	}

	// Step 2: group-scoped access propagation. Independent of pairing
	// state: grants cite role groups, not identities, so they apply
	// before any contact exists.
	propagator, err := access.New(access.Config{
		Owner:    inst.Handle,
		Grants:   cfg.Mesh,
		Channels: cfg.Mesh,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	session.Propagator = propagator
	if err := propagator.GrantProfileAccess(ctx); err != nil {
		logger.Warn("profile access grant failed", "error", err)
	}
	channels, err := cfg.Mesh.ListChannels(ctx)
	if err != nil {
		logger.Warn("listing channels for access bulk pass failed", "error", err)
	} else if err := propagator.ApplyAll(ctx, channels); err != nil {
		logger.Warn("access bulk pass completed with failures", "error", err)
	}
	go func() {
		if err := propagator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("access propagation stopped", "error", err)
		}
	}()

	supervisor := cfg.Discovery
	if supervisor == nil {
		supervisor, err = discovery.New(discovery.Config{
			Directory: cfg.Mesh,
			Clock:     c,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	// Step 3: provision the node and pair with it. Skipped without a
	// control socket (restart of an already-paired app).
	remote := inst.Handle.Peer()
	if cfg.ControlSocket != "" {
		if err := provisionAndPair(ctx, cfg, supervisor, inst, remote, c, logger); err != nil {
			logger.Warn("node provisioning failed, continuing local-only", "error", err)
			markDisconnected(ctx, cfg.Settings, c, logger)
			return session, nil
		}
	}

	// Step 4: discover the node's endpoint.
	endpoint, err := supervisor.WaitForPeerEndpoint(ctx, remote)
	if err != nil {
		logger.Warn("peer endpoint discovery failed, continuing local-only",
			"remote", remote,
			"error", err,
		)
		markDisconnected(ctx, cfg.Settings, c, logger)
		return session, nil
	}

	// Step 5: connect.
	manager, err := transport.NewManager(transport.ManagerConfig{
		Local: inst.Handle,
		Authenticator: &transport.DirectoryAuthenticator{
			SignFunc:  inst.Sign,
			Directory: cfg.Mesh,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	manager.RegisterTransport(&transport.TCP{})
	session.Manager = manager

	conn, err := manager.Connect(ctx, remote, endpoint)
	if err != nil {
		logger.Warn("connecting to node failed, continuing local-only", "error", err)
		markDisconnected(ctx, cfg.Settings, c, logger)
		return session, nil
	}
	session.Conn = conn
	session.Degraded = false

	if cfg.Settings != nil {
		if err := cfg.Settings.SetNodeConnected(ctx, true, c.Now().UTC()); err != nil {
			logger.Warn("recording node connectivity failed", "error", err)
		}
	}
	go maintainConnectivityFlag(ctx, cfg.Settings, manager, c, logger)

	logger.Info("bootstrap complete", "identity", inst.Handle, "node", remote, "endpoint", endpoint)
	return session, nil
}

// provisionAndPair provisions the node over the control socket and
// accepts its invitation. The pairing event is consumed before this
// returns, so identity-scoped work that follows observes an
// established contact.
func provisionAndPair(
	ctx context.Context,
	cfg BootstrapConfig,
	supervisor *discovery.Supervisor,
	inst *identity.Instance,
	remote ref.Identity,
	c clock.Clock,
	logger *slog.Logger,
) error {
	client := &ControlClient{SocketPath: cfg.ControlSocket}

	// Wait for the node process to answer at all.
	if err := supervisor.WaitUntilReady(ctx, "node control channel", func(ctx context.Context) (bool, error) {
		_, err := client.Call(ctx, ControlRequest{Action: ActionInstanceInfo})
		if err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return err
	}

	response, err := client.Call(ctx, ControlRequest{
		Action:    ActionProvisionBackend,
		Identity:  inst.Handle.String(),
		PublicKey: inst.PublicKey,
	})
	if err != nil {
		return err
	}

	// The node runs against its own directory view; mirror its record
	// into ours so endpoint discovery and peer verification can find
	// it.
	if err := mirrorNodeRecord(ctx, cfg.Mesh, response, c); err != nil {
		return err
	}

	if response.Invitation == nil {
		// Repeat provision: the node considers us already paired.
		logger.Info("node already provisioned", "identity", response.Identity)
		return nil
	}

	coordinator, err := pairing.New(pairing.Config{
		Local:     inst.Handle,
		Contacts:  cfg.Mesh,
		Directory: cfg.Mesh,
		Clock:     c,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if _, err := coordinator.AcceptInvitation(ctx, *response.Invitation); err != nil {
		return err
	}
	event := <-coordinator.Events()
	logger.Info("paired with node", "remote", event.Remote)
	return nil
}

// mirrorNodeRecord publishes the node's identity record, as returned
// by provision-backend, into the app's directory view.
func mirrorNodeRecord(ctx context.Context, directory mesh.Directory, response ControlResponse, c clock.Clock) error {
	remote, err := ref.ParseIdentity(response.Identity)
	if err != nil {
		return fmt.Errorf("provision response identity %q: %w", response.Identity, err)
	}
	if len(response.PublicKey) == 0 {
		return fmt.Errorf("provision response for %s carries no public key", remote)
	}
	if err := directory.PublishIdentity(ctx, mesh.IdentityRecord{
		Identity:  remote,
		PublicKey: response.PublicKey,
		Endpoint:  response.Endpoint,
		UpdatedAt: c.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("recording node directory entry for %s: %w", remote, err)
	}
	return nil
}

// markDisconnected records the degraded state in settings.
func markDisconnected(ctx context.Context, tree *settings.Tree, c clock.Clock, logger *slog.Logger) {
	if tree == nil {
		return
	}
	if err := tree.SetNodeConnected(ctx, false, c.Now().UTC()); err != nil {
		logger.Warn("recording degraded state failed", "error", err)
	}
}

// maintainConnectivityFlag mirrors transport events into the
// iom.node.connected settings flag.
func maintainConnectivityFlag(ctx context.Context, tree *settings.Tree, manager *transport.Manager, c clock.Clock, logger *slog.Logger) {
	if tree == nil {
		return
	}
	for {
		select {
		case event, ok := <-manager.Events():
			if !ok {
				return
			}
			connected := event.Kind == transport.EventConnected
			if err := tree.SetNodeConnected(ctx, connected, c.Now().UTC()); err != nil {
				logger.Warn("updating node connectivity flag failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
