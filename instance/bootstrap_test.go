// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandem-foundation/tandem/access"
	"github.com/tandem-foundation/tandem/discovery"
	"github.com/tandem-foundation/tandem/identity"
	"github.com/tandem-foundation/tandem/lib/retry"
	"github.com/tandem-foundation/tandem/mesh"
	"github.com/tandem-foundation/tandem/settings"
)

func newTestStore(t *testing.T, name string) *identity.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := identity.Open(identity.Config{
		DatabasePath: filepath.Join(dir, name+".db"),
		KeyPath:      filepath.Join(dir, name+".key"),
	})
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSettings(t *testing.T, store *identity.Store) *settings.Tree {
	t.Helper()
	tree, err := settings.New(context.Background(), store.Pool())
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	return tree
}

// startNode brings up a NodeService with its control server and
// returns the control socket path.
func startNode(t *testing.T, ctx context.Context, service *mesh.Memory) string {
	t.Helper()
	store := newTestStore(t, "node")
	node, err := NewNodeService(NodeConfig{
		Owner:    "alice",
		Store:    store,
		Settings: newTestSettings(t, store),
		Mesh:     service,
	})
	if err != nil {
		t.Fatalf("NewNodeService: %v", err)
	}

	socketPath := filepath.Join(t.TempDir(), "node.sock")
	server := NewControlServer(socketPath, node, nil)
	go server.Serve(ctx)

	// Wait for the control channel to answer.
	client := &ControlClient{SocketPath: socketPath}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.Call(ctx, ControlRequest{Action: ActionInstanceInfo}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node control channel never became reachable")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return socketPath
}

func fastDiscovery(t *testing.T, service *mesh.Memory, attempts int) *discovery.Supervisor {
	t.Helper()
	supervisor, err := discovery.New(discovery.Config{
		Directory: service,
		Policy:    retry.Policy{MaxAttempts: attempts, Interval: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("discovery.New: %v", err)
	}
	return supervisor
}

func TestBootstrapProvisionsPairsAndConnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := mesh.NewMemory()
	socketPath := startNode(t, ctx, service)

	appStore := newTestStore(t, "app")
	appSettings := newTestSettings(t, appStore)
	session, err := Bootstrap(ctx, BootstrapConfig{
		Owner:         "alice",
		Store:         appStore,
		Settings:      appSettings,
		Mesh:          service,
		ControlSocket: socketPath,
		Discovery:     fastDiscovery(t, service, 15),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer session.Close()

	if session.Degraded {
		t.Fatal("session is degraded; expected a connected bootstrap")
	}
	if session.Conn == nil {
		t.Fatal("no transport connection")
	}

	// Pairing left a bidirectional contact record.
	app := session.Instance.Handle
	node := app.Peer()
	established, err := service.Established(ctx, app, node)
	if err != nil || !established {
		t.Errorf("Established = %v, %v; pairing should have created the contact", established, err)
	}

	// Settings flags reflect the connected federation.
	instanceType, _, err := appSettings.Get(ctx, settings.KeyInstanceType)
	if err != nil || instanceType != "app" {
		t.Errorf("instance.type = %q, %v", instanceType, err)
	}
	connected, err := appSettings.GetBool(ctx, settings.KeyNodeConnected)
	if err != nil || !connected {
		t.Errorf("iom.node.connected = %v, %v; want true", connected, err)
	}
	updatedAt, err := appSettings.GetTime(ctx, settings.KeyNodeUpdatedAt)
	if err != nil || updatedAt.IsZero() {
		t.Errorf("iom.node.updated_at = %v, %v", updatedAt, err)
	}
}

func TestSecondProvisionReturnsSameIdentityAndNoInvitation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := mesh.NewMemory()
	socketPath := startNode(t, ctx, service)
	client := &ControlClient{SocketPath: socketPath}

	first, err := client.Call(ctx, ControlRequest{Action: ActionProvisionBackend})
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	if first.Invitation == nil {
		t.Fatal("first provision carried no invitation")
	}

	second, err := client.Call(ctx, ControlRequest{Action: ActionProvisionBackend})
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if second.Identity != first.Identity {
		t.Errorf("second provision identity = %q, first = %q; must be stable", second.Identity, first.Identity)
	}
	if second.Endpoint != first.Endpoint {
		t.Errorf("second provision endpoint = %q, first = %q", second.Endpoint, first.Endpoint)
	}
	if second.Invitation != nil {
		t.Error("second provision issued a new invitation")
	}
}

func TestChannelCreatedAfterPairingGetsOneGroupGrant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := mesh.NewMemory()
	socketPath := startNode(t, ctx, service)

	appStore := newTestStore(t, "app")
	session, err := Bootstrap(ctx, BootstrapConfig{
		Owner:         "alice",
		Store:         appStore,
		Mesh:          service,
		ControlSocket: socketPath,
		Discovery:     fastDiscovery(t, service, 15),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer session.Close()

	descriptor := mesh.ChannelDescriptor{
		Channel: "messages:2026",
		Owner:   session.Instance.Handle,
	}
	if err := service.CreateChannel(ctx, descriptor); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	subject, err := access.DescriptorHash(descriptor)
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		set, err := service.Effective(ctx, subject)
		if err != nil {
			t.Fatalf("Effective: %v", err)
		}
		if len(set.Groups) == 3 {
			if len(set.Identities) != 0 {
				t.Errorf("channel grant cites identities %v; must be group-scoped", set.Identities)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel never granted; effective = %+v", set)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBootstrapDegradesWithoutNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := mesh.NewMemory()

	appStore := newTestStore(t, "app")
	appSettings := newTestSettings(t, appStore)
	session, err := Bootstrap(ctx, BootstrapConfig{
		Owner:     "alice",
		Store:     appStore,
		Settings:  appSettings,
		Mesh:      service,
		Discovery: fastDiscovery(t, service, 2),
	})
	if err != nil {
		t.Fatalf("Bootstrap without a node must degrade, not fail: %v", err)
	}
	defer session.Close()

	if !session.Degraded {
		t.Error("session should be degraded with no node to discover")
	}
	if session.Instance == nil {
		t.Error("degraded session still carries the resolved identity")
	}
	connected, err := appSettings.GetBool(ctx, settings.KeyNodeConnected)
	if err != nil || connected {
		t.Errorf("iom.node.connected = %v, %v; want false", connected, err)
	}
}

func TestBootstrapFederatesAcrossSeparateMeshStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each process carries its own directory view, as the shipped
	// binaries do.
	nodeMesh := mesh.NewMemory()
	socketPath := startNode(t, ctx, nodeMesh)

	appMesh := mesh.NewMemory()
	appStore := newTestStore(t, "app")
	session, err := Bootstrap(ctx, BootstrapConfig{
		Owner:         "alice",
		Store:         appStore,
		Mesh:          appMesh,
		ControlSocket: socketPath,
		Discovery:     fastDiscovery(t, appMesh, 15),
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer session.Close()

	if session.Degraded {
		t.Fatal("bootstrap degraded with per-process directory views")
	}
	if session.Conn == nil {
		t.Fatal("no transport connection")
	}

	app := session.Instance.Handle
	node := app.Peer()

	// The app mirrored the node's record into its own view.
	record, found, err := appMesh.LookupIdentity(ctx, node)
	if err != nil || !found {
		t.Fatalf("LookupIdentity(%s) in app view = %v, %v", node, found, err)
	}
	if record.Endpoint == "" || len(record.PublicKey) == 0 {
		t.Errorf("mirrored node record = %+v, want endpoint and public key", record)
	}

	// The node learned the app's record over the control channel.
	if _, found, err := nodeMesh.LookupIdentity(ctx, app); err != nil || !found {
		t.Errorf("LookupIdentity(%s) in node view = %v, %v", app, found, err)
	}

	// The authenticated inbound connection records the contact in the
	// node's view, driving its pairing watcher.
	deadline := time.Now().Add(5 * time.Second)
	for {
		established, err := nodeMesh.Established(ctx, node, app)
		if err != nil {
			t.Fatalf("Established: %v", err)
		}
		if established {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node view never recorded the peer contact")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentBootstrapRunsOneSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service := mesh.NewMemory()
	socketPath := startNode(t, ctx, service)

	appStore := newTestStore(t, "app")
	cfg := BootstrapConfig{
		Owner:         "alice",
		Store:         appStore,
		Mesh:          service,
		ControlSocket: socketPath,
		Discovery:     fastDiscovery(t, service, 15),
		Guard:         NewGuard[*Session](),
	}

	results := make(chan *Session, 4)
	for range 4 {
		go func() {
			session, err := Bootstrap(ctx, cfg)
			if err != nil {
				t.Errorf("Bootstrap: %v", err)
				results <- nil
				return
			}
			results <- session
		}()
	}

	var first *Session
	for range 4 {
		session := <-results
		if session == nil {
			continue
		}
		if first == nil {
			first = session
		} else if session != first {
			t.Error("concurrent Bootstrap calls ran more than one sequence")
		}
	}
	if first != nil {
		first.Close()
	}
}
