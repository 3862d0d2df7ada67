// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Tandem-node is the storage-hosting instance. It owns the account's
// synchronized data, binds the instance-to-instance transport, and
// answers provisioning requests from the UI-facing instance over the
// control socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tandem-foundation/tandem/identity"
	"github.com/tandem-foundation/tandem/instance"
	"github.com/tandem-foundation/tandem/lib/config"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
	"github.com/tandem-foundation/tandem/settings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tandem-node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to tandem.yaml (overrides TANDEM_CONFIG)")
	pflag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	owner, err := ref.ParseOwner(cfg.Owner)
	if err != nil {
		return fmt.Errorf("invalid owner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := identity.Open(identity.Config{
		DatabasePath: cfg.DatabasePath(),
		KeyPath:      cfg.KeyPath(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	tree, err := settings.New(ctx, store.Pool())
	if err != nil {
		return err
	}

	service := mesh.NewMemory()
	seedRoleGroups(service, owner)

	node, err := instance.NewNodeService(instance.NodeConfig{
		Owner:         owner,
		Store:         store,
		Settings:      tree,
		Mesh:          service,
		ListenAddress: cfg.Node.ListenAddress,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if manager := node.Manager(); manager != nil {
			if err := manager.ShutdownAll(); err != nil {
				logger.Warn("transport shutdown", "error", err)
			}
		}
	}()

	server := instance.NewControlServer(cfg.Paths.ControlSocket, node, logger)
	logger.Info("tandem-node starting", "owner", owner, "control_socket", cfg.Paths.ControlSocket)
	return server.Serve(ctx)
}

// seedRoleGroups populates the well-known groups with the owner's two
// instance identities. In-process service only; a shared deployment
// manages membership externally.
func seedRoleGroups(service *mesh.Memory, owner ref.Owner) {
	for _, role := range []ref.Role{ref.RoleApp, ref.RoleNode} {
		handle, err := ref.NewIdentity(owner, role)
		if err != nil {
			continue
		}
		service.AddGroupMember(ref.GroupFederation, handle)
		service.AddGroupMember(ref.GroupEveryone, handle)
	}
}

// loadConfig prefers the --config flag over TANDEM_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the structured logger from the logging section.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
}
