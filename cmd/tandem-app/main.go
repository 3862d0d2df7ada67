// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Tandem-app is the UI-facing instance. On startup it resolves its
// own identity, provisions the node instance over the control socket,
// pairs with it, and connects the instance-to-instance transport.
// Every step past identity resolution degrades to local-only
// operation instead of failing startup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tandem-foundation/tandem/discovery"
	"github.com/tandem-foundation/tandem/identity"
	"github.com/tandem-foundation/tandem/instance"
	"github.com/tandem-foundation/tandem/lib/config"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/lib/retry"
	"github.com/tandem-foundation/tandem/mesh"
	"github.com/tandem-foundation/tandem/settings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tandem-app: %v\n", err)
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
	supervisor, err := discovery.New(discovery.Config{
		Directory: service,
		Policy: retry.Policy{
			MaxAttempts: cfg.Discovery.MaxAttempts,
			Interval:    cfg.Discovery.Interval,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	session, err := instance.Bootstrap(ctx, instance.BootstrapConfig{
		Owner:         owner,
		Store:         store,
		Settings:      tree,
		Mesh:          service,
		ControlSocket: cfg.Paths.ControlSocket,
		Discovery:     supervisor,
		Guard:         instance.NewGuard[*instance.Session](),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if session.Degraded {
		logger.Warn("running local-only, node instance not connected")
	} else {
		logger.Info("federation established", "identity", session.Instance.Handle)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
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
