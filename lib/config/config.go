// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Tandem instances.
//
// Configuration is loaded from a single YAML file specified by:
//   - TANDEM_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. The
// only expansion performed is ${VAR} / ${VAR:-default} in path values
// for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Tandem instance.
type Config struct {
	// Owner is the account name this instance belongs to.
	Owner string `yaml:"owner"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Node configures the storage-hosting instance.
	Node NodeConfig `yaml:"node"`

	// Discovery configures the peer endpoint poll.
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Tandem data.
	Root string `yaml:"root"`

	// State is where the instance database and key file live.
	State string `yaml:"state"`

	// ControlSocket is the node instance's control socket path. The
	// app instance dials it; the node instance binds it.
	ControlSocket string `yaml:"control_socket"`
}

// NodeConfig configures the storage-hosting instance.
type NodeConfig struct {
	// ListenAddress is where the node binds its transport listener.
	// Use ":0" for a random available port.
	ListenAddress string `yaml:"listen_address"`
}

// DiscoveryConfig configures the peer endpoint poll.
type DiscoveryConfig struct {
	// MaxAttempts is the total number of directory polls before the
	// app gives up and runs local-only.
	MaxAttempts int `yaml:"max_attempts"`

	// Interval is the pause between polls.
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; they exist to give every
// field a sensible zero-value, not as a fallback; the config file is
// required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "tandem")

	return &Config{
		Paths: PathsConfig{
			Root:          defaultRoot,
			State:         filepath.Join(defaultRoot, "state"),
			ControlSocket: filepath.Join(defaultRoot, "node.sock"),
		},
		Node: NodeConfig{
			ListenAddress: "127.0.0.1:0",
		},
		Discovery: DiscoveryConfig{
			MaxAttempts: 15,
			Interval:    3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the TANDEM_CONFIG environment
// variable. There are no fallbacks: if TANDEM_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TANDEM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TANDEM_CONFIG environment variable not set; " +
			"set it to the path of your tandem.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. Path fields support ${VAR} expansion.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TANDEM_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TANDEM_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.ControlSocket = expandVars(c.Paths.ControlSocket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Owner == "" {
		errs = append(errs, fmt.Errorf("owner is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.ControlSocket == "" {
		errs = append(errs, fmt.Errorf("paths.control_socket is required"))
	}
	if c.Discovery.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("discovery.max_attempts must be at least 1"))
	}
	if c.Discovery.Interval < 0 {
		errs = append(errs, fmt.Errorf("discovery.interval must not be negative"))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// DatabasePath returns the instance database location under State.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.State, "instance.db")
}

// KeyPath returns the instance key file location under State.
func (c *Config) KeyPath() string {
	return filepath.Join(c.Paths.State, "instance.key")
}
