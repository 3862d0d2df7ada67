// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandem-foundation/tandem/lib/clock"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/lib/retry"
	"github.com/tandem-foundation/tandem/mesh"
)

// ErrTimedOut is returned when the peer's endpoint did not appear in
// the directory within the polling budget. Degraded-mode signal: the
// caller continues against local data and may retry later.
var ErrTimedOut = errors.New("discovery: timed out waiting for peer endpoint")

// DefaultPolicy is the standard discovery poll: 15 attempts 3 seconds
// apart, about 45 seconds of budget.
var DefaultPolicy = retry.Policy{MaxAttempts: 15, Interval: 3 * time.Second}

// Config wires a Supervisor.
type Config struct {
	// Directory is the identity directory to poll.
	Directory mesh.Directory

	// Policy overrides DefaultPolicy when MaxAttempts is positive.
	Policy retry.Policy

	// Clock paces the poll. Nil means real clock.
	Clock clock.Clock

	// Logger receives per-attempt progress. Nil means discard.
	Logger *slog.Logger
}

// Supervisor polls the identity directory for peer endpoints. Safe for
// concurrent use.
type Supervisor struct {
	directory mesh.Directory
	policy    retry.Policy
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("discovery: directory is required")
	}
	policy := cfg.Policy
	if policy.MaxAttempts < 1 {
		policy = DefaultPolicy
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		directory: cfg.Directory,
		policy:    policy,
		clock:     c,
		logger:    logger,
	}, nil
}

// WaitForPeerEndpoint polls until the remote identity's directory
// record carries a non-empty endpoint, the policy budget runs out
// (ErrTimedOut) or ctx is cancelled.
func (s *Supervisor) WaitForPeerEndpoint(ctx context.Context, remote ref.Identity) (string, error) {
	var endpoint string
	err := retry.Poll(ctx, s.clock, s.policy, func(ctx context.Context, n int) (bool, error) {
		record, found, err := s.directory.LookupIdentity(ctx, remote)
		if err != nil {
			s.logger.Warn("endpoint lookup failed",
				"identity", remote,
				"attempt", n,
				"error", err,
			)
			return false, err
		}
		if !found || record.Endpoint == "" {
			s.logger.Debug("peer endpoint not yet published",
				"identity", remote,
				"attempt", n,
				"max_attempts", s.policy.MaxAttempts,
			)
			return false, nil
		}
		endpoint = record.Endpoint
		return true, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return "", fmt.Errorf("%w: %s after %d attempts", ErrTimedOut, remote, s.policy.MaxAttempts)
		}
		return "", err
	}

	s.logger.Info("peer endpoint discovered", "identity", remote, "endpoint", endpoint)
	return endpoint, nil
}

// WaitUntilReady polls an arbitrary readiness probe on the same
// bounded policy. Used for node instance-readiness over the control
// channel: probe returns true once the peer answers.
func (s *Supervisor) WaitUntilReady(ctx context.Context, name string, probe func(ctx context.Context) (bool, error)) error {
	err := retry.Poll(ctx, s.clock, s.policy, func(ctx context.Context, n int) (bool, error) {
		ready, err := probe(ctx)
		if err != nil {
			s.logger.Debug("readiness probe failed",
				"target", name,
				"attempt", n,
				"error", err,
			)
			return false, err
		}
		if !ready {
			s.logger.Debug("not ready yet", "target", name, "attempt", n)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return fmt.Errorf("%w: %s never became ready", ErrTimedOut, name)
		}
		return err
	}
	return nil
}
