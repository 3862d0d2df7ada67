// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/tandem-foundation/tandem/lib/codec"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
)

// ProfileSubject is the grant subject for an identity's main profile
// object.
func ProfileSubject(owner ref.Identity) mesh.SubjectID {
	return mesh.SubjectID("profile:" + owner.String())
}

// DescriptorHash derives a channel's grant subject: the blake3 hash of
// the deterministically encoded descriptor. Deterministic encoding
// guarantees both instances compute the same subject for the same
// channel without coordination.
func DescriptorHash(descriptor mesh.ChannelDescriptor) (mesh.SubjectID, error) {
	encoded, err := codec.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("encoding channel descriptor %s: %w", descriptor.Channel, err)
	}
	sum := blake3.Sum256(encoded)
	return mesh.SubjectID("channel:" + hex.EncodeToString(sum[:])), nil
}

// GrantForChannel builds the additive, group-scoped grant for one
// channel. Pure: no identity grantees, no side effects.
func GrantForChannel(descriptor mesh.ChannelDescriptor, groups []ref.GroupID) (mesh.Grant, error) {
	subject, err := DescriptorHash(descriptor)
	if err != nil {
		return mesh.Grant{}, err
	}
	return mesh.Grant{
		Subject: subject,
		Owner:   descriptor.Owner,
		Groups:  append([]ref.GroupID(nil), groups...),
		Mode:    mesh.GrantAdd,
	}, nil
}

// Config wires a Propagator.
type Config struct {
	// Owner is the identity issuing grants.
	Owner ref.Identity

	// Grants applies grants against the synchronization service.
	Grants mesh.Grants

	// Channels supplies the channel list and creation subscription.
	Channels mesh.Channels

	// Groups overrides the default grant group set when non-empty.
	Groups []ref.GroupID

	// Logger receives per-channel progress. Nil means discard.
	Logger *slog.Logger
}

// Propagator issues group-scoped access grants for channels and the
// main profile. Safe for concurrent use; it holds no mutable state of
// its own.
type Propagator struct {
	owner    ref.Identity
	grants   mesh.Grants
	channels mesh.Channels
	groups   []ref.GroupID
	logger   *slog.Logger
}

// New creates a Propagator. The default group set is federation,
// replicant and everyone.
func New(cfg Config) (*Propagator, error) {
	if cfg.Owner.IsZero() {
		return nil, fmt.Errorf("access: owner identity is required")
	}
	if cfg.Grants == nil {
		return nil, fmt.Errorf("access: grant store is required")
	}
	groups := cfg.Groups
	if len(groups) == 0 {
		groups = ref.DefaultGrantGroups()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Propagator{
		owner:    cfg.Owner,
		grants:   cfg.Grants,
		channels: cfg.Channels,
		groups:   append([]ref.GroupID(nil), groups...),
		logger:   logger,
	}, nil
}

// GrantChannelAccess issues the group-scoped grant for one channel.
func (p *Propagator) GrantChannelAccess(ctx context.Context, descriptor mesh.ChannelDescriptor) error {
	grant, err := GrantForChannel(descriptor, p.groups)
	if err != nil {
		return err
	}
	if err := p.grants.Apply(ctx, grant); err != nil {
		return fmt.Errorf("granting access to channel %s: %w", descriptor.Channel, err)
	}
	p.logger.Debug("channel access granted",
		"channel", descriptor.Channel,
		"owner", descriptor.Owner,
		"groups", len(p.groups),
	)
	return nil
}

// GrantProfileAccess issues the group-scoped grant for the owner's
// main profile object.
func (p *Propagator) GrantProfileAccess(ctx context.Context) error {
	grant := mesh.Grant{
		Subject: ProfileSubject(p.owner),
		Owner:   p.owner,
		Groups:  append([]ref.GroupID(nil), p.groups...),
		Mode:    mesh.GrantAdd,
	}
	if err := p.grants.Apply(ctx, grant); err != nil {
		return fmt.Errorf("granting profile access for %s: %w", p.owner, err)
	}
	return nil
}

// ApplyAll runs the startup bulk pass over the given channels. A
// channel that fails is logged and skipped so one bad descriptor
// cannot block the rest; the last error is returned after the full
// pass.
func (p *Propagator) ApplyAll(ctx context.Context, channels []mesh.ChannelDescriptor) error {
	var lastErr error
	for _, descriptor := range channels {
		if err := p.GrantChannelAccess(ctx, descriptor); err != nil {
			p.logger.Warn("skipping channel in access bulk pass",
				"channel", descriptor.Channel,
				"error", err,
			)
			lastErr = err
		}
	}
	return lastErr
}

// Run subscribes to channel-created events and issues one grant per
// new channel until ctx is cancelled. After subscribing it runs a
// catch-up pass over the existing channels, so a channel created
// between startup and subscription attach is never missed. Failures
// are logged and do not stop the loop.
func (p *Propagator) Run(ctx context.Context) error {
	if p.channels == nil {
		return fmt.Errorf("access: channel service is required to run the propagator")
	}
	created, err := p.channels.SubscribeCreated(ctx)
	if err != nil {
		return fmt.Errorf("access: subscribing to channel-created events: %w", err)
	}

	// Catch-up: anything created before the subscription attached.
	// Additive grants are idempotent, so overlap with the event
	// stream is harmless.
	if existing, err := p.channels.ListChannels(ctx); err != nil {
		p.logger.Warn("listing channels for catch-up failed", "error", err)
	} else if err := p.ApplyAll(ctx, existing); err != nil {
		p.logger.Warn("catch-up pass completed with failures", "error", err)
	}

	for {
		select {
		case descriptor, ok := <-created:
			if !ok {
				return ctx.Err()
			}
			if err := p.GrantChannelAccess(ctx, descriptor); err != nil {
				p.logger.Warn("granting access to new channel failed",
					"channel", descriptor.Channel,
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
