// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-foundation/tandem/lib/clock"
	"github.com/tandem-foundation/tandem/lib/ref"
	"github.com/tandem-foundation/tandem/mesh"
)

// ErrInvitationRejected indicates an invalid, expired or
// already-consumed invitation. Non-fatal: the caller continues in
// local-only mode.
var ErrInvitationRejected = errors.New("pairing: invitation rejected")

// DefaultInvitationTTL is how long an issued invitation stays
// acceptable. The invitation crosses a local control channel, so the
// window only needs to cover the app instance's startup.
const DefaultInvitationTTL = 10 * time.Minute

// Invitation is the single-use pairing invitation. Token, URL and
// PublicKey form the external representation passed whole across the
// control channel; Expiry rides along so the acceptor can enforce the
// freshness window itself.
type Invitation struct {
	Token     string    `cbor:"token" json:"token"`
	URL       string    `cbor:"url" json:"url"`
	PublicKey string    `cbor:"publicKey" json:"publicKey"`
	Expiry    time.Time `cbor:"expiry,omitempty" json:"expiry,omitempty"`
}

// State is a pairing state-machine state.
type State string

const (
	StateIdle               State = "idle"
	StateInvitationIssued   State = "invitation-issued"
	StateAwaitingAcceptance State = "awaiting-acceptance"
	StateAwaitingInvitation State = "awaiting-invitation"
	StatePaired             State = "paired"
	StateFailed             State = "failed"
)

// terminal reports whether no further transition may leave the state.
func (s State) terminal() bool { return s == StatePaired || s == StateFailed }

// Event reports a pairing success: both identity handles plus which
// side initiated (true on the accepting instance, false on the
// issuing one).
type Event struct {
	Local     ref.Identity
	Remote    ref.Identity
	Initiator bool
}

// Config wires a Coordinator.
type Config struct {
	// Local is this instance's identity handle.
	Local ref.Identity

	// Contacts is the synchronization service's contact store.
	Contacts mesh.Contacts

	// Directory, when set, is consulted after acceptance to
	// cross-check the invitation's public key against the issuer's
	// published record. A mismatch is logged, not fatal (see
	// AcceptInvitation).
	Directory mesh.Directory

	// InvitationTTL overrides DefaultInvitationTTL when positive.
	InvitationTTL time.Duration

	// Clock supplies issue and expiry times. Nil means real clock.
	Clock clock.Clock

	// Logger receives pairing progress. Nil means discard.
	Logger *slog.Logger
}

// Coordinator drives one instance's side of the pairing handshake.
// Safe for concurrent use.
type Coordinator struct {
	local     ref.Identity
	contacts  mesh.Contacts
	directory mesh.Directory
	ttl       time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	issued   map[string]Invitation
	consumed map[string]bool

	events chan Event
}

// New creates a Coordinator in StateIdle.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Local.IsZero() {
		return nil, fmt.Errorf("pairing: local identity is required")
	}
	if cfg.Contacts == nil {
		return nil, fmt.Errorf("pairing: contact store is required")
	}
	ttl := cfg.InvitationTTL
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		local:     cfg.Local,
		contacts:  cfg.Contacts,
		directory: cfg.Directory,
		ttl:       ttl,
		clock:     c,
		logger:    logger,
		state:     StateIdle,
		issued:    make(map[string]Invitation),
		consumed:  make(map[string]bool),
		events:    make(chan Event, 4),
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events delivers pairing-success events. Buffered; the bootstrap
// sequence reads it before performing identity-scoped work.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// IssueInvitation mints a single-use invitation bound to the issuing
// instance's endpoint and public key. Only the storage-hosting
// instance issues invitations.
func (c *Coordinator) IssueInvitation(endpoint string, publicKey ed25519.PublicKey) (Invitation, error) {
	if c.local.Role() != ref.RoleNode {
		return Invitation{}, fmt.Errorf("pairing: only the node instance issues invitations, local is %s", c.local)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return Invitation{}, fmt.Errorf("pairing: cannot issue in state %s", c.state)
	}

	invitation := Invitation{
		Token:     uuid.NewString(),
		URL:       endpoint,
		PublicKey: hex.EncodeToString(publicKey),
		Expiry:    c.clock.Now().Add(c.ttl).UTC(),
	}
	c.issued[invitation.Token] = invitation
	c.state = StateInvitationIssued
	c.logger.Info("pairing invitation issued",
		"issuer", c.local,
		"endpoint", endpoint,
		"expiry", invitation.Expiry,
	)
	return invitation, nil
}

// InvitationDelivered marks the issued invitation as handed to the
// peer instance; the issuer now awaits acceptance via the contact-
// established subscription.
func (c *Coordinator) InvitationDelivered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInvitationIssued {
		c.state = StateAwaitingAcceptance
	}
}

// AcceptInvitation validates and consumes an invitation, establishing
// bidirectional contact records between the local identity and the
// same owner's peer instance. On success a pairing Event is emitted
// before AcceptInvitation returns.
//
// Low-level handshake warnings (a public key in the invitation that
// does not match the issuer's published directory record) are logged
// at WARN with full context and do not fail an acceptance whose
// contact record was established. They must be investigated, not
// suppressed: the log line is the investigation hook.
func (c *Coordinator) AcceptInvitation(ctx context.Context, invitation Invitation) (mesh.Contact, error) {
	c.mu.Lock()
	if c.state.terminal() {
		state := c.state
		c.mu.Unlock()
		return mesh.Contact{}, fmt.Errorf("%w: coordinator already %s", ErrInvitationRejected, state)
	}
	c.state = StateAwaitingInvitation

	if err := c.validateInvitation(invitation); err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		c.logger.Warn("pairing invitation rejected",
			"local", c.local,
			"error", err,
		)
		return mesh.Contact{}, err
	}
	c.consumed[invitation.Token] = true
	c.mu.Unlock()

	remote := c.local.Peer()
	contact := mesh.Contact{
		Local:         c.local,
		Remote:        remote,
		EstablishedAt: c.clock.Now().UTC(),
	}
	if err := c.contacts.Establish(ctx, contact); err != nil {
		c.fail()
		return mesh.Contact{}, fmt.Errorf("establishing contact %s -> %s: %w", c.local, remote, err)
	}
	reverse := mesh.Contact{Local: remote, Remote: c.local, EstablishedAt: contact.EstablishedAt}
	if err := c.contacts.Establish(ctx, reverse); err != nil {
		c.fail()
		return mesh.Contact{}, fmt.Errorf("establishing contact %s -> %s: %w", remote, c.local, err)
	}

	c.checkIssuerKey(ctx, invitation, remote)

	c.mu.Lock()
	c.state = StatePaired
	c.mu.Unlock()

	c.logger.Info("pairing accepted", "local", c.local, "remote", remote)
	c.events <- Event{Local: c.local, Remote: remote, Initiator: true}
	return contact, nil
}

// Run consumes contact-established events on the issuer side until
// ctx is cancelled. When a contact involving the local identity
// appears while awaiting acceptance, the coordinator transitions to
// Paired and emits the pairing Event. A contact established before
// the subscription attached is picked up by an initial check, so an
// acceptance racing the watcher startup is never missed.
func (c *Coordinator) Run(ctx context.Context) error {
	established, err := c.contacts.SubscribeEstablished(ctx)
	if err != nil {
		return fmt.Errorf("pairing: subscribing to contact events: %w", err)
	}

	remote := c.local.Peer()
	if already, err := c.contacts.Established(ctx, c.local, remote); err == nil && already {
		c.handleEstablished(mesh.Contact{Local: c.local, Remote: remote})
	}

	for {
		select {
		case contact, ok := <-established:
			if !ok {
				return ctx.Err()
			}
			c.handleEstablished(contact)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleEstablished reacts to one contact-established event.
func (c *Coordinator) handleEstablished(contact mesh.Contact) {
	if contact.Local != c.local && contact.Remote != c.local {
		return
	}
	remote := contact.Remote
	if remote == c.local {
		remote = contact.Local
	}

	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StatePaired
	for token := range c.issued {
		c.consumed[token] = true
	}
	c.mu.Unlock()

	c.logger.Info("pairing completed by peer", "local", c.local, "remote", remote)
	c.events <- Event{Local: c.local, Remote: remote, Initiator: false}
}

// validateInvitation checks token presence, key shape, expiry and
// single-use. Caller holds c.mu.
func (c *Coordinator) validateInvitation(invitation Invitation) error {
	if invitation.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvitationRejected)
	}
	if c.consumed[invitation.Token] {
		return fmt.Errorf("%w: token already consumed", ErrInvitationRejected)
	}
	key, err := hex.DecodeString(invitation.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed issuer public key", ErrInvitationRejected)
	}
	if !invitation.Expiry.IsZero() && c.clock.Now().After(invitation.Expiry) {
		return fmt.Errorf("%w: expired at %s", ErrInvitationRejected, invitation.Expiry)
	}
	return nil
}

// checkIssuerKey cross-checks the invitation's public key against the
// issuer's published directory record, when a directory is available.
func (c *Coordinator) checkIssuerKey(ctx context.Context, invitation Invitation, remote ref.Identity) {
	if c.directory == nil {
		return
	}
	record, found, err := c.directory.LookupIdentity(ctx, remote)
	if err != nil || !found {
		return
	}
	if hex.EncodeToString(record.PublicKey) != invitation.PublicKey {
		c.logger.Warn("invitation public key does not match issuer's published record; continuing with established contact",
			"local", c.local,
			"remote", remote,
			"invitation_key", invitation.PublicKey,
			"published_key", hex.EncodeToString(record.PublicKey),
		)
	}
}

// fail moves the coordinator to the Failed terminal state.
func (c *Coordinator) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.terminal() {
		c.state = StateFailed
	}
}
