// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tandem-foundation/tandem/lib/ref"
)

// ErrNoContact is returned by Apply when a grant cites an individual
// identity that has no established contact with the grant's owner.
// Group-scoped grants never hit this; contact existence is only a
// precondition for naming a remote identity directly.
var ErrNoContact = errors.New("mesh: no contact established with cited identity")

// Memory is the in-process Service implementation. It backs tests and
// single-host operation, and defines the reference semantics a real
// synchronization backend must match: idempotent additive grants, the
// contact precondition for identity-scoped grants, and channel-created
// fanout to subscribers.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	identities  map[string]IdentityRecord
	groups      map[ref.GroupID]map[string]ref.Identity
	channels    []ChannelDescriptor
	channelSet  map[string]bool
	grants      map[SubjectID]*grantState
	contacts    map[string]Contact
	subscribers []*subscriber
	contactSubs []*contactSubscriber
}

type grantState struct {
	groups     map[ref.GroupID]bool
	identities map[string]ref.Identity
}

type subscriber struct {
	ctx     context.Context
	channel chan ChannelDescriptor
}

type contactSubscriber struct {
	ctx     context.Context
	channel chan Contact
}

// NewMemory creates an empty in-process service.
func NewMemory() *Memory {
	return &Memory{
		identities: make(map[string]IdentityRecord),
		groups:     make(map[ref.GroupID]map[string]ref.Identity),
		channelSet: make(map[string]bool),
		grants:     make(map[SubjectID]*grantState),
		contacts:   make(map[string]Contact),
	}
}

var _ Service = (*Memory)(nil)

// PublishIdentity stores or replaces the identity's directory record.
func (m *Memory) PublishIdentity(ctx context.Context, record IdentityRecord) error {
	if record.Identity.IsZero() {
		return fmt.Errorf("mesh: identity record without identity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[record.Identity.String()] = record
	return nil
}

// LookupIdentity returns the published record for an identity, or
// found=false when none exists yet.
func (m *Memory) LookupIdentity(ctx context.Context, identity ref.Identity) (IdentityRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, found := m.identities[identity.String()]
	return record, found, nil
}

// SetGroupMembers replaces a group's membership. Membership is managed
// externally in production; tests and single-host wiring use this to
// seed the three well-known groups.
func (m *Memory) SetGroupMembers(group ref.GroupID, members ...ref.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]ref.Identity, len(members))
	for _, member := range members {
		set[member.String()] = member
	}
	m.groups[group] = set
}

// AddGroupMember adds one identity to a group, creating the group on
// first use.
func (m *Memory) AddGroupMember(group ref.GroupID, member ref.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.groups[group]
	if set == nil {
		set = make(map[string]ref.Identity)
		m.groups[group] = set
	}
	set[member.String()] = member
}

// Members returns a group's membership, sorted by handle.
func (m *Memory) Members(ctx context.Context, group ref.GroupID) ([]ref.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]ref.Identity, 0, len(m.groups[group]))
	for _, member := range m.groups[group] {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
	return members, nil
}

// CreateChannel records a channel and notifies subscribers. Creating
// an already-known channel is a no-op without notification, matching
// the create-on-first-use contract.
func (m *Memory) CreateChannel(ctx context.Context, descriptor ChannelDescriptor) error {
	if descriptor.Channel.IsZero() || descriptor.Owner.IsZero() {
		return fmt.Errorf("mesh: channel descriptor requires channel id and owner")
	}

	m.mu.Lock()
	key := descriptor.Owner.String() + "|" + descriptor.Channel.String()
	if m.channelSet[key] {
		m.mu.Unlock()
		return nil
	}
	m.channelSet[key] = true
	m.channels = append(m.channels, descriptor)
	listeners := append([]*subscriber(nil), m.subscribers...)
	m.mu.Unlock()

	// Deliver outside the lock so a slow subscriber cannot block
	// unrelated service calls.
	for _, listener := range listeners {
		select {
		case listener.channel <- descriptor:
		case <-listener.ctx.Done():
		}
	}
	return nil
}

// ListChannels returns all channels in creation order.
func (m *Memory) ListChannels(ctx context.Context) ([]ChannelDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChannelDescriptor(nil), m.channels...), nil
}

// SubscribeCreated returns a channel delivering every descriptor
// created after this call. The channel closes when ctx is cancelled.
func (m *Memory) SubscribeCreated(ctx context.Context) (<-chan ChannelDescriptor, error) {
	listener := &subscriber{
		ctx:     ctx,
		channel: make(chan ChannelDescriptor, 16),
	}

	m.mu.Lock()
	m.subscribers = append(m.subscribers, listener)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for index, s := range m.subscribers {
			if s == listener {
				m.subscribers = append(m.subscribers[:index], m.subscribers[index+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(listener.channel)
	}()

	return listener.channel, nil
}

// Apply applies one grant. Additive application is idempotent; removal
// deletes only the cited grantees. A grant citing an individual
// identity requires an established contact between the grant owner and
// that identity (ErrNoContact otherwise); self-grants are exempt.
func (m *Memory) Apply(ctx context.Context, grant Grant) error {
	if grant.Subject == "" {
		return fmt.Errorf("mesh: grant without subject")
	}
	switch grant.Mode {
	case GrantAdd, GrantRemove:
	default:
		return fmt.Errorf("mesh: unknown grant mode %q", grant.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, identity := range grant.Identities {
		if identity == grant.Owner {
			continue
		}
		if _, established := m.contacts[contactKey(grant.Owner, identity)]; !established {
			return fmt.Errorf("%w: %s names %s", ErrNoContact, grant.Owner, identity)
		}
	}

	state := m.grants[grant.Subject]
	if state == nil {
		state = &grantState{
			groups:     make(map[ref.GroupID]bool),
			identities: make(map[string]ref.Identity),
		}
		m.grants[grant.Subject] = state
	}

	switch grant.Mode {
	case GrantAdd:
		for _, group := range grant.Groups {
			state.groups[group] = true
		}
		for _, identity := range grant.Identities {
			state.identities[identity.String()] = identity
		}
	case GrantRemove:
		for _, group := range grant.Groups {
			delete(state.groups, group)
		}
		for _, identity := range grant.Identities {
			delete(state.identities, identity.String())
		}
	}
	return nil
}

// Effective returns the subject's effective access, sorted.
func (m *Memory) Effective(ctx context.Context, subject SubjectID) (GrantSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.grants[subject]
	if state == nil {
		return GrantSet{}, nil
	}

	set := GrantSet{}
	for group := range state.groups {
		set.Groups = append(set.Groups, group)
	}
	for _, identity := range state.identities {
		set.Identities = append(set.Identities, identity)
	}
	sort.Slice(set.Groups, func(i, j int) bool { return set.Groups[i] < set.Groups[j] })
	sort.Slice(set.Identities, func(i, j int) bool { return set.Identities[i].String() < set.Identities[j].String() })
	return set, nil
}

// Establish records a contact and notifies subscribers. Idempotent;
// the first record's timestamp wins since contacts are immutable once
// created, and repeats do not re-notify.
func (m *Memory) Establish(ctx context.Context, contact Contact) error {
	if contact.Local.IsZero() || contact.Remote.IsZero() {
		return fmt.Errorf("mesh: contact requires both identities")
	}
	m.mu.Lock()
	key := contactKey(contact.Local, contact.Remote)
	if _, exists := m.contacts[key]; exists {
		m.mu.Unlock()
		return nil
	}
	m.contacts[key] = contact
	listeners := append([]*contactSubscriber(nil), m.contactSubs...)
	m.mu.Unlock()

	for _, listener := range listeners {
		select {
		case listener.channel <- contact:
		case <-listener.ctx.Done():
		}
	}
	return nil
}

// SubscribeEstablished returns a channel delivering every contact
// established after this call. The channel closes when ctx is
// cancelled.
func (m *Memory) SubscribeEstablished(ctx context.Context) (<-chan Contact, error) {
	listener := &contactSubscriber{
		ctx:     ctx,
		channel: make(chan Contact, 16),
	}

	m.mu.Lock()
	m.contactSubs = append(m.contactSubs, listener)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for index, s := range m.contactSubs {
			if s == listener {
				m.contactSubs = append(m.contactSubs[:index], m.contactSubs[index+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(listener.channel)
	}()

	return listener.channel, nil
}

// Established reports whether a contact exists between the two
// identities, in either direction.
func (m *Memory) Established(ctx context.Context, local, remote ref.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.contacts[contactKey(local, remote)]
	return found, nil
}

// contactKey builds a direction-independent map key for a contact
// pair.
func contactKey(a, b ref.Identity) string {
	first, second := a.String(), b.String()
	if second < first {
		first, second = second, first
	}
	return first + "|" + second
}
