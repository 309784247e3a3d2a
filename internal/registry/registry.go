// Package registry maps each owning account to its one creator profile and
// forwards item creation to the gate on the profile's behalf.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
)

// DefaultAddress is the registry's account when none is configured.
const DefaultAddress ir.AccountID = "registry"

var (
	// ErrAlreadyRegistered is returned when an owner signs up twice.
	ErrAlreadyRegistered = errors.New("registry: owner already has a profile")
	// ErrUnknownProfile is returned for profile ids the registry never issued.
	ErrUnknownProfile = errors.New("registry: unknown profile")
	// ErrNoGate is returned by item creation before Bind.
	ErrNoGate = errors.New("registry: no gate bound")
)

// ItemCreator is the creation gate as seen from the registry.
type ItemCreator interface {
	CreateItem(ctx context.Context, caller, onBehalfOf ir.AccountID, terms ir.Terms) (ir.ItemID, error)
}

// Profile is a creator's public record.
type Profile struct {
	ID          ir.AccountID `json:"id"`
	Owner       ir.AccountID `json:"owner"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
}

// Registry holds profiles. Not safe for concurrent use.
type Registry struct {
	address ir.AccountID
	creator ItemCreator
	emitter events.Emitter
	logger  *slog.Logger

	nonce    int64
	profiles map[ir.AccountID]*Profile
	byOwner  map[ir.AccountID]ir.AccountID
}

// Option configures a Registry.
type Option func(*Registry)

// WithAddress overrides the registry's account.
func WithAddress(a ir.AccountID) Option {
	return func(r *Registry) {
		r.address = a
	}
}

// WithEmitter sets the event emitter.
func WithEmitter(em events.Emitter) Option {
	return func(r *Registry) {
		r.emitter = em
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		address:  DefaultAddress,
		emitter:  events.Discard,
		logger:   slog.Default(),
		profiles: make(map[ir.AccountID]*Profile),
		byOwner:  make(map[ir.AccountID]ir.AccountID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind attaches the gate item creation is forwarded to. The gate in turn
// holds the registry, so one side has to be attached after construction.
func (r *Registry) Bind(c ItemCreator) {
	r.creator = c
}

// Address returns the registry's own account.
func (r *Registry) Address() ir.AccountID {
	return r.address
}

// ProfileOwner returns the owner of a profile.
func (r *Registry) ProfileOwner(profile ir.AccountID) (ir.AccountID, bool) {
	p, ok := r.profiles[profile]
	if !ok {
		return "", false
	}
	return p.Owner, true
}

// ProfileOf returns the profile registered by owner.
func (r *Registry) ProfileOf(owner ir.AccountID) (ir.AccountID, bool) {
	id, ok := r.byOwner[owner]
	return id, ok
}

// Profile returns a copy of a profile.
func (r *Registry) Profile(id ir.AccountID) (Profile, bool) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Signup registers owner's profile and returns its id.
func (r *Registry) Signup(ctx context.Context, owner ir.AccountID, name, description string) (ir.AccountID, error) {
	if err := owner.Validate(); err != nil {
		return "", fmt.Errorf("signup: owner: %w", err)
	}
	if existing, ok := r.byOwner[owner]; ok {
		return "", fmt.Errorf("signup %s (profile %s): %w", owner, existing, ErrAlreadyRegistered)
	}

	r.nonce++
	id := ir.DeriveProfileID(owner, r.nonce)
	p := &Profile{ID: id, Owner: owner, Name: clean(name), Description: norm.NFC.String(description)}
	r.profiles[id] = p
	r.byOwner[owner] = id

	r.logger.Debug("profile created", "profile", id, "owner", owner)
	r.emitter.Emit(ctx, events.KindProfileCreated, "", profileAttrs(p))
	return id, nil
}

// Restore re-registers a profile recorded before a restart. It emits no
// event. Each restored profile advances the id nonce the way Signup does.
func (r *Registry) Restore(p Profile) error {
	if err := p.Owner.Validate(); err != nil {
		return fmt.Errorf("restore profile %s: owner: %w", p.ID, err)
	}
	if existing, ok := r.byOwner[p.Owner]; ok {
		return fmt.Errorf("restore %s (profile %s): %w", p.Owner, existing, ErrAlreadyRegistered)
	}
	if _, ok := r.profiles[p.ID]; ok {
		return fmt.Errorf("restore profile %s: %w", p.ID, ErrAlreadyRegistered)
	}
	r.nonce++
	r.profiles[p.ID] = &p
	r.byOwner[p.Owner] = p.ID
	return nil
}

// UpdateProfile changes a profile's name and description. Only the owner
// may update it.
func (r *Registry) UpdateProfile(ctx context.Context, caller, profile ir.AccountID, name, description string) error {
	p, ok := r.profiles[profile]
	if !ok {
		return fmt.Errorf("update profile %s: %w", profile, ErrUnknownProfile)
	}
	if caller != p.Owner {
		return item.NewForbiddenSender("", caller, "not the creator")
	}
	p.Name = clean(name)
	p.Description = norm.NFC.String(description)

	r.emitter.Emit(ctx, events.KindProfileUpdated, "", profileAttrs(p))
	return nil
}

// CreateItem creates an item for owner's profile, with the registry as the
// calling account.
func (r *Registry) CreateItem(ctx context.Context, owner ir.AccountID, terms ir.Terms) (ir.ItemID, error) {
	if r.creator == nil {
		return "", ErrNoGate
	}
	profile, ok := r.byOwner[owner]
	if !ok {
		return "", item.NewForbiddenSender("", owner, "no registered profile")
	}
	return r.creator.CreateItem(ctx, r.address, profile, terms)
}

// ProfileCreateItem creates an item with the profile itself as the calling
// account. caller must own the profile.
func (r *Registry) ProfileCreateItem(ctx context.Context, caller, profile ir.AccountID, terms ir.Terms) (ir.ItemID, error) {
	if r.creator == nil {
		return "", ErrNoGate
	}
	p, ok := r.profiles[profile]
	if !ok {
		return "", fmt.Errorf("create item: %w", ErrUnknownProfile)
	}
	if caller != p.Owner {
		return "", item.NewForbiddenSender("", caller, "not the creator")
	}
	return r.creator.CreateItem(ctx, profile, "", terms)
}

// Len returns the number of profiles.
func (r *Registry) Len() int {
	return len(r.profiles)
}

func profileAttrs(p *Profile) map[string]any {
	return map[string]any{
		"profile":     p.ID,
		"owner":       p.Owner,
		"name":        p.Name,
		"description": p.Description,
	}
}

func clean(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
