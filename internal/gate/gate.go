// Package gate is the only path by which items come into existence.
//
// The gate authorizes the caller against the creator registry, constructs
// the item engine, mints the item's unit supply, attaches the engine to the
// stream protocol and appends the item to the registered-items index. The
// index is the trust source engines consult before accepting a stream.
//
// The gate is not safe for concurrent use; run it inside engine.Executor jobs.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/flow"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
	"github.com/roach88/streamsale/internal/units"
)

// Registry is the creator registry the gate authorizes against.
type Registry interface {
	// Address is the registry's own account. It may create items on
	// behalf of a registered profile.
	Address() ir.AccountID
	// ProfileOwner returns the owner of a registered profile.
	ProfileOwner(profile ir.AccountID) (ir.AccountID, bool)
}

// Host is the stream protocol the gate attaches new items to.
type Host interface {
	item.Protocol
	RegisterApp(account ir.AccountID, app flow.App) error
}

// IndexRecorder persists the registered-items index.
type IndexRecorder interface {
	RecordItem(ctx context.Context, id ir.ItemID, terms ir.Terms) error
}

// Gate creates items and holds the registered-items index.
type Gate struct {
	registry Registry
	host     Host
	ledger   units.Ledger
	clock    engine.TimeSource
	emitter  events.Emitter
	recorder IndexRecorder
	logger   *slog.Logger

	nonce int64
	index []ir.ItemID
	items map[ir.ItemID]*item.Engine
}

// Option configures a Gate.
type Option func(*Gate)

// WithEmitter sets the emitter shared by the gate and every item it creates.
func WithEmitter(em events.Emitter) Option {
	return func(g *Gate) {
		g.emitter = em
	}
}

// WithIndexRecorder persists every registered item.
func WithIndexRecorder(r IndexRecorder) Option {
	return func(g *Gate) {
		g.recorder = r
	}
}

// WithNonceStart resumes id derivation after n items, so ids handed out
// before a restart are not derived again.
func WithNonceStart(n int64) Option {
	return func(g *Gate) {
		g.nonce = n
	}
}

// WithLogger sets the logger shared by the gate and its items.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// New creates a gate with an empty index.
func New(registry Registry, host Host, ledger units.Ledger, clock engine.TimeSource, opts ...Option) *Gate {
	g := &Gate{
		registry: registry,
		host:     host,
		ledger:   ledger,
		clock:    clock,
		emitter:  events.Discard,
		logger:   slog.Default(),
		items:    make(map[ir.ItemID]*item.Engine),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateItem creates an item for the creator behind caller.
//
// caller must be a registered profile, in which case the item's creator is
// the profile's owner, or the registry itself acting for onBehalfOf, which
// must be a registered profile. Anything else fails with ForbiddenSender
// and leaves the index unchanged. terms.Creator is overwritten.
func (g *Gate) CreateItem(ctx context.Context, caller, onBehalfOf ir.AccountID, terms ir.Terms) (ir.ItemID, error) {
	creator, err := g.authorize(caller, onBehalfOf)
	if err != nil {
		return "", err
	}
	terms.Creator = creator

	nonce := g.nonce + 1
	id := ir.DeriveItemID(creator, nonce)

	e, err := item.New(id, terms, g.host, g.ledger, g.clock,
		item.WithBinding(g),
		item.WithEmitter(g.emitter),
		item.WithLogger(g.logger),
	)
	if err != nil {
		return "", err
	}
	terms = e.Terms()
	// Consumed from here on: a partially minted id is never handed out again.
	g.nonce = nonce

	for u := int64(1); u <= terms.TotalUnits; u++ {
		if err := g.ledger.Mint(ctx, id, id.Account(), ir.UnitID(u), 1); err != nil {
			return "", fmt.Errorf("create item: mint unit %d: %w", u, err)
		}
	}
	if err := g.host.RegisterApp(id.Account(), item.NewProtocolApp(e)); err != nil {
		return "", fmt.Errorf("create item: %w", err)
	}
	if g.recorder != nil {
		if err := g.recorder.RecordItem(ctx, id, terms); err != nil {
			return "", fmt.Errorf("create item: record: %w", err)
		}
	}

	g.index = append(g.index, id)
	g.items[id] = e

	g.logger.Debug("item created", "item", id, "creator", creator, "units", terms.TotalUnits)
	g.emitter.Emit(ctx, events.KindItemCreated, id, events.TermsAttrs(terms))
	return id, nil
}

// Restore re-registers an item recorded before a restart. Its units are
// already in the ledger: every unit the item account no longer holds counts
// as issued. Nothing is minted, recorded or emitted.
func (g *Gate) Restore(ctx context.Context, id ir.ItemID, terms ir.Terms) error {
	if _, ok := g.items[id]; ok {
		return fmt.Errorf("restore item %s: already registered", id)
	}
	var issued int64
	for u := int64(1); u <= terms.TotalUnits; u++ {
		n, err := g.ledger.BalanceOf(ctx, id, id.Account(), ir.UnitID(u))
		if err != nil {
			return fmt.Errorf("restore item %s: unit %d: %w", id, u, err)
		}
		if n == 0 {
			issued++
		}
	}

	e, err := item.Restore(id, terms, issued, g.host, g.ledger, g.clock,
		item.WithBinding(g),
		item.WithEmitter(g.emitter),
		item.WithLogger(g.logger),
	)
	if err != nil {
		return fmt.Errorf("restore item %s: %w", id, err)
	}
	if err := g.host.RegisterApp(id.Account(), item.NewProtocolApp(e)); err != nil {
		return fmt.Errorf("restore item %s: %w", id, err)
	}

	g.index = append(g.index, id)
	g.items[id] = e
	g.logger.Debug("item restored", "item", id, "creator", terms.Creator, "issued", issued)
	return nil
}

func (g *Gate) authorize(caller, onBehalfOf ir.AccountID) (ir.AccountID, error) {
	if err := caller.Validate(); err != nil {
		return "", item.NewForbiddenSender("", "", err.Error())
	}
	if g.registry == nil {
		return "", item.NewForbiddenSender("", caller, "no registry configured")
	}
	if owner, ok := g.registry.ProfileOwner(caller); ok {
		return owner, nil
	}
	if caller != g.registry.Address() {
		return "", item.NewForbiddenSender("", caller, "not called from the registry or a registered profile")
	}
	owner, ok := g.registry.ProfileOwner(onBehalfOf)
	if !ok {
		return "", item.NewForbiddenSender("", onBehalfOf, "no registered profile")
	}
	return owner, nil
}

// Items returns the registered-items index in creation order.
func (g *Gate) Items() []ir.ItemID {
	out := make([]ir.ItemID, len(g.index))
	copy(out, g.index)
	return out
}

// Lookup returns the engine of a registered item.
func (g *Gate) Lookup(id ir.ItemID) (*item.Engine, bool) {
	e, ok := g.items[id]
	return e, ok
}

// IsBound reports whether id was created through this gate for creator.
func (g *Gate) IsBound(id ir.ItemID, creator ir.AccountID) bool {
	e, ok := g.items[id]
	return ok && e.Terms().Creator == creator
}

// Len returns the number of registered items.
func (g *Gate) Len() int {
	return len(g.index)
}
