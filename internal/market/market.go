// Package market wires the streamsale components into one serialized system.
//
// Every method runs as a single engine.Executor job, so callers on any
// goroutine observe the same total order of operations the ledger-style
// components assume. Components below this package are never touched
// outside a job.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/flow"
	"github.com/roach88/streamsale/internal/gate"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
	"github.com/roach88/streamsale/internal/registry"
	"github.com/roach88/streamsale/internal/units"
	"github.com/roach88/streamsale/internal/upkeep"
)

// ErrUnknownItem is returned for ids absent from the registered-items index.
var ErrUnknownItem = errors.New("market: unknown item")

// Market is the serialized facade over host, registry, gate and scanner.
type Market struct {
	exec     *engine.Executor
	clock    engine.TimeSource
	host     *flow.Host
	ledger   units.Ledger
	bus      *events.Bus
	registry *registry.Registry
	gate     *gate.Gate
	scanner  *upkeep.Scanner
	logger   *slog.Logger
}

type options struct {
	clock      engine.TimeSource
	ledger     units.Ledger
	recorder   gate.IndexRecorder
	sinks      []events.Sink
	ids        engine.IDGenerator
	seqStart   int64
	itemNonce  int64
	maxPayload int
	logger     *slog.Logger
}

// Option configures a Market.
type Option func(*options)

// WithClock sets the business time source. Default: engine.SystemTime.
func WithClock(c engine.TimeSource) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLedger sets the unit ledger. Default: units.NewMemory().
func WithLedger(l units.Ledger) Option {
	return func(o *options) {
		o.ledger = l
	}
}

// WithIndexRecorder persists the registered-items index.
func WithIndexRecorder(r gate.IndexRecorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithSink adds an event sink. Sinks receive events in registration order.
func WithSink(s events.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, s)
	}
}

// WithIDGenerator sets the executor's operation id generator.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithSeqStart resumes event numbering after a persisted log.
func WithSeqStart(seq int64) Option {
	return func(o *options) {
		o.seqStart = seq
	}
}

// WithItemNonceStart resumes item id derivation after n persisted items.
func WithItemNonceStart(n int64) Option {
	return func(o *options) {
		o.itemNonce = n
	}
}

// WithMaxPayloadBytes bounds upkeep work payloads.
func WithMaxPayloadBytes(n int) Option {
	return func(o *options) {
		o.maxPayload = n
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New builds a Market. Call Start (or Run) before any other method.
func New(opts ...Option) *Market {
	o := options{
		clock:  engine.SystemTime{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ledger == nil {
		o.ledger = units.NewMemory()
	}
	if o.ids == nil {
		o.ids = engine.UUIDv7Generator{}
	}

	busOpts := []events.BusOption{
		events.WithClock(engine.NewClockAt(o.seqStart)),
		events.WithLogger(o.logger),
	}
	for _, s := range o.sinks {
		busOpts = append(busOpts, events.WithSink(s))
	}
	bus := events.NewBus(busOpts...)

	host := flow.NewHost(o.clock, flow.WithLogger(o.logger))
	reg := registry.New(registry.WithEmitter(bus), registry.WithLogger(o.logger))

	gateOpts := []gate.Option{
		gate.WithEmitter(bus),
		gate.WithLogger(o.logger),
		gate.WithNonceStart(o.itemNonce),
	}
	if o.recorder != nil {
		gateOpts = append(gateOpts, gate.WithIndexRecorder(o.recorder))
	}
	g := gate.New(reg, host, o.ledger, o.clock, gateOpts...)
	reg.Bind(g)

	scanOpts := []upkeep.Option{upkeep.WithLogger(o.logger)}
	if o.maxPayload > 0 {
		scanOpts = append(scanOpts, upkeep.WithMaxPayloadBytes(o.maxPayload))
	}

	return &Market{
		exec:     engine.NewExecutor(engine.WithIDGenerator(o.ids), engine.WithLogger(o.logger)),
		clock:    o.clock,
		host:     host,
		ledger:   o.ledger,
		bus:      bus,
		registry: reg,
		gate:     g,
		scanner:  upkeep.NewScanner(g, o.clock, scanOpts...),
		logger:   o.logger,
	}
}

// Run runs the executor loop until ctx is cancelled.
func (m *Market) Run(ctx context.Context) error {
	return m.exec.Run(ctx)
}

// Start runs the executor in the background. The returned function stops
// it after queued operations finish.
func (m *Market) Start(ctx context.Context) (stop func()) {
	return m.exec.Start(ctx)
}

// Subscribe adds an event sink after construction.
func (m *Market) Subscribe(s events.Sink) {
	m.bus.Subscribe(s)
}

// Now returns the current business time.
func (m *Market) Now() int64 {
	return m.clock.Now()
}

// LastSeq returns the seq of the last emitted event.
func (m *Market) LastSeq() int64 {
	return m.bus.Seq()
}

func (m *Market) lookup(id ir.ItemID) (*item.Engine, error) {
	e, ok := m.gate.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	return e, nil
}

// RecordedItem is one entry of a persisted registered-items index.
type RecordedItem struct {
	ID    ir.ItemID
	Terms ir.Terms
}

// Restore rebuilds profiles and items recorded before a restart, as one
// job. Call it before serving. Streams and token balances are not recorded
// and start empty.
func (m *Market) Restore(ctx context.Context, profiles []registry.Profile, items []RecordedItem) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		for _, p := range profiles {
			if err := m.registry.Restore(p); err != nil {
				return err
			}
		}
		for _, rec := range items {
			if err := m.gate.Restore(ctx, rec.ID, rec.Terms); err != nil {
				return err
			}
		}
		m.logger.Info("market restored", "profiles", len(profiles), "items", len(items))
		return nil
	})
}

// Signup registers a creator profile owned by owner.
func (m *Market) Signup(ctx context.Context, owner ir.AccountID, name, description string) (ir.AccountID, error) {
	var profile ir.AccountID
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		profile, err = m.registry.Signup(ctx, owner, name, description)
		return err
	})
	return profile, err
}

// UpdateProfile changes a profile's name and description.
func (m *Market) UpdateProfile(ctx context.Context, caller, profile ir.AccountID, name, description string) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		return m.registry.UpdateProfile(ctx, caller, profile, name, description)
	})
}

// Profile returns a registered profile.
func (m *Market) Profile(ctx context.Context, id ir.AccountID) (registry.Profile, bool, error) {
	var (
		p  registry.Profile
		ok bool
	)
	err := m.exec.Do(ctx, func(context.Context) error {
		p, ok = m.registry.Profile(id)
		return nil
	})
	return p, ok, err
}

// ProfileOf returns the profile owned by owner.
func (m *Market) ProfileOf(ctx context.Context, owner ir.AccountID) (ir.AccountID, bool, error) {
	var (
		id ir.AccountID
		ok bool
	)
	err := m.exec.Do(ctx, func(context.Context) error {
		id, ok = m.registry.ProfileOf(owner)
		return nil
	})
	return id, ok, err
}

// CreateItem creates an item through the registry for owner's profile.
func (m *Market) CreateItem(ctx context.Context, owner ir.AccountID, terms ir.Terms) (ir.ItemID, error) {
	var id ir.ItemID
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		id, err = m.registry.CreateItem(ctx, owner, terms)
		return err
	})
	return id, err
}

// ProfileCreateItem creates an item with the profile as the calling account.
func (m *Market) ProfileCreateItem(ctx context.Context, caller, profile ir.AccountID, terms ir.Terms) (ir.ItemID, error) {
	var id ir.ItemID
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		id, err = m.registry.ProfileCreateItem(ctx, caller, profile, terms)
		return err
	})
	return id, err
}

// CreateItemAs calls the gate directly with caller as the sender, the way
// a profile account (or an impostor) would.
func (m *Market) CreateItemAs(ctx context.Context, caller ir.AccountID, terms ir.Terms) (ir.ItemID, error) {
	var id ir.ItemID
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		id, err = m.gate.CreateItem(ctx, caller, "", terms)
		return err
	})
	return id, err
}

// Mint credits a static token balance.
func (m *Market) Mint(ctx context.Context, token ir.TokenID, to ir.AccountID, amount decimal.Decimal) error {
	return m.exec.Do(ctx, func(context.Context) error {
		return m.host.Mint(token, to, amount)
	})
}

// Balance returns an account's realtime token balance.
func (m *Market) Balance(ctx context.Context, token ir.TokenID, account ir.AccountID) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		bal, err = m.host.BalanceOf(ctx, token, account)
		return err
	})
	return bal, err
}

// UnitBalance returns how many of unit holder owns in an item's collection.
func (m *Market) UnitBalance(ctx context.Context, id ir.ItemID, holder ir.AccountID, unit ir.UnitID) (int64, error) {
	var n int64
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		n, err = m.ledger.BalanceOf(ctx, id, holder, unit)
		return err
	})
	return n, err
}

// OpenStream opens a payment stream from buyer to the item.
func (m *Market) OpenStream(ctx context.Context, token ir.TokenID, buyer ir.AccountID, id ir.ItemID, rate decimal.Decimal) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		return m.host.CreateFlow(ctx, token, buyer, id.Account(), rate)
	})
}

// UpdateStream asks the protocol to change an open stream's rate.
func (m *Market) UpdateStream(ctx context.Context, token ir.TokenID, buyer ir.AccountID, id ir.ItemID, rate decimal.Decimal) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		return m.host.UpdateFlow(ctx, token, buyer, id.Account(), rate)
	})
}

// CloseStream closes buyer's stream to the item from the buyer's side.
func (m *Market) CloseStream(ctx context.Context, token ir.TokenID, buyer ir.AccountID, id ir.ItemID) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		return m.host.DeleteFlow(ctx, token, buyer, id.Account(), buyer)
	})
}

// Claim settles buyer's purchase of the item.
func (m *Market) Claim(ctx context.Context, id ir.ItemID, buyer ir.AccountID) (ir.UnitID, error) {
	var unit ir.UnitID
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		unit, err = e.Claim(ctx, buyer)
		return err
	})
	return unit, err
}

// Withdraw sweeps the item's token balance to `to`. Creator only.
func (m *Market) Withdraw(ctx context.Context, id ir.ItemID, caller, to ir.AccountID, token ir.TokenID) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := m.exec.Do(ctx, func(ctx context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		amount, err = e.Withdraw(ctx, caller, to, token)
		return err
	})
	return amount, err
}

// UpdateItem applies a creator's partial update.
func (m *Market) UpdateItem(ctx context.Context, id ir.ItemID, caller ir.AccountID, u item.Update) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		return e.Update(ctx, caller, u)
	})
}

// PatchItem edits the item's current terms with patch and applies the result
// as one update, so no other job lands between the read and the write.
func (m *Market) PatchItem(ctx context.Context, id ir.ItemID, caller ir.AccountID, patch func(*item.Update)) error {
	return m.exec.Do(ctx, func(ctx context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		u := item.UpdateOf(e.Terms())
		patch(&u)
		return e.Update(ctx, caller, u)
	})
}

// Details returns one item's read model.
func (m *Market) Details(ctx context.Context, id ir.ItemID) (item.Details, error) {
	var d item.Details
	err := m.exec.Do(ctx, func(context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		d = e.Details()
		return nil
	})
	return d, err
}

// Items returns every registered item in creation order.
func (m *Market) Items(ctx context.Context) ([]item.Details, error) {
	out := []item.Details{}
	err := m.exec.Do(ctx, func(context.Context) error {
		for _, id := range m.gate.Items() {
			if e, ok := m.gate.Lookup(id); ok {
				out = append(out, e.Details())
			}
		}
		return nil
	})
	return out, err
}

// RequiredRate returns the exact rate a stream opened now must carry.
func (m *Market) RequiredRate(ctx context.Context, id ir.ItemID) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := m.exec.Do(ctx, func(context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		rate, err = e.RequiredRate()
		return err
	})
	return rate, err
}

// TotalPaid returns what buyer's open stream has paid so far.
func (m *Market) TotalPaid(ctx context.Context, id ir.ItemID, buyer ir.AccountID) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := m.exec.Do(ctx, func(context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		paid, err = e.TotalPaid(buyer)
		return err
	})
	return paid, err
}

// URI returns the metadata locator of one unit of an item.
func (m *Market) URI(ctx context.Context, id ir.ItemID, unit ir.UnitID) (string, error) {
	var uri string
	err := m.exec.Do(ctx, func(context.Context) error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		uri, err = e.URI(unit)
		return err
	})
	return uri, err
}

// CheckReadiness implements upkeep.Runner as one read-only job.
func (m *Market) CheckReadiness(ctx context.Context) (bool, []byte, error) {
	var (
		needed bool
		work   []byte
	)
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		needed, work, err = m.scanner.CheckReadiness(ctx)
		return err
	})
	return needed, work, err
}

// PerformWork implements upkeep.Runner as one job.
func (m *Market) PerformWork(ctx context.Context, work []byte) (upkeep.Report, error) {
	var report upkeep.Report
	err := m.exec.Do(ctx, func(ctx context.Context) (err error) {
		report, err = m.scanner.PerformWork(ctx, work)
		return err
	})
	return report, err
}

var _ upkeep.Runner = (*Market)(nil)
