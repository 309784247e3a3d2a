// Package item implements one item's sale: its open payment streams, the
// required-rate rule, claim settlement and unit availability.
//
// An Engine is created by the creation gate and driven by two kinds of
// caller: the stream protocol, through the hooks adapted by NewProtocolApp,
// and buyers, the scanner or the creator through Claim, Withdraw and Update.
//
// An Engine is not safe for concurrent use. Every call runs inside an
// engine.Executor job.
package item

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/units"
)

// ErrUnknownUnit is returned for unit ids outside 1..TotalUnits.
var ErrUnknownUnit = errors.New("item: unknown unit id")

// Protocol is the stream protocol surface an item consumes.
type Protocol interface {
	// FlowRate returns the rate of the open flow from sender to receiver.
	FlowRate(ctx context.Context, token ir.TokenID, sender, receiver ir.AccountID) (decimal.Decimal, bool, error)
	// DeleteFlow closes the flow. The receiver's termination hook runs
	// before it returns.
	DeleteFlow(ctx context.Context, token ir.TokenID, sender, receiver, caller ir.AccountID) error
	// BalanceOf returns the realtime balance of account.
	BalanceOf(ctx context.Context, token ir.TokenID, account ir.AccountID) (decimal.Decimal, error)
	// Transfer moves a static amount between accounts.
	Transfer(ctx context.Context, token ir.TokenID, from, to ir.AccountID, amount decimal.Decimal) error
}

// Binding reports whether an item was created through the gate for creator.
type Binding interface {
	IsBound(id ir.ItemID, creator ir.AccountID) bool
}

type stream struct {
	ir.StreamRecord

	// settling is set while Claim closes the protocol stream, so the
	// termination hook that fires inside that close is a no-op.
	settling bool
}

// Engine owns one item's terms, open streams and counters.
type Engine struct {
	id       ir.ItemID
	terms    ir.Terms
	protocol Protocol
	ledger   units.Ledger
	clock    engine.TimeSource
	binding  Binding
	emitter  events.Emitter
	logger   *slog.Logger

	available int64
	claimed   int64
	nextUnit  ir.UnitID
	streams   map[ir.AccountID]*stream
	owed      map[ir.AccountID]int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithBinding sets the gate record the engine checks its creator against.
// An engine without a binding rejects every stream.
func WithBinding(b Binding) Option {
	return func(e *Engine) {
		e.binding = b
	}
}

// WithEmitter sets the event emitter. Default: events.Discard.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) {
		e.emitter = em
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates the engine for item id. The whole supply is available; the
// caller is responsible for minting units 1..TotalUnits to id's account.
func New(id ir.ItemID, terms ir.Terms, protocol Protocol, ledger units.Ledger, clock engine.TimeSource, opts ...Option) (*Engine, error) {
	e, err := build(id, terms, protocol, ledger, clock, opts)
	if err != nil {
		return nil, err
	}
	if now := clock.Now(); e.terms.EndsAt <= now {
		return nil, newError(CodeInvalidTerms, id, "", "sale ends at %d, not after now (%d)", e.terms.EndsAt, now)
	}
	return e, nil
}

// Restore rebuilds the engine of an item that had already issued units
// 1..issued. The sale may have ended. Restored engines have no open streams.
func Restore(id ir.ItemID, terms ir.Terms, issued int64, protocol Protocol, ledger units.Ledger, clock engine.TimeSource, opts ...Option) (*Engine, error) {
	e, err := build(id, terms, protocol, ledger, clock, opts)
	if err != nil {
		return nil, err
	}
	if issued < 0 || issued > e.terms.TotalUnits {
		return nil, newError(CodeInvalidTerms, id, "", "%d of %d units issued", issued, e.terms.TotalUnits)
	}
	e.available -= issued
	e.claimed = issued
	e.nextUnit = ir.UnitID(issued + 1)
	return e, nil
}

func build(id ir.ItemID, terms ir.Terms, protocol Protocol, ledger units.Ledger, clock engine.TimeSource, opts []Option) (*Engine, error) {
	terms = terms.Normalize()
	if err := terms.Validate(); err != nil {
		return nil, NewInvalidTerms(id, err)
	}
	if terms.Creator == "" {
		return nil, NewInvalidTerms(id, errors.New("creator is required"))
	}

	e := &Engine{
		id:        id,
		terms:     terms,
		protocol:  protocol,
		ledger:    ledger,
		clock:     clock,
		emitter:   events.Discard,
		logger:    slog.Default(),
		available: terms.TotalUnits,
		nextUnit:  1,
		streams:   make(map[ir.AccountID]*stream),
		owed:      make(map[ir.AccountID]int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ID returns the item id.
func (e *Engine) ID() ir.ItemID {
	return e.id
}

// Terms returns the current terms.
func (e *Engine) Terms() ir.Terms {
	return e.terms
}

// RequiredRate returns the rate a stream opened now must commit to.
func (e *Engine) RequiredRate() (decimal.Decimal, error) {
	return e.RequiredRateAt(e.clock.Now())
}

// RequiredRateAt returns price/(end-now), truncated to ir.RatePrecision.
// It fails with SaleExpired once now reaches the end timestamp.
func (e *Engine) RequiredRateAt(now int64) (decimal.Decimal, error) {
	remaining := e.terms.EndsAt - now
	if remaining <= 0 {
		return decimal.Zero, newError(CodeSaleExpired, e.id, "", "sale ended at %d", e.terms.EndsAt)
	}
	return ir.RequiredRate(e.terms.Price, remaining), nil
}

// OnStreamOpened validates and records a new stream from buyer. It backs
// the protocol's before-create hook: an error here means the stream is
// never established.
func (e *Engine) OnStreamOpened(ctx context.Context, buyer ir.AccountID, token ir.TokenID, rate decimal.Decimal, ts int64) error {
	if !e.bound() {
		return NewForbiddenSender(e.id, buyer, "item was not created through the gate")
	}
	if token != e.terms.Token {
		return newError(CodeWrongToken, e.id, buyer, "item accepts %s, not %s", e.terms.Token, token)
	}
	if s, ok := e.streams[buyer]; ok {
		return newError(CodeStreamExists, e.id, buyer, "stream open since %d", s.StartAt)
	}
	required, err := e.RequiredRateAt(ts)
	if err != nil {
		return err
	}
	if e.available <= 0 {
		return newError(CodeNoAvailability, e.id, buyer, "all %d units reserved or claimed", e.terms.TotalUnits)
	}
	if !rate.Equal(required) {
		return newError(CodeRateMismatch, e.id, buyer, "rate %s, required %s", rate, required)
	}

	e.streams[buyer] = &stream{StreamRecord: ir.StreamRecord{Buyer: buyer, Rate: rate, StartAt: ts}}
	e.available--

	e.logger.Debug("stream opened", "item", e.id, "buyer", buyer, "rate", rate, "available", e.available)
	e.emitter.Emit(ctx, events.KindStreamOpened, e.id, map[string]any{
		"buyer":    buyer,
		"rate":     rate,
		"start_at": ts,
	})
	return nil
}

// OnStreamUpdateAttempted backs the protocol's before-update hook. Rate
// changes on an open stream are never accepted.
func (e *Engine) OnStreamUpdateAttempted(_ context.Context, buyer ir.AccountID, newRate decimal.Decimal) error {
	e.logger.Debug("stream update rejected", "item", e.id, "buyer", buyer, "rate", newRate)
	return newError(CodeUpdatesForbidden, e.id, buyer, "stream rates cannot change")
}

// OnStreamClosed backs the protocol's termination hook.
//
// A close that paid less than the price returns the reserved unit. A close
// that paid the full price is a completed purchase: the unit is issued to
// the buyer now, or recorded as owed if issuance fails. Closes caused by
// Claim itself are ignored.
func (e *Engine) OnStreamClosed(ctx context.Context, buyer ir.AccountID, finalRate decimal.Decimal, elapsed int64) error {
	s, ok := e.streams[buyer]
	if !ok || s.settling {
		return nil
	}
	paid := ir.Accrued(s.Rate, elapsed)
	delete(e.streams, buyer)

	settled := ir.Covers(paid, e.terms.Price)
	e.emitter.Emit(ctx, events.KindStreamClosed, e.id, map[string]any{
		"buyer":   buyer,
		"paid":    paid,
		"elapsed": elapsed,
		"settled": settled,
	})

	if !settled {
		e.available++
		e.logger.Debug("stream closed early", "item", e.id, "buyer", buyer, "paid", paid, "rate", finalRate)
		return nil
	}

	unit, err := e.issueNext(ctx, buyer)
	if err != nil {
		e.owed[buyer]++
		e.logger.Warn("unit issuance deferred", "item", e.id, "buyer", buyer, "error", err)
		return nil
	}
	e.claimed++
	e.settled(ctx, buyer, unit, paid)
	return nil
}

// Claim settles buyer's purchase and returns the issued unit id.
//
// With an owed unit pending, Claim issues it. Otherwise the buyer's open
// stream must have accrued the price: the next held unit moves to the
// buyer, the protocol stream is closed and the record deleted. If any step
// fails, Claim leaves the record and the unit where they were.
func (e *Engine) Claim(ctx context.Context, buyer ir.AccountID) (ir.UnitID, error) {
	if e.owed[buyer] > 0 {
		return e.claimOwed(ctx, buyer)
	}

	s, ok := e.streams[buyer]
	if !ok || s.settling {
		return 0, newError(CodeNothingToClaim, e.id, buyer, "no open stream")
	}
	paid := s.PaidAt(e.clock.Now())
	if !ir.Covers(paid, e.terms.Price) {
		return 0, newError(CodeNotPaidEnough, e.id, buyer, "paid %s of %d", paid, e.terms.Price)
	}

	s.settling = true
	unit, err := e.issueNext(ctx, buyer)
	if err != nil {
		s.settling = false
		return 0, fmt.Errorf("claim %s: %w", e.id, err)
	}

	account := e.id.Account()
	if err := e.protocol.DeleteFlow(ctx, e.terms.Token, buyer, account, account); err != nil {
		e.revokeUnit(ctx, buyer, unit)
		s.settling = false
		return 0, fmt.Errorf("claim %s: close stream: %w", e.id, err)
	}

	delete(e.streams, buyer)
	e.claimed++
	e.emitter.Emit(ctx, events.KindStreamClosed, e.id, map[string]any{
		"buyer":   buyer,
		"paid":    paid,
		"elapsed": e.clock.Now() - s.StartAt,
		"settled": true,
	})
	e.settled(ctx, buyer, unit, paid)
	return unit, nil
}

func (e *Engine) claimOwed(ctx context.Context, buyer ir.AccountID) (ir.UnitID, error) {
	unit, err := e.issueNext(ctx, buyer)
	if err != nil {
		return 0, fmt.Errorf("claim %s: owed unit: %w", e.id, err)
	}
	e.owed[buyer]--
	if e.owed[buyer] == 0 {
		delete(e.owed, buyer)
	}
	e.claimed++
	e.settled(ctx, buyer, unit, decimal.NewFromInt(e.terms.Price))
	return unit, nil
}

func (e *Engine) issueNext(ctx context.Context, buyer ir.AccountID) (ir.UnitID, error) {
	unit := e.nextUnit
	if int64(unit) > e.terms.TotalUnits {
		return 0, fmt.Errorf("issue unit %d: %w", unit, ErrUnknownUnit)
	}
	if err := e.ledger.Transfer(ctx, e.id, e.id.Account(), buyer, unit, 1); err != nil {
		return 0, fmt.Errorf("issue unit %d: %w", unit, err)
	}
	e.nextUnit++
	return unit, nil
}

func (e *Engine) revokeUnit(ctx context.Context, buyer ir.AccountID, unit ir.UnitID) {
	if err := e.ledger.Transfer(ctx, e.id, buyer, e.id.Account(), unit, 1); err != nil {
		// The unit stays with the buyer; the id is not reissued.
		e.logger.Error("unit revocation failed", "item", e.id, "buyer", buyer, "unit", unit, "error", err)
		return
	}
	e.nextUnit--
}

func (e *Engine) settled(ctx context.Context, buyer ir.AccountID, unit ir.UnitID, paid decimal.Decimal) {
	e.logger.Debug("purchase settled", "item", e.id, "buyer", buyer, "unit", unit)
	e.emitter.Emit(ctx, events.KindPurchaseSettled, e.id, map[string]any{
		"buyer": buyer,
		"unit":  unit,
		"paid":  paid,
	})
}

// Ready reports whether Claim(buyer) would settle a purchase as of now.
func (e *Engine) Ready(buyer ir.AccountID, now int64) bool {
	if e.owed[buyer] > 0 {
		return true
	}
	s, ok := e.streams[buyer]
	if !ok || s.settling {
		return false
	}
	return ir.Covers(s.PaidAt(now), e.terms.Price)
}

// ReadyBuyers returns every buyer Ready as of now: owed buyers first, then
// open streams by start time.
func (e *Engine) ReadyBuyers(now int64) []ir.AccountID {
	out := e.OwedBuyers()
	for _, rec := range e.OpenStreams() {
		if e.owed[rec.Buyer] == 0 && e.Ready(rec.Buyer, now) {
			out = append(out, rec.Buyer)
		}
	}
	return out
}

// TotalPaid returns what buyer's open stream has accrued as of now.
func (e *Engine) TotalPaid(buyer ir.AccountID) (decimal.Decimal, error) {
	s, ok := e.streams[buyer]
	if !ok {
		return decimal.Zero, newError(CodeNothingToClaim, e.id, buyer, "no open stream")
	}
	return s.PaidAt(e.clock.Now()), nil
}

// Stream returns buyer's open stream record.
func (e *Engine) Stream(buyer ir.AccountID) (ir.StreamRecord, bool) {
	s, ok := e.streams[buyer]
	if !ok {
		return ir.StreamRecord{}, false
	}
	return s.StreamRecord, true
}

// CurrentRate asks the protocol for the live rate of buyer's stream.
func (e *Engine) CurrentRate(ctx context.Context, buyer ir.AccountID) (decimal.Decimal, bool, error) {
	return e.protocol.FlowRate(ctx, e.terms.Token, buyer, e.id.Account())
}

// OpenStreams returns the open records ordered by start time, then buyer.
func (e *Engine) OpenStreams() []ir.StreamRecord {
	out := make([]ir.StreamRecord, 0, len(e.streams))
	for _, s := range e.streams {
		out = append(out, s.StreamRecord)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt != out[j].StartAt {
			return out[i].StartAt < out[j].StartAt
		}
		return out[i].Buyer < out[j].Buyer
	})
	return out
}

// OwedBuyers returns buyers with a paid-up closure still awaiting a unit.
func (e *Engine) OwedBuyers() []ir.AccountID {
	out := make([]ir.AccountID, 0, len(e.owed))
	for buyer := range e.owed {
		out = append(out, buyer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Available returns units neither claimed nor reserved by an open stream.
func (e *Engine) Available() int64 {
	return e.available
}

// Tally is a snapshot of an item's unit accounting.
type Tally struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Claimed   int64 `json:"claimed"`
	Open      int64 `json:"open"`
	Owed      int64 `json:"owed"`
}

// Balanced reports whether every unit is accounted for exactly once.
func (t Tally) Balanced() bool {
	return t.Available+t.Claimed+t.Open+t.Owed == t.Total
}

// Tally returns the current unit accounting.
func (e *Engine) Tally() Tally {
	var owed int64
	for _, n := range e.owed {
		owed += n
	}
	return Tally{
		Total:     e.terms.TotalUnits,
		Available: e.available,
		Claimed:   e.claimed,
		Open:      int64(len(e.streams)),
		Owed:      owed,
	}
}

// Details is the read model of an item.
type Details struct {
	ID        ir.ItemID `json:"id"`
	Terms     ir.Terms  `json:"terms"`
	Tally     Tally     `json:"tally"`
	Exhausted bool      `json:"exhausted"`
}

// Details returns the item's terms and counters.
func (e *Engine) Details() Details {
	return Details{
		ID:        e.id,
		Terms:     e.terms,
		Tally:     e.Tally(),
		Exhausted: e.available == 0,
	}
}

// URI returns the metadata locator of one unit. Every unit shares the
// item's locator; clients substitute "{id}" with the unit's Hex form.
func (e *Engine) URI(unit ir.UnitID) (string, error) {
	if unit < 1 || int64(unit) > e.terms.TotalUnits {
		return "", fmt.Errorf("uri %d of %s: %w", unit, e.id, ErrUnknownUnit)
	}
	return e.terms.URI, nil
}

// Withdraw sweeps the item's whole realtime balance of token to `to`.
// Only the creator may withdraw. Streams are unaffected.
func (e *Engine) Withdraw(ctx context.Context, caller, to ir.AccountID, token ir.TokenID) (decimal.Decimal, error) {
	if caller != e.terms.Creator {
		return decimal.Zero, NewForbiddenSender(e.id, caller, "only the creator may withdraw")
	}
	account := e.id.Account()
	bal, err := e.protocol.BalanceOf(ctx, token, account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("withdraw %s: %w", e.id, err)
	}
	if !bal.IsPositive() {
		return decimal.Zero, nil
	}
	if err := e.protocol.Transfer(ctx, token, account, to, bal); err != nil {
		return decimal.Zero, fmt.Errorf("withdraw %s: %w", e.id, err)
	}

	e.logger.Debug("withdrawal", "item", e.id, "to", to, "token", token, "amount", bal)
	e.emitter.Emit(ctx, events.KindWithdrawal, e.id, map[string]any{
		"to":     to,
		"token":  token,
		"amount": bal,
	})
	return bal, nil
}

// Update carries the creator-editable part of the terms. Creator and total
// units are fixed at creation.
type Update struct {
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Price       int64      `json:"price" yaml:"price"`
	Token       ir.TokenID `json:"token" yaml:"token"`
	EndsAt      int64      `json:"ends_at" yaml:"ends_at"`
	URI         string     `json:"uri" yaml:"uri"`
}

// UpdateOf returns the Update that leaves t unchanged, for callers that
// edit one field at a time.
func UpdateOf(t ir.Terms) Update {
	return Update{
		Title:       t.Title,
		Description: t.Description,
		Price:       t.Price,
		Token:       t.Token,
		EndsAt:      t.EndsAt,
		URI:         t.URI,
	}
}

// Update replaces the item's editable terms and emits the full new tuple.
//
// Title, description and URI may change at any time. Price, token and end
// are locked while any stream is open or any unit has been claimed or is
// owed, since those were committed against the old values.
func (e *Engine) Update(ctx context.Context, caller ir.AccountID, u Update) error {
	if caller != e.terms.Creator {
		return NewForbiddenSender(e.id, caller, "not the creator")
	}

	next := e.terms
	next.Title = u.Title
	next.Description = u.Description
	next.Price = u.Price
	next.Token = u.Token
	next.EndsAt = u.EndsAt
	next.URI = u.URI
	next = next.Normalize()
	if err := next.Validate(); err != nil {
		return NewInvalidTerms(e.id, err)
	}

	economic := next.Price != e.terms.Price || next.Token != e.terms.Token || next.EndsAt != e.terms.EndsAt
	if economic {
		t := e.Tally()
		if t.Open > 0 || t.Claimed > 0 || t.Owed > 0 {
			return newError(CodeTermsLocked, e.id, caller,
				"price, token and end are locked (%d open, %d claimed, %d owed)", t.Open, t.Claimed, t.Owed)
		}
		if now := e.clock.Now(); next.EndsAt != e.terms.EndsAt && next.EndsAt <= now {
			return newError(CodeInvalidTerms, e.id, caller, "sale end %d is not after now (%d)", next.EndsAt, now)
		}
	}

	e.terms = next
	e.logger.Debug("item updated", "item", e.id, "price", next.Price, "ends_at", next.EndsAt)
	e.emitter.Emit(ctx, events.KindItemUpdated, e.id, events.TermsAttrs(next))
	return nil
}

func (e *Engine) bound() bool {
	return e.binding != nil && e.binding.IsBound(e.id, e.terms.Creator)
}
