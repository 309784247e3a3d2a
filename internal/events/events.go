// Package events defines streamsale's observable event log and the bus that
// stamps and fans events out to sinks.
//
// Every event carries a seq from the logical clock and a content-addressed
// id derived from (kind, seq, attrs). Seq order is the only order.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/ir"
)

// Kind names an event type.
type Kind string

// Event kinds.
const (
	KindItemCreated     Kind = "item.created"
	KindItemUpdated     Kind = "item.updated"
	KindPurchaseSettled Kind = "purchase.settled"
	KindWithdrawal      Kind = "item.withdrawal"
	KindProfileCreated  Kind = "profile.created"
	KindProfileUpdated  Kind = "profile.updated"
	KindStreamOpened    Kind = "stream.opened"
	KindStreamClosed    Kind = "stream.closed"
)

// Event is one entry of the event log.
//
// Attrs values are restricted to types ir.MarshalCanonical accepts.
type Event struct {
	Seq   int64          `json:"seq"`
	ID    string         `json:"id"`
	OpID  string         `json:"op_id,omitempty"`
	Kind  Kind           `json:"kind"`
	Item  ir.ItemID      `json:"item,omitempty"`
	Attrs map[string]any `json:"attrs"`
}

// Sink receives stamped events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter is what domain components publish through.
type Emitter interface {
	Emit(ctx context.Context, kind Kind, item ir.ItemID, attrs map[string]any)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, Kind, ir.ItemID, map[string]any) {}

// Bus stamps events and delivers them to every sink in registration order.
//
// Emit never fails from the caller's point of view: the operation that
// produced the event has already been applied. Encoding and sink failures
// are logged.
type Bus struct {
	clock  *engine.Clock
	logger *slog.Logger

	mu    sync.Mutex
	sinks []Sink
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithClock sets the seq clock. Use engine.NewClockAt to resume after a
// persisted log.
func WithClock(c *engine.Clock) BusOption {
	return func(b *Bus) {
		b.clock = c
	}
}

// WithSink adds a sink.
func WithSink(s Sink) BusOption {
	return func(b *Bus) {
		b.sinks = append(b.sinks, s)
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = l
	}
}

// NewBus creates a bus with a clock starting at 0 and no sinks.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		clock:  engine.NewClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a sink after construction.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit implements Emitter.
func (b *Bus) Emit(ctx context.Context, kind Kind, item ir.ItemID, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	seq := b.clock.Next()
	id, err := ir.EventID(string(kind), seq, attrs)
	if err != nil {
		b.logger.Error("event not encodable", "kind", kind, "seq", seq, "error", err)
		return
	}
	ev := Event{
		Seq:   seq,
		ID:    id,
		OpID:  engine.OpID(ctx),
		Kind:  kind,
		Item:  item,
		Attrs: attrs,
	}

	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			b.logger.Warn("event delivery failed", "kind", kind, "seq", seq, "error", err)
		}
	}
}

// Seq returns the seq of the last emitted event.
func (b *Bus) Seq() int64 {
	return b.clock.Current()
}

// TermsAttrs renders a terms tuple as event attributes.
func TermsAttrs(t ir.Terms) map[string]any {
	return map[string]any{
		"creator":     t.Creator,
		"title":       t.Title,
		"description": t.Description,
		"price":       t.Price,
		"token":       t.Token,
		"total_units": t.TotalUnits,
		"ends_at":     t.EndsAt,
		"uri":         t.URI,
	}
}
