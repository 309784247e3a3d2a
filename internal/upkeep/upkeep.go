// Package upkeep settles paid-up purchases without buyer action.
//
// Settlement is a two-phase batch. CheckReadiness is a read-only scan of
// the registered-items index producing a bounded work payload; PerformWork
// decodes a payload, re-validates every entry against current state and
// claims it. The two phases run as separate jobs and state may change in
// between, so PerformWork never trusts the payload: an entry that is no
// longer ready is skipped.
//
// The payload may come from an untrusted scheduler. PerformWork only acts
// on registered items and only through item.Engine.Claim.
package upkeep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
)

// PayloadVersion is the work payload format version.
const PayloadVersion = 1

// DefaultMaxPayloadBytes bounds an encoded work payload.
const DefaultMaxPayloadBytes = 2048

// ErrMalformedPayload is returned for payloads PerformWork cannot decode.
var ErrMalformedPayload = errors.New("upkeep: malformed work payload")

// WorkItem is one (item, buyer) pair to settle.
type WorkItem struct {
	Item  ir.ItemID    `json:"item"`
	Buyer ir.AccountID `json:"buyer"`
}

type payload struct {
	V    int        `json:"v"`
	Work []WorkItem `json:"work"`
}

// Index is the registered-items index the scanner walks.
type Index interface {
	Items() []ir.ItemID
	Lookup(id ir.ItemID) (*item.Engine, bool)
}

// Settlement is one successful claim.
type Settlement struct {
	Item  ir.ItemID    `json:"item"`
	Buyer ir.AccountID `json:"buyer"`
	Unit  ir.UnitID    `json:"unit"`
}

// Skip is one work item PerformWork did not settle.
type Skip struct {
	Item   ir.ItemID    `json:"item"`
	Buyer  ir.AccountID `json:"buyer"`
	Code   item.Code    `json:"code,omitempty"`
	Reason string       `json:"reason"`
}

// Report is the outcome of one PerformWork call.
type Report struct {
	Settled []Settlement `json:"settled"`
	Skipped []Skip       `json:"skipped"`
}

// Scanner implements both phases. Not safe for concurrent use.
type Scanner struct {
	index      Index
	clock      engine.TimeSource
	maxPayload int
	logger     *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithMaxPayloadBytes overrides DefaultMaxPayloadBytes.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// WithLogger sets the logger for skipped work.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// NewScanner creates a scanner over index.
func NewScanner(index Index, clock engine.TimeSource, opts ...Option) *Scanner {
	s := &Scanner{
		index:      index,
		clock:      clock,
		maxPayload: DefaultMaxPayloadBytes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckReadiness scans the index in creation order and returns the ready
// work that fits the payload budget. An entry that does not fit is left for
// a later round and the scan moves on to smaller ones. It does not mutate
// anything. With nothing ready it returns false and an empty payload.
func (s *Scanner) CheckReadiness(_ context.Context) (bool, []byte, error) {
	now := s.clock.Now()
	p := payload{V: PayloadVersion, Work: []WorkItem{}}

	base, err := json.Marshal(p)
	if err != nil {
		return false, nil, fmt.Errorf("check readiness: %w", err)
	}
	size := len(base)

	for _, id := range s.index.Items() {
		e, ok := s.index.Lookup(id)
		if !ok {
			continue
		}
		for _, buyer := range e.ReadyBuyers(now) {
			w := WorkItem{Item: id, Buyer: buyer}
			entry, err := json.Marshal(w)
			if err != nil {
				return false, nil, fmt.Errorf("check readiness: %w", err)
			}
			n := len(entry)
			if len(p.Work) > 0 {
				n++ // separator
			}
			if size+n > s.maxPayload {
				if len(base)+len(entry) > s.maxPayload {
					s.logger.Warn("upkeep entry exceeds payload budget", "item", id, "buyer", buyer, "bytes", len(entry), "limit", s.maxPayload)
				}
				continue
			}
			p.Work = append(p.Work, w)
			size += n
		}
	}

	if len(p.Work) == 0 {
		return false, []byte{}, nil
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return false, nil, fmt.Errorf("check readiness: %w", err)
	}
	return true, encoded, nil
}

// PerformWork settles every still-ready entry of a payload. A failing entry
// is logged and reported as skipped; it never stops the rest of the batch.
// Only a payload that cannot be decoded fails the call.
func (s *Scanner) PerformWork(ctx context.Context, work []byte) (Report, error) {
	var p payload
	if err := json.Unmarshal(work, &p); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.V != PayloadVersion {
		return Report{}, fmt.Errorf("%w: version %d", ErrMalformedPayload, p.V)
	}

	report := Report{Settled: []Settlement{}, Skipped: []Skip{}}
	for _, w := range p.Work {
		unit, err := s.settle(ctx, w)
		if err != nil {
			skip := Skip{Item: w.Item, Buyer: w.Buyer, Code: item.CodeOf(err), Reason: err.Error()}
			report.Skipped = append(report.Skipped, skip)
			s.logger.Info("upkeep skipped", "item", w.Item, "buyer", w.Buyer, "code", skip.Code, "error", err)
			continue
		}
		report.Settled = append(report.Settled, Settlement{Item: w.Item, Buyer: w.Buyer, Unit: unit})
	}
	return report, nil
}

func (s *Scanner) settle(ctx context.Context, w WorkItem) (ir.UnitID, error) {
	e, ok := s.index.Lookup(w.Item)
	if !ok {
		return 0, item.NewForbiddenSender(w.Item, w.Buyer, "item is not registered")
	}
	if !e.Ready(w.Buyer, s.clock.Now()) {
		if _, open := e.Stream(w.Buyer); open {
			return 0, &item.Error{Code: item.CodeNotPaidEnough, Message: "no longer ready", Item: w.Item, Account: w.Buyer}
		}
		return 0, &item.Error{Code: item.CodeNothingToClaim, Message: "already settled or closed", Item: w.Item, Account: w.Buyer}
	}
	return e.Claim(ctx, w.Buyer)
}

// Decode returns the work items of a payload.
func Decode(work []byte) ([]WorkItem, error) {
	var p payload
	if err := json.Unmarshal(work, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p.Work, nil
}
