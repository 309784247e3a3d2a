package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
	"github.com/roach88/streamsale/internal/market"
	"github.com/roach88/streamsale/internal/testutil"
)

// OutcomeOK marks a step that succeeded.
const OutcomeOK = "ok"

// OutcomeError marks a step that failed without an item error code.
const OutcomeError = "ERROR"

// Harness executes one scenario against a fresh market.
type Harness struct {
	market   *market.Market
	clock    *testutil.ManualClock
	recorder *events.Recorder
	start    int64
	token    ir.TokenID

	aliases map[string]ir.ItemID
	names   map[ir.ItemID]string
	seen    int
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Build a market with a manual clock, fixed operation ids and an in-memory ledger
// 2. Execute steps in order, checking expect_error
// 3. Evaluate assertions against final state
// 4. Return the result with pass/fail, trace, and errors
//
// A step that misses its expectation fails the result; later steps still run.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	start := scenario.Start
	if start == 0 {
		start = DefaultStart
	}
	token := scenario.Token
	if token == "" {
		token = DefaultToken
	}

	clock := testutil.NewManualClock(start)
	rec := events.NewRecorder()
	m := market.New(
		market.WithClock(clock),
		market.WithSink(rec),
		market.WithIDGenerator(engine.NewFixedGenerator("op-"+scenario.Name)),
		market.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs in scenarios
	)
	stop := m.Start(ctx)
	defer stop()

	h := &Harness{
		market:   m,
		clock:    clock,
		recorder: rec,
		start:    start,
		token:    ir.TokenID(token),
		aliases:  map[string]ir.ItemID{},
		names:    map[ir.ItemID]string{},
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i+1, step, result)
	}

	for _, err := range h.evaluate(ctx, scenario.Assertions) {
		result.AddError(err.Error())
	}
	h.resolveAliases(result)
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) {
	res, err := h.apply(ctx, step)

	entry := TraceEntry{Step: n, Action: step.Action, Outcome: OutcomeOK}
	if err != nil {
		entry.Outcome = OutcomeError
		if code := item.CodeOf(err); code != "" {
			entry.Outcome = string(code)
		}
	} else if len(res) > 0 {
		entry.Result = res
	}
	entry.At = h.clock.Now() - h.start
	entry.Events = h.newEvents()
	result.Trace = append(result.Trace, entry)

	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", n, step.Action, err))
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got success", n, step.Action, step.ExpectError))
	case step.ExpectError != "" && entry.Outcome != step.ExpectError:
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %s: %v", n, step.Action, step.ExpectError, entry.Outcome, err))
	}
}

// apply runs one step and returns its trace result.
func (h *Harness) apply(ctx context.Context, step Step) (map[string]any, error) {
	token := h.token
	if step.Token != "" {
		token = ir.TokenID(step.Token)
	}
	id := h.aliases[step.Item]

	switch step.Action {
	case ActionSignup:
		_, err := h.market.Signup(ctx, ir.AccountID(step.Owner), step.Name, step.Description)
		return nil, err

	case ActionUpdateProfile:
		p, ok, err := h.market.ProfileOf(ctx, ir.AccountID(step.Owner))
		if err != nil || !ok {
			return nil, orMissing(err, "profile of %s", step.Owner)
		}
		return nil, h.market.UpdateProfile(ctx, ir.AccountID(step.Caller), p, step.Name, step.Description)

	case ActionCreateItem:
		ends, _ := parseSeconds(step.EndsIn)
		terms := ir.Terms{
			Title:       step.Title,
			Description: step.Description,
			Price:       step.Price,
			Token:       token,
			TotalUnits:  step.Units,
			EndsAt:      h.clock.Now() + ends,
			URI:         step.URI,
		}
		var (
			created ir.ItemID
			err     error
		)
		if step.Caller != "" {
			created, err = h.market.CreateItemAs(ctx, ir.AccountID(step.Caller), terms)
		} else {
			created, err = h.market.CreateItem(ctx, ir.AccountID(step.Owner), terms)
		}
		if err != nil {
			return nil, err
		}
		h.aliases[step.Item] = created
		h.names[created] = step.Item
		return map[string]any{"item": step.Item, "units": step.Units}, nil

	case ActionMint:
		amount, err := decimal.NewFromString(step.Amount)
		if err != nil {
			return nil, err
		}
		return nil, h.market.Mint(ctx, token, ir.AccountID(step.To), amount)

	case ActionOpenStream:
		rate, err := h.rateFor(ctx, id, step)
		if err != nil {
			return nil, err
		}
		if err := h.market.OpenStream(ctx, token, ir.AccountID(step.Buyer), id, rate); err != nil {
			return nil, err
		}
		return map[string]any{"rate": rate}, nil

	case ActionUpdateStream:
		rate, err := h.rateFor(ctx, id, step)
		if err != nil {
			return nil, err
		}
		return nil, h.market.UpdateStream(ctx, token, ir.AccountID(step.Buyer), id, rate)

	case ActionCloseStream:
		return nil, h.market.CloseStream(ctx, token, ir.AccountID(step.Buyer), id)

	case ActionAdvance:
		secs, _ := parseSeconds(step.By)
		h.clock.Advance(secs)
		return nil, nil

	case ActionClaim:
		unit, err := h.market.Claim(ctx, id, ir.AccountID(step.Buyer))
		if err != nil {
			return nil, err
		}
		return map[string]any{"unit": unit}, nil

	case ActionUpkeep:
		needed, work, err := h.market.CheckReadiness(ctx)
		if err != nil {
			return nil, err
		}
		if !needed {
			return map[string]any{"settled": int64(0), "skipped": int64(0)}, nil
		}
		report, err := h.market.PerformWork(ctx, work)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"settled": int64(len(report.Settled)),
			"skipped": int64(len(report.Skipped)),
		}, nil

	case ActionWithdraw:
		to := ir.AccountID(step.To)
		if to == "" {
			to = ir.AccountID(step.Caller)
		}
		amount, err := h.market.Withdraw(ctx, id, ir.AccountID(step.Caller), to, token)
		if err != nil {
			return nil, err
		}
		return map[string]any{"amount": amount}, nil

	case ActionUpdateItem:
		now := h.clock.Now()
		return nil, h.market.PatchItem(ctx, id, ir.AccountID(step.Caller), func(u *item.Update) {
			if step.Title != "" {
				u.Title = step.Title
			}
			if step.Description != "" {
				u.Description = step.Description
			}
			if step.URI != "" {
				u.URI = step.URI
			}
			if step.Price != 0 {
				u.Price = step.Price
			}
			if step.Token != "" {
				u.Token = ir.TokenID(step.Token)
			}
			if step.EndsIn != "" {
				ends, _ := parseSeconds(step.EndsIn)
				u.EndsAt = now + ends
			}
		})
	}
	return nil, fmt.Errorf("unknown action %q", step.Action)
}

// rateFor returns the step's explicit rate, or the item's required rate
// truncated-divided by rate_divisor.
func (h *Harness) rateFor(ctx context.Context, id ir.ItemID, step Step) (decimal.Decimal, error) {
	if step.Rate != "" {
		return decimal.NewFromString(step.Rate)
	}
	rate, err := h.market.RequiredRate(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if step.RateDivisor > 1 {
		rate, _ = rate.QuoRem(decimal.NewFromInt(step.RateDivisor), ir.RatePrecision)
	}
	return rate, nil
}

// newEvents returns events recorded since the previous call, in seq order.
func (h *Harness) newEvents() []TraceEvent {
	all := h.recorder.Events()
	if h.seen >= len(all) {
		return nil
	}
	out := make([]TraceEvent, 0, len(all)-h.seen)
	for _, ev := range all[h.seen:] {
		out = append(out, TraceEvent{Seq: ev.Seq, Kind: string(ev.Kind), Item: string(ev.Item)})
	}
	h.seen = len(all)
	return out
}

// resolveAliases rewrites item ids in the trace to their scenario aliases.
// Items are named only once create_item returns, so this runs last.
func (h *Harness) resolveAliases(result *Result) {
	for i := range result.Trace {
		for j, ev := range result.Trace[i].Events {
			if name, ok := h.names[ir.ItemID(ev.Item)]; ok {
				result.Trace[i].Events[j].Item = name
			}
		}
	}
}

func orMissing(err error, format string, args ...any) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("not found: "+format, args...)
}
