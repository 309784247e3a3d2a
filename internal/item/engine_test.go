package item

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/flow"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/testutil"
	"github.com/roach88/streamsale/internal/units"
)

const (
	t0    int64 = 1_700_000_000
	day   int64 = 86_400
	month int64 = 30 * day

	token   ir.TokenID   = "fDAIx"
	creator ir.AccountID = "alice"
	bob     ir.AccountID = "bob"
	carol   ir.AccountID = "carol"
	itemID  ir.ItemID    = "item_test"
)

type staticBinding bool

func (b staticBinding) IsBound(ir.ItemID, ir.AccountID) bool { return bool(b) }

// flakyLedger fails unit transfers while fail is set.
type flakyLedger struct {
	*units.Memory
	fail bool
}

func (l *flakyLedger) Transfer(ctx context.Context, c ir.ItemID, from, to ir.AccountID, u ir.UnitID, n int64) error {
	if l.fail {
		return errors.New("ledger unavailable")
	}
	return l.Memory.Transfer(ctx, c, from, to, u, n)
}

// stuckProtocol refuses to close flows.
type stuckProtocol struct {
	*flow.Host
}

func (stuckProtocol) DeleteFlow(context.Context, ir.TokenID, ir.AccountID, ir.AccountID, ir.AccountID) error {
	return errors.New("protocol paused")
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	clock  *testutil.ManualClock
	host   *flow.Host
	ledger *flakyLedger
	rec    *events.Recorder
	e      *Engine
}

func defaultTerms() ir.Terms {
	return ir.Terms{
		Creator:     creator,
		Title:       "Zine #1",
		Description: "A limited zine",
		Price:       42,
		Token:       token,
		TotalUnits:  10,
		EndsAt:      t0 + month,
		URI:         "ipfs://zine/{id}.json",
	}
}

func newFixture(t *testing.T, terms ir.Terms, wrap func(*flow.Host) Protocol) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewManualClock(t0)
	host := flow.NewHost(clock)
	ledger := &flakyLedger{Memory: units.NewMemory()}
	rec := events.NewRecorder()

	var protocol Protocol = host
	if wrap != nil {
		protocol = wrap(host)
	}
	e, err := New(itemID, terms, protocol, ledger, clock,
		WithBinding(staticBinding(true)),
		WithEmitter(events.NewBus(events.WithSink(rec))),
	)
	require.NoError(t, err)
	require.NoError(t, host.RegisterApp(itemID.Account(), NewProtocolApp(e)))

	for u := int64(1); u <= terms.TotalUnits; u++ {
		require.NoError(t, ledger.Mint(ctx, itemID, itemID.Account(), ir.UnitID(u), 1))
	}
	for _, buyer := range []ir.AccountID{bob, carol} {
		require.NoError(t, host.Mint(token, buyer, decimal.NewFromInt(1_000)))
	}
	return &fixture{t: t, ctx: ctx, clock: clock, host: host, ledger: ledger, rec: rec, e: e}
}

func (f *fixture) open(buyer ir.AccountID) decimal.Decimal {
	f.t.Helper()
	rate, err := f.e.RequiredRate()
	require.NoError(f.t, err)
	require.NoError(f.t, f.host.CreateFlow(f.ctx, token, buyer, itemID.Account(), rate))
	return rate
}

func (f *fixture) close(buyer ir.AccountID) {
	f.t.Helper()
	require.NoError(f.t, f.host.DeleteFlow(f.ctx, token, buyer, itemID.Account(), buyer))
}

func (f *fixture) units(holder ir.AccountID, unit ir.UnitID) int64 {
	f.t.Helper()
	n, err := f.ledger.BalanceOf(f.ctx, itemID, holder, unit)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) assertBalanced() {
	f.t.Helper()
	tally := f.e.Tally()
	assert.True(f.t, tally.Balanced(), "unbalanced tally %+v", tally)
}

func TestNew_RejectsInvalidTerms(t *testing.T) {
	clock := testutil.NewManualClock(t0)
	cases := map[string]func(*ir.Terms){
		"zero price":  func(tr *ir.Terms) { tr.Price = 0 },
		"no units":    func(tr *ir.Terms) { tr.TotalUnits = 0 },
		"no token":    func(tr *ir.Terms) { tr.Token = "" },
		"no creator":  func(tr *ir.Terms) { tr.Creator = "" },
		"already end": func(tr *ir.Terms) { tr.EndsAt = t0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			terms := defaultTerms()
			mutate(&terms)
			_, err := New(itemID, terms, flow.NewHost(clock), units.NewMemory(), clock)
			assert.True(t, IsCode(err, CodeInvalidTerms), "got %v", err)
		})
	}
}

func TestRestore_ResumesAfterIssuedUnits(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewManualClock(t0)
	host := flow.NewHost(clock)
	ledger := units.NewMemory()
	for u := int64(4); u <= 10; u++ {
		require.NoError(t, ledger.Mint(ctx, itemID, itemID.Account(), ir.UnitID(u), 1))
	}

	e, err := Restore(itemID, defaultTerms(), 3, host, ledger, clock, WithBinding(staticBinding(true)))
	require.NoError(t, err)
	require.NoError(t, host.RegisterApp(itemID.Account(), NewProtocolApp(e)))
	tally := e.Tally()
	assert.Equal(t, int64(7), tally.Available)
	assert.Equal(t, int64(3), tally.Claimed)
	assert.True(t, tally.Balanced())

	require.NoError(t, host.Mint(token, bob, decimal.NewFromInt(100)))
	rate, err := e.RequiredRate()
	require.NoError(t, err)
	require.NoError(t, host.CreateFlow(ctx, token, bob, itemID.Account(), rate))
	clock.Advance(month + 60)
	unit, err := e.Claim(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, ir.UnitID(4), unit)
}

func TestRestore_EndedSaleStaysReadable(t *testing.T) {
	clock := testutil.NewManualClock(t0 + 2*month)
	e, err := Restore(itemID, defaultTerms(), 0, flow.NewHost(clock), units.NewMemory(), clock)
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.Available())

	_, err = e.RequiredRate()
	assert.True(t, IsCode(err, CodeSaleExpired), "got %v", err)
}

func TestRestore_RejectsImpossibleIssuedCount(t *testing.T) {
	clock := testutil.NewManualClock(t0)
	for _, issued := range []int64{-1, 11} {
		_, err := Restore(itemID, defaultTerms(), issued, flow.NewHost(clock), units.NewMemory(), clock)
		assert.True(t, IsCode(err, CodeInvalidTerms), "issued %d: got %v", issued, err)
	}
}

func TestRequiredRate_RisesTowardDeadline(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)

	first, err := f.e.RequiredRate()
	require.NoError(t, err)
	assert.Equal(t, "0.000016203703703703", first.String())

	f.clock.Advance(29 * day)
	later, err := f.e.RequiredRate()
	require.NoError(t, err)
	assert.True(t, later.GreaterThan(first))

	f.clock.Advance(day)
	_, err = f.e.RequiredRate()
	assert.True(t, IsCode(err, CodeSaleExpired))
}

func TestOnStreamOpened_ReservesUnit(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)

	rate := f.open(bob)

	rec, ok := f.e.Stream(bob)
	require.True(t, ok)
	assert.True(t, rec.Rate.Equal(rate))
	assert.Equal(t, t0, rec.StartAt)
	assert.Equal(t, int64(9), f.e.Available())
	assert.Len(t, f.rec.OfKind(events.KindStreamOpened), 1)
	f.assertBalanced()
}

func TestOnStreamOpened_RejectsWrongRate(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	required, err := f.e.RequiredRate()
	require.NoError(t, err)

	for _, rate := range []decimal.Decimal{required.Add(ir.MinRateStep), required.Sub(ir.MinRateStep), required.Mul(decimal.NewFromInt(2))} {
		err := f.host.CreateFlow(f.ctx, token, bob, itemID.Account(), rate)
		assert.True(t, IsCode(err, CodeRateMismatch), "rate %s: %v", rate, err)
	}

	assert.Equal(t, int64(10), f.e.Available())
	_, ok := f.host.Flow(token, bob, itemID.Account())
	assert.False(t, ok, "rejected stream must not exist at the protocol")
	f.assertBalanced()
}

func TestOnStreamOpened_RejectsWrongToken(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	rate, err := f.e.RequiredRate()
	require.NoError(t, err)

	err = f.host.CreateFlow(f.ctx, "USDCx", bob, itemID.Account(), rate)
	assert.True(t, IsCode(err, CodeWrongToken))
	assert.Equal(t, int64(10), f.e.Available())
}

func TestOnStreamOpened_RejectsSecondStream(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	rate := f.open(bob)

	err := f.e.OnStreamOpened(f.ctx, bob, token, rate, t0)
	assert.True(t, IsCode(err, CodeStreamExists))
	assert.Equal(t, int64(9), f.e.Available())
}

func TestOnStreamOpened_NoAvailability(t *testing.T) {
	terms := defaultTerms()
	terms.TotalUnits = 1
	f := newFixture(t, terms, nil)
	f.open(bob)

	rate, err := f.e.RequiredRate()
	require.NoError(t, err)
	err = f.host.CreateFlow(f.ctx, token, carol, itemID.Account(), rate)
	assert.True(t, IsCode(err, CodeNoAvailability))
	assert.True(t, f.e.Details().Exhausted)
	f.assertBalanced()
}

func TestOnStreamOpened_RejectsAfterDeadline(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	err := f.e.OnStreamOpened(f.ctx, bob, token, ir.MinRateStep, t0+month)
	assert.True(t, IsCode(err, CodeSaleExpired))
}

func TestOnStreamOpened_RejectsUnboundItem(t *testing.T) {
	clock := testutil.NewManualClock(t0)
	host := flow.NewHost(clock)
	e, err := New(itemID, defaultTerms(), host, units.NewMemory(), clock)
	require.NoError(t, err)
	require.NoError(t, host.RegisterApp(itemID.Account(), NewProtocolApp(e)))
	require.NoError(t, host.Mint(token, bob, decimal.NewFromInt(100)))

	rate, err := e.RequiredRate()
	require.NoError(t, err)
	err = host.CreateFlow(context.Background(), token, bob, itemID.Account(), rate)
	assert.True(t, IsForbiddenSender(err))

	e2, err := New(itemID, defaultTerms(), host, units.NewMemory(), clock, WithBinding(staticBinding(false)))
	require.NoError(t, err)
	assert.True(t, IsForbiddenSender(e2.OnStreamOpened(context.Background(), bob, token, rate, t0)))
}

func TestUpdateAttempt_HalvingRejected(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	rate := f.open(bob)
	before, _ := f.e.Stream(bob)

	f.clock.Advance(day)
	err := f.host.UpdateFlow(f.ctx, token, bob, itemID.Account(), rate.Div(decimal.NewFromInt(2)))
	assert.True(t, IsCode(err, CodeUpdatesForbidden))

	after, ok := f.e.Stream(bob)
	require.True(t, ok)
	assert.Equal(t, before, after)

	live, ok, err := f.e.CurrentRate(f.ctx, bob)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, live.Equal(rate))
	assert.Equal(t, int64(9), f.e.Available())
}

func TestClaim_EndToEnd(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	rate := f.open(bob)
	assert.Equal(t, "0.000016203703703703", rate.String())

	f.clock.Advance(day)
	_, err := f.e.Claim(f.ctx, bob)
	assert.True(t, IsCode(err, CodeNotPaidEnough))
	assert.True(t, IsRetryable(err))
	_, ok := f.e.Stream(bob)
	assert.True(t, ok, "record must survive a failed claim")

	// At exactly the deadline the truncated rate is a hair short.
	f.clock.Set(t0 + month)
	_, err = f.e.Claim(f.ctx, bob)
	assert.True(t, IsCode(err, CodeNotPaidEnough))

	f.clock.Advance(60)
	paid, err := f.e.TotalPaid(bob)
	require.NoError(t, err)
	assert.True(t, paid.GreaterThanOrEqual(decimal.NewFromInt(42)))

	unit, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, ir.UnitID(1), unit)

	assert.Equal(t, int64(1), f.units(bob, 1))
	assert.Equal(t, int64(0), f.units(itemID.Account(), 1))
	_, ok = f.e.Stream(bob)
	assert.False(t, ok)
	_, ok = f.host.Flow(token, bob, itemID.Account())
	assert.False(t, ok, "claim closes the protocol stream")

	settled := f.rec.OfKind(events.KindPurchaseSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, ir.UnitID(1), settled[0].Attrs["unit"])
	assert.Equal(t, bob, settled[0].Attrs["buyer"])
	closed := f.rec.OfKind(events.KindStreamClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, true, closed[0].Attrs["settled"])
	assert.Equal(t, bob, closed[0].Attrs["buyer"])
	assert.Less(t, closed[0].Seq, settled[0].Seq, "stream.closed precedes purchase.settled")

	// The item keeps what was streamed.
	held, err := f.host.BalanceOf(f.ctx, token, itemID.Account())
	require.NoError(t, err)
	assert.True(t, held.GreaterThanOrEqual(decimal.NewFromInt(42)))

	assert.Equal(t, Tally{Total: 10, Available: 9, Claimed: 1}, f.e.Tally())
	f.assertBalanced()
}

func TestClaim_SecondCallFailsCleanly(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(month + day)

	_, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)

	_, err = f.e.Claim(f.ctx, bob)
	assert.True(t, IsCode(err, CodeNothingToClaim))
	assert.Equal(t, int64(1), f.e.Tally().Claimed)
}

func TestClaim_NothingToClaim(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	_, err := f.e.Claim(f.ctx, bob)
	assert.True(t, IsCode(err, CodeNothingToClaim))

	_, err = f.e.TotalPaid(bob)
	assert.True(t, IsCode(err, CodeNothingToClaim))
}

func TestClaim_BuyerMayReopenAfterEarlyClose(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)

	first := f.open(bob)
	f.clock.Advance(day)
	f.close(bob)

	// The second stream commits to the higher rate required a day later.
	second := f.open(bob)
	assert.True(t, second.GreaterThan(first))
	assert.Equal(t, int64(9), f.e.Available())

	f.clock.Advance(month)
	unit, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, ir.UnitID(1), unit)
	f.assertBalanced()
}

func TestClaim_ReversedWhenStreamCannotClose(t *testing.T) {
	f := newFixture(t, defaultTerms(), func(h *flow.Host) Protocol { return stuckProtocol{h} })
	f.open(bob)
	f.clock.Advance(month + day)

	_, err := f.e.Claim(f.ctx, bob)
	require.Error(t, err)
	assert.Equal(t, Code(""), CodeOf(err))

	assert.Equal(t, int64(1), f.units(itemID.Account(), 1))
	assert.Equal(t, int64(0), f.units(bob, 1))
	_, ok := f.e.Stream(bob)
	assert.True(t, ok, "record restored")
	assert.True(t, f.e.Ready(bob, f.clock.Now()))
	assert.Empty(t, f.rec.OfKind(events.KindPurchaseSettled))
	f.assertBalanced()
}

func TestClaim_LedgerFailureLeavesRecord(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(month + day)
	f.ledger.fail = true

	_, err := f.e.Claim(f.ctx, bob)
	require.Error(t, err)

	_, ok := f.host.Flow(token, bob, itemID.Account())
	assert.True(t, ok, "stream stays open")
	_, ok = f.e.Stream(bob)
	assert.True(t, ok)

	f.ledger.fail = false
	unit, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, ir.UnitID(1), unit)
}

func TestOnStreamClosed_EarlyReturnsUnit(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(day)

	f.close(bob)

	_, ok := f.e.Stream(bob)
	assert.False(t, ok)
	assert.Equal(t, int64(10), f.e.Available())
	assert.Equal(t, int64(0), f.units(bob, 1))

	closed := f.rec.OfKind(events.KindStreamClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, false, closed[0].Attrs["settled"])
	assert.Equal(t, day, closed[0].Attrs["elapsed"])
	f.assertBalanced()
}

func TestOnStreamClosed_LateIssuesUnit(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(month + day)

	f.close(bob)

	assert.Equal(t, int64(9), f.e.Available())
	assert.Equal(t, int64(1), f.units(bob, 1))
	assert.Len(t, f.rec.OfKind(events.KindPurchaseSettled), 1)
	assert.Equal(t, Tally{Total: 10, Available: 9, Claimed: 1}, f.e.Tally())

	_, err := f.e.Claim(f.ctx, bob)
	assert.True(t, IsCode(err, CodeNothingToClaim))
}

func TestOnStreamClosed_LateWithLedgerDownOwesUnit(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(month + day)
	f.ledger.fail = true

	f.close(bob)

	assert.Equal(t, Tally{Total: 10, Available: 9, Owed: 1}, f.e.Tally())
	assert.Equal(t, []ir.AccountID{bob}, f.e.OwedBuyers())
	assert.Equal(t, []ir.AccountID{bob}, f.e.ReadyBuyers(f.clock.Now()))
	f.assertBalanced()

	f.ledger.fail = false
	unit, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, ir.UnitID(1), unit)
	assert.Equal(t, Tally{Total: 10, Available: 9, Claimed: 1}, f.e.Tally())
	assert.Empty(t, f.e.OwedBuyers())
}

func TestTally_BalancedThroughLifecycle(t *testing.T) {
	terms := defaultTerms()
	terms.TotalUnits = 3
	f := newFixture(t, terms, nil)

	f.open(bob)
	f.assertBalanced()
	f.clock.Advance(day)
	f.open(carol)
	f.assertBalanced()
	f.clock.Advance(month)

	_, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)
	f.assertBalanced()

	// Carol opened a day later at a higher rate and is paid up as well.
	assert.Equal(t, []ir.AccountID{carol}, f.e.ReadyBuyers(f.clock.Now()))
	f.close(carol)
	f.assertBalanced()
	assert.Equal(t, Tally{Total: 3, Available: 1, Claimed: 2}, f.e.Tally())
}

func TestReadyBuyers_OrderedByStart(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(carol)
	f.clock.Advance(10)
	f.open(bob)

	assert.Empty(t, f.e.ReadyBuyers(f.clock.Now()))
	recs := f.e.OpenStreams()
	require.Len(t, recs, 2)
	assert.Equal(t, carol, recs[0].Buyer)
	assert.Equal(t, bob, recs[1].Buyer)

	assert.Equal(t, []ir.AccountID{carol, bob}, f.e.ReadyBuyers(t0+2*month))
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(month + day)
	_, err := f.e.Claim(f.ctx, bob)
	require.NoError(t, err)

	_, err = f.e.Withdraw(f.ctx, bob, bob, token)
	assert.True(t, IsForbiddenSender(err))

	amount, err := f.e.Withdraw(f.ctx, creator, creator, token)
	require.NoError(t, err)
	assert.True(t, amount.GreaterThanOrEqual(decimal.NewFromInt(42)))

	got, err := f.host.BalanceOf(f.ctx, token, creator)
	require.NoError(t, err)
	assert.True(t, got.Equal(amount))

	ws := f.rec.OfKind(events.KindWithdrawal)
	require.Len(t, ws, 1)
	assert.True(t, ws[0].Attrs["amount"].(decimal.Decimal).Equal(amount))

	// Nothing left: no transfer, no event.
	again, err := f.e.Withdraw(f.ctx, creator, creator, token)
	require.NoError(t, err)
	assert.True(t, again.IsZero())
	assert.Len(t, f.rec.OfKind(events.KindWithdrawal), 1)
}

func TestWithdraw_DoesNotTouchStreams(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	f.clock.Advance(day)

	amount, err := f.e.Withdraw(f.ctx, creator, creator, token)
	require.NoError(t, err)
	assert.True(t, amount.IsPositive())

	_, ok := f.e.Stream(bob)
	assert.True(t, ok)
	assert.Equal(t, int64(9), f.e.Available())
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)

	err := f.e.Update(f.ctx, bob, Update{Title: "x", Price: 1, Token: token, EndsAt: t0 + day})
	assert.True(t, IsForbiddenSender(err))

	u := Update{
		Title:       "Zine #1 (2nd printing)",
		Description: "Now with more pages",
		Price:       84,
		Token:       token,
		EndsAt:      t0 + 2*month,
		URI:         "ipfs://zine2/{id}.json",
	}
	require.NoError(t, f.e.Update(f.ctx, creator, u))

	d := f.e.Details()
	assert.Equal(t, int64(84), d.Terms.Price)
	assert.Equal(t, creator, d.Terms.Creator)
	assert.Equal(t, int64(10), d.Terms.TotalUnits)

	updated := f.rec.OfKind(events.KindItemUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, events.TermsAttrs(d.Terms), updated[0].Attrs)
}

func TestUpdate_EconomicTermsLockedByOpenStream(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	f.open(bob)
	terms := f.e.Terms()

	err := f.e.Update(f.ctx, creator, Update{Title: terms.Title, Price: 1, Token: terms.Token, EndsAt: terms.EndsAt, URI: terms.URI})
	assert.True(t, IsCode(err, CodeTermsLocked))
	assert.Equal(t, int64(42), f.e.Terms().Price)

	// Cosmetic changes are always allowed.
	err = f.e.Update(f.ctx, creator, Update{Title: "New title", Price: terms.Price, Token: terms.Token, EndsAt: terms.EndsAt, URI: terms.URI})
	require.NoError(t, err)
	assert.Equal(t, "New title", f.e.Terms().Title)
}

func TestUpdate_RejectsInvalidTerms(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	terms := f.e.Terms()

	err := f.e.Update(f.ctx, creator, Update{Title: terms.Title, Price: 0, Token: terms.Token, EndsAt: terms.EndsAt})
	assert.True(t, IsCode(err, CodeInvalidTerms))

	err = f.e.Update(f.ctx, creator, Update{Title: terms.Title, Price: 42, Token: terms.Token, EndsAt: t0})
	assert.True(t, IsCode(err, CodeInvalidTerms))
}

func TestURI(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)

	uri, err := f.e.URI(1)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://zine/{id}.json", uri)
	last, err := f.e.URI(10)
	require.NoError(t, err)
	assert.Equal(t, uri, last)

	_, err = f.e.URI(11)
	assert.ErrorIs(t, err, ErrUnknownUnit)
	_, err = f.e.URI(0)
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

func TestProtocolApp_RejectsForeignReceiver(t *testing.T) {
	f := newFixture(t, defaultTerms(), nil)
	app := NewProtocolApp(f.e)

	err := app.BeforeAgreementCreated(f.ctx, flow.Agreement{Token: token, Sender: bob, Receiver: carol, Rate: ir.MinRateStep, StartAt: t0})
	assert.True(t, IsForbiddenSender(err))
}
