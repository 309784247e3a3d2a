package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/flow"
	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/item"
	"github.com/roach88/streamsale/internal/registry"
	"github.com/roach88/streamsale/internal/testutil"
	"github.com/roach88/streamsale/internal/units"
)

const (
	t0    int64      = 1_700_000_000
	month int64      = 30 * 86_400
	token ir.TokenID = "fDAIx"
)

type setup struct {
	ctx    context.Context
	clock  *testutil.ManualClock
	host   *flow.Host
	ledger *units.Memory
	reg    *registry.Registry
	rec    *events.Recorder
	gate   *Gate
}

type memIndex struct {
	ids []ir.ItemID
	err error
}

func (m *memIndex) RecordItem(_ context.Context, id ir.ItemID, _ ir.Terms) error {
	if m.err != nil {
		return m.err
	}
	m.ids = append(m.ids, id)
	return nil
}

func newSetup(t *testing.T, opts ...Option) *setup {
	t.Helper()
	clock := testutil.NewManualClock(t0)
	host := flow.NewHost(clock)
	ledger := units.NewMemory()
	rec := events.NewRecorder()
	bus := events.NewBus(events.WithSink(rec))
	reg := registry.New(registry.WithEmitter(bus))
	g := New(reg, host, ledger, clock, append([]Option{WithEmitter(bus)}, opts...)...)
	reg.Bind(g)
	return &setup{ctx: context.Background(), clock: clock, host: host, ledger: ledger, reg: reg, rec: rec, gate: g}
}

func terms(units int64) ir.Terms {
	return ir.Terms{
		Title:      "Print",
		Price:      42,
		Token:      token,
		TotalUnits: units,
		EndsAt:     t0 + month,
		URI:        "ipfs://print/{id}",
	}
}

func TestCreateItem_ByProfile(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(666))
	require.NoError(t, err)

	assert.Equal(t, []ir.ItemID{id}, s.gate.Items())
	e, ok := s.gate.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, ir.AccountID("alice"), e.Terms().Creator)
	assert.True(t, s.gate.IsBound(id, "alice"))
	assert.False(t, s.gate.IsBound(id, "mallory"))

	created := s.rec.OfKind(events.KindItemCreated)
	require.Len(t, created, 1)
	assert.Equal(t, id, created[0].Item)
	assert.Equal(t, int64(666), created[0].Attrs["total_units"])
}

func TestCreateItem_MintsWholeSupplyToItem(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(666))
	require.NoError(t, err)

	for _, u := range []ir.UnitID{1, 333, 666} {
		n, err := s.ledger.BalanceOf(s.ctx, id, id.Account(), u)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "unit %d", u)
	}
	n, err := s.ledger.BalanceOf(s.ctx, id, id.Account(), 667)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCreateItem_ByRegistryOnBehalf(t *testing.T) {
	s := newSetup(t)
	_, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	id, err := s.reg.CreateItem(s.ctx, "alice", terms(3))
	require.NoError(t, err)
	assert.True(t, s.gate.IsBound(id, "alice"))
}

func TestCreateItem_ForbiddenSender(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	cases := []struct {
		name       string
		caller     ir.AccountID
		onBehalfOf ir.AccountID
	}{
		{"unregistered account", "mallory", ""},
		{"owner instead of profile", "alice", ""},
		{"unregistered account claiming a profile", "mallory", profile},
		{"registry for unregistered account", s.reg.Address(), "mallory"},
		{"oversized caller", ir.AccountID(strings.Repeat("p", ir.MaxAccountIDLen+1)), ""},
		{"empty caller", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.gate.CreateItem(s.ctx, tc.caller, tc.onBehalfOf, terms(1))
			assert.True(t, item.IsForbiddenSender(err), "got %v", err)
		})
	}

	assert.Empty(t, s.gate.Items())
	assert.Empty(t, s.rec.OfKind(events.KindItemCreated))
}

func TestCreateItem_NoRegistry(t *testing.T) {
	clock := testutil.NewManualClock(t0)
	g := New(nil, flow.NewHost(clock), units.NewMemory(), clock)
	_, err := g.CreateItem(context.Background(), "anyone", "", terms(1))
	assert.True(t, item.IsForbiddenSender(err))
}

func TestCreateItem_InvalidTermsLeaveIndexEmpty(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	bad := terms(1)
	bad.Price = 0
	_, err = s.gate.CreateItem(s.ctx, profile, "", bad)
	assert.True(t, item.IsCode(err, item.CodeInvalidTerms))
	assert.Zero(t, s.gate.Len())

	// The nonce was not consumed: the next item gets the first id.
	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(1))
	require.NoError(t, err)
	assert.Equal(t, ir.DeriveItemID("alice", 1), id)
}

func TestCreateItem_DistinctIDs(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	a, err := s.gate.CreateItem(s.ctx, profile, "", terms(1))
	require.NoError(t, err)
	b, err := s.gate.CreateItem(s.ctx, profile, "", terms(1))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, []ir.ItemID{a, b}, s.gate.Items())
}

func TestCreateItem_NonceStart(t *testing.T) {
	s := newSetup(t, WithNonceStart(4))
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(1))
	require.NoError(t, err)
	assert.Equal(t, ir.DeriveItemID("alice", 5), id)
}

func TestCreateItem_RecordsIndex(t *testing.T) {
	idx := &memIndex{}
	s := newSetup(t, WithIndexRecorder(idx))
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(1))
	require.NoError(t, err)
	assert.Equal(t, []ir.ItemID{id}, idx.ids)
}

func TestCreateItem_RecorderFailure(t *testing.T) {
	idx := &memIndex{err: errors.New("disk full")}
	s := newSetup(t, WithIndexRecorder(idx))
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)

	_, err = s.gate.CreateItem(s.ctx, profile, "", terms(1))
	require.Error(t, err)
	assert.Empty(t, s.gate.Items())
}

func TestCreatedItemAcceptsStreams(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)
	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(2))
	require.NoError(t, err)
	e, _ := s.gate.Lookup(id)

	require.NoError(t, s.host.Mint(token, "bob", decimal.NewFromInt(100)))
	rate, err := e.RequiredRate()
	require.NoError(t, err)
	require.NoError(t, s.host.CreateFlow(s.ctx, token, "bob", id.Account(), rate))

	assert.Equal(t, int64(1), e.Available())
}

func TestRestore_RebuildsFromLedger(t *testing.T) {
	s := newSetup(t)
	profile, err := s.reg.Signup(s.ctx, "alice", "Alice", "")
	require.NoError(t, err)
	id, err := s.gate.CreateItem(s.ctx, profile, "", terms(3))
	require.NoError(t, err)
	e, _ := s.gate.Lookup(id)
	recorded := e.Terms()
	require.NoError(t, s.ledger.Transfer(s.ctx, id, id.Account(), "bob", 1, 1))

	// A second gate over the same ledger stands in for the restarted process.
	clock := testutil.NewManualClock(t0)
	rec := events.NewRecorder()
	restarted := New(s.reg, flow.NewHost(clock), s.ledger, clock, WithEmitter(events.NewBus(events.WithSink(rec))))
	require.NoError(t, restarted.Restore(s.ctx, id, recorded))

	assert.Equal(t, []ir.ItemID{id}, restarted.Items())
	assert.True(t, restarted.IsBound(id, "alice"))
	got, ok := restarted.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Available())
	assert.Equal(t, int64(1), got.Tally().Claimed)
	assert.Empty(t, rec.Events())

	assert.Error(t, restarted.Restore(s.ctx, id, recorded), "already registered")
	assert.Equal(t, 1, restarted.Len())
}
