package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamsale/internal/engine"
	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
)

func TestPublish_RoundTripsThroughBus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	bus := events.NewBus(events.WithSink(s))

	bus.Emit(ctx, events.KindItemCreated, "item_a", events.TermsAttrs(ir.Terms{Creator: "alice", Price: 42, TotalUnits: 10}))
	bus.Emit(ctx, events.KindPurchaseSettled, "item_a", map[string]any{
		"buyer": ir.AccountID("bob"),
		"unit":  ir.UnitID(1),
		"paid":  decimal.RequireFromString("42.000972222222222180"),
	})
	bus.Emit(ctx, events.KindProfileCreated, "", map[string]any{"owner": ir.AccountID("carol")})

	all, err := s.ReadEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

	settled := all[1]
	assert.Equal(t, events.KindPurchaseSettled, settled.Kind)
	assert.Equal(t, ir.ItemID("item_a"), settled.Item)
	assert.Equal(t, "bob", settled.Attrs["buyer"])
	assert.Equal(t, json.Number("1"), settled.Attrs["unit"])
	assert.Equal(t, "42.00097222222222218", settled.Attrs["paid"])

	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestPublish_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ev := events.Event{Seq: 1, ID: "ev-1", Kind: events.KindStreamOpened, Item: "item_a", Attrs: map[string]any{}}

	require.NoError(t, s.Publish(ctx, ev))
	require.NoError(t, s.Publish(ctx, ev))

	all, err := s.ReadEvents(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPublish_SeqCollision(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, events.Event{Seq: 1, ID: "ev-1", Kind: events.KindStreamOpened}))
	err := s.Publish(ctx, events.Event{Seq: 1, ID: "ev-other", Kind: events.KindStreamOpened})
	assert.Error(t, err)
}

func TestPublish_RejectsFloatAttrs(t *testing.T) {
	s := createTestStore(t)
	err := s.Publish(context.Background(), events.Event{Seq: 1, ID: "x", Kind: events.KindWithdrawal, Attrs: map[string]any{"amount": 1.5}})
	assert.Error(t, err)
}

func TestReadEvents_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	bus := events.NewBus(events.WithSink(s), events.WithClock(engine.NewClock()))

	bus.Emit(ctx, events.KindStreamOpened, "item_a", nil)
	bus.Emit(ctx, events.KindStreamOpened, "item_b", nil)
	bus.Emit(ctx, events.KindStreamClosed, "item_a", nil)
	bus.Emit(ctx, events.KindPurchaseSettled, "item_a", nil)

	byItem, err := s.ReadEvents(ctx, EventFilter{Item: "item_a"})
	require.NoError(t, err)
	assert.Len(t, byItem, 3)

	byKind, err := s.ReadEvents(ctx, EventFilter{Kind: events.KindStreamOpened})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	after, err := s.ReadEvents(ctx, EventFilter{AfterSeq: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(3), after[0].Seq)

	none, err := s.ReadEvents(ctx, EventFilter{Item: "item_missing"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
