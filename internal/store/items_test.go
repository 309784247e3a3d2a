package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
)

func TestRecordItem_OrderedAndIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	terms := ir.Terms{
		Creator:     "alice",
		Title:       "Zine",
		Description: "Café notes",
		Price:       42,
		Token:       "fDAIx",
		TotalUnits:  10,
		EndsAt:      1_702_592_000,
		URI:         "ipfs://zine/{id}",
	}

	require.NoError(t, s.RecordItem(ctx, "item_b", terms))
	require.NoError(t, s.RecordItem(ctx, "item_a", terms))
	require.NoError(t, s.RecordItem(ctx, "item_b", terms))

	items, err := s.ReadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ir.ItemID("item_b"), items[0].ID)
	assert.Equal(t, int64(1), items[0].Position)
	assert.Equal(t, ir.ItemID("item_a"), items[1].ID)
	assert.Equal(t, terms, items[0].Terms)
}

func TestReadItems_Empty(t *testing.T) {
	s := createTestStore(t)
	items, err := s.ReadItems(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestReadItems_LatestUpdatedTerms(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	bus := events.NewBus(events.WithSink(s))
	terms := ir.Terms{Creator: "alice", Title: "Zine", Price: 42, Token: "fDAIx", TotalUnits: 10, EndsAt: 1_702_592_000}
	require.NoError(t, s.RecordItem(ctx, "item_a", terms))
	require.NoError(t, s.RecordItem(ctx, "item_b", terms))

	first := terms
	first.Title = "Zine #2"
	bus.Emit(ctx, events.KindItemUpdated, "item_a", events.TermsAttrs(first))
	second := first
	second.Price = 50
	bus.Emit(ctx, events.KindItemUpdated, "item_a", events.TermsAttrs(second))

	items, err := s.ReadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].Terms)
	assert.Equal(t, terms, items[1].Terms, "an item never updated keeps its creation terms")
}

func TestReadProfiles_FoldsUpdates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	bus := events.NewBus(events.WithSink(s))
	attrs := func(id, owner, name string) map[string]any {
		return map[string]any{"profile": ir.AccountID(id), "owner": ir.AccountID(owner), "name": name, "description": ""}
	}

	bus.Emit(ctx, events.KindProfileCreated, "", attrs("profile_a", "alice", "Alice"))
	bus.Emit(ctx, events.KindProfileCreated, "", attrs("profile_c", "carol", "Carol"))
	bus.Emit(ctx, events.KindProfileUpdated, "", attrs("profile_a", "alice", "Alice B."))
	bus.Emit(ctx, events.KindProfileUpdated, "", attrs("profile_x", "xavier", "Never created"))

	profiles, err := s.ReadProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ProfileRecord{
		{ID: "profile_a", Owner: "alice", Name: "Alice B."},
		{ID: "profile_c", Owner: "carol", Name: "Carol"},
	}, profiles)
}

func TestReadProfiles_Empty(t *testing.T) {
	s := createTestStore(t)
	profiles, err := s.ReadProfiles(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, profiles)
	assert.Empty(t, profiles)
}
