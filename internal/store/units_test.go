package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamsale/internal/ir"
	"github.com/roach88/streamsale/internal/units"
)

func TestUnits_MintTransferBalance(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	const item ir.ItemID = "item_a"

	for u := ir.UnitID(1); u <= 3; u++ {
		require.NoError(t, s.Mint(ctx, item, item.Account(), u, 1))
	}

	require.NoError(t, s.Transfer(ctx, item, item.Account(), "bob", 1, 1))

	n, err := s.BalanceOf(ctx, item, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.BalanceOf(ctx, item, item.Account(), 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.BalanceOf(ctx, item, item.Account(), 4)
	require.NoError(t, err)
	assert.Zero(t, n)

	held, err := s.Holdings(ctx, item, item.Account())
	require.NoError(t, err)
	assert.Equal(t, map[ir.UnitID]int64{2: 1, 3: 1}, held)
}

func TestUnits_TransferInsufficient(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Transfer(ctx, "item_a", "bob", "carol", 1, 1)
	assert.ErrorIs(t, err, units.ErrInsufficientBalance)

	require.NoError(t, s.Mint(ctx, "item_a", "bob", 1, 1))
	err = s.Transfer(ctx, "item_a", "bob", "carol", 1, 2)
	assert.ErrorIs(t, err, units.ErrInsufficientBalance)

	// The failed transfer left everything in place.
	n, err := s.BalanceOf(ctx, "item_a", "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUnits_PartialTransferAndMintAccumulate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Mint(ctx, "item_a", "bob", 7, 2))
	require.NoError(t, s.Mint(ctx, "item_a", "bob", 7, 3))
	require.NoError(t, s.Transfer(ctx, "item_a", "bob", "carol", 7, 4))

	bob, err := s.BalanceOf(ctx, "item_a", "bob", 7)
	require.NoError(t, err)
	carol, err := s.BalanceOf(ctx, "item_a", "carol", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bob)
	assert.Equal(t, int64(4), carol)
}

func TestUnits_RejectsNonPositive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	assert.Error(t, s.Mint(ctx, "item_a", "bob", 1, 0))
	assert.Error(t, s.Transfer(ctx, "item_a", "bob", "carol", 1, -1))
}
