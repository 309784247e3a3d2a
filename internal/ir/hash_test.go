package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventID_Deterministic(t *testing.T) {
	attrs := map[string]any{"item": ItemID("item_1"), "unit": UnitID(1)}

	a, err := EventID("purchase.settled", 3, attrs)
	require.NoError(t, err)
	b, err := EventID("purchase.settled", 3, attrs)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestEventID_SeqChangesID(t *testing.T) {
	attrs := map[string]any{"item": "item_1"}
	assert.NotEqual(t, MustEventID("item.created", 1, attrs), MustEventID("item.created", 2, attrs))
}

func TestEventID_RejectsFloat(t *testing.T) {
	_, err := EventID("item.created", 1, map[string]any{"price": 4.2})
	assert.Error(t, err)
}

func TestDeriveItemID(t *testing.T) {
	a := DeriveItemID("creator", 1)
	b := DeriveItemID("creator", 2)

	assert.True(t, strings.HasPrefix(string(a), "item_"))
	assert.Len(t, string(a), len("item_")+40)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, DeriveItemID("creator", 1))
}

func TestDeriveProfileID_DomainSeparated(t *testing.T) {
	profile := DeriveProfileID("owner", 1)
	item := DeriveItemID("owner", 1)

	assert.True(t, strings.HasPrefix(string(profile), "profile_"))
	assert.NotEqual(t, strings.TrimPrefix(string(profile), "profile_"), strings.TrimPrefix(string(item), "item_"))
}
