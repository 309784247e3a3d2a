package ir

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const thirtyDays = 30 * 24 * 60 * 60

func TestRequiredRate_Truncates(t *testing.T) {
	rate := RequiredRate(42, thirtyDays)

	assert.Equal(t, "0.000016203703703703", rate.String())
	assert.True(t, rate.IsPositive())
}

func TestRequiredRate_ReachesPriceJustAfterDeadline(t *testing.T) {
	rate := RequiredRate(42, thirtyDays)

	assert.False(t, Covers(Accrued(rate, thirtyDays), 42), "truncated rate must not pay early")
	assert.True(t, Covers(Accrued(rate, thirtyDays+1), 42))
}

func TestRequiredRate_RisesAsDeadlineApproaches(t *testing.T) {
	far := RequiredRate(1000, 10_000)
	near := RequiredRate(1000, 100)

	assert.True(t, near.GreaterThan(far))
	assert.True(t, RequiredRate(1000, 1).Equal(decimal.NewFromInt(1000)))
}

func TestRequiredRate_NeverZero(t *testing.T) {
	rate := RequiredRate(1, 2_000_000_000_000_000_000)

	assert.True(t, rate.Equal(MinRateStep))
}

func TestAccrued(t *testing.T) {
	rate := decimal.RequireFromString("0.5")

	tests := []struct {
		name    string
		elapsed int64
		want    string
	}{
		{"before start", -10, "0"},
		{"at start", 0, "0"},
		{"one second", 1, "0.5"},
		{"a day", 86400, "43200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Accrued(rate, tt.elapsed).String())
		})
	}
}

func TestStreamRecord_PaidAt(t *testing.T) {
	rec := StreamRecord{Buyer: "alice", Rate: decimal.NewFromInt(2), StartAt: 100}

	assert.True(t, rec.PaidAt(50).IsZero())
	assert.Equal(t, "20", rec.PaidAt(110).String())
}
