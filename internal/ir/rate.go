package ir

import "github.com/shopspring/decimal"

// RatePrecision is the number of fractional digits kept in a stream rate.
// Rates are amounts of the token's smallest unit per second.
const RatePrecision = 18

// MinRateStep is the smallest representable non-zero rate.
var MinRateStep = decimal.New(1, -RatePrecision)

// RequiredRate returns price/remaining truncated to RatePrecision digits.
// remaining must be positive; callers report expiry themselves.
//
// Truncation means a stream at exactly this rate reaches the price slightly
// after the deadline, never before. A quotient that truncates to zero is
// raised to MinRateStep so that a positive price never yields a zero rate.
func RequiredRate(price, remaining int64) decimal.Decimal {
	q, _ := decimal.NewFromInt(price).QuoRem(decimal.NewFromInt(remaining), RatePrecision)
	if !q.IsPositive() {
		return MinRateStep
	}
	return q
}

// Accrued returns rate*elapsed, or zero for a non-positive elapsed time.
func Accrued(rate decimal.Decimal, elapsed int64) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(elapsed))
}

// Covers reports whether an accrued amount pays for price.
func Covers(paid decimal.Decimal, price int64) bool {
	return paid.GreaterThanOrEqual(decimal.NewFromInt(price))
}
