package math

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingInterval is the settlement period funding rates are quoted for.
const FundingInterval = 8 * time.Hour

var fundingIntervalSeconds = decimal.NewFromInt(int64(FundingInterval / time.Second))

// ComputeFundingPayment returns size * rate * (hours_held / 8).
// size is signed (+long, -short); a positive result is paid by the holder,
// a negative result is received. Time is measured at second granularity so
// the computation never passes through floating point.
func ComputeFundingPayment(signedSize, fundingRate decimal.Decimal, held time.Duration) decimal.Decimal {
	if held <= 0 || signedSize.IsZero() || fundingRate.IsZero() {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(int64(held / time.Second))
	return signedSize.Mul(fundingRate).Mul(seconds).DivRound(fundingIntervalSeconds, DivisionPlaces)
}

// FundingWindow returns the portion of [from, to) a position was held for,
// given when it opened and when funding was last accrued.
func FundingWindow(openedAt, lastAccrued, now time.Time) time.Duration {
	from := openedAt
	if lastAccrued.After(from) {
		from = lastAccrued
	}
	if !now.After(from) {
		return 0
	}
	return now.Sub(from)
}
