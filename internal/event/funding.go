package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingRateUpdate is the 8-hour funding rate in effect for a market at Timestamp.
type FundingRateUpdate struct {
	Market    string
	Rate      decimal.Decimal
	Timestamp time.Time
}

// MarketTick bundles the per-market inputs broadcast to every user pipeline.
type MarketTick struct {
	Marks   []MarkPriceUpdate
	Funding []FundingRateUpdate
}
