package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarkPriceUpdate is an oracle price for a market, supplied by the market data loop.
// It is not a canonical event: it never touches orders and is not deduplicated.
type MarkPriceUpdate struct {
	Market    string
	MarkPrice decimal.Decimal
	Timestamp time.Time
}
