package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceChanged carries the absolute balance of one asset in the subaccount.
type BalanceChanged struct {
	Meta
	Asset     string
	Balance   decimal.Decimal
	Timestamp time.Time
}

func (b *BalanceChanged) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", b.Asset, b.Height)
}

func (b *BalanceChanged) EventType() EventType {
	return EventTypeBalanceChanged
}
