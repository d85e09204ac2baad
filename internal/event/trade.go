package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order/fill direction
type Side int32

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSide accepts BUY/SELL as sent by the exchange.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy":
		return SideBuy, nil
	case "SELL", "sell":
		return SideSell, nil
	default:
		return SideUnknown, fmt.Errorf("unknown side %q", s)
	}
}

// FillRecorded represents an executed trade against one of the user's orders.
// Idempotency key: fill_id assigned by the exchange.
type FillRecorded struct {
	Meta
	FillID    string
	OrderID   string
	Market    string
	FillSide  Side
	Size      decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal // quote asset
	Timestamp time.Time
}

func (f *FillRecorded) IdempotencyKey() string {
	return f.FillID
}

func (f *FillRecorded) EventType() EventType {
	return EventTypeFillRecorded
}
