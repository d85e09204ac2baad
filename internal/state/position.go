package state

import (
	"time"

	"PerpRecon/internal/event"

	"github.com/shopspring/decimal"
)

// PositionStatus is open while size is non-zero.
type PositionStatus int32

const (
	PositionOpen PositionStatus = iota
	PositionClosed
)

func (s PositionStatus) String() string {
	if s == PositionClosed {
		return "closed"
	}
	return "open"
}

func (s PositionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Position is one logical position in a market: from the fill that first
// made size non-zero to the fill that brought it back to zero.
// Side is SideBuy for long and SideSell for short.
type Position struct {
	ID     string // market + opening fill id
	UserID string
	Market string
	Side   event.Side
	Size   decimal.Decimal // signed: + long, - short

	EntryPrice decimal.Decimal // weighted over opening fills
	ExitPrice  decimal.Decimal // weighted over closing fills
	Status     PositionStatus

	GrossRealized decimal.Decimal // sum of (exit - entry) * closed * sign
	RealizedPnL   decimal.Decimal // GrossRealized - Fees
	UnrealizedPnL decimal.Decimal
	Fees          decimal.Decimal
	Funding       decimal.Decimal // positive = paid by this position

	OpenedSize    decimal.Decimal
	EntryNotional decimal.Decimal
	ClosedSize    decimal.Decimal
	ExitNotional  decimal.Decimal

	OpenedAt      time.Time
	ClosedAt      time.Time
	LastFundingAt time.Time
	FillCount     int
	Version       int64
}

// SideSign returns +1 long, -1 short.
func (p *Position) SideSign() int64 {
	return p.Side.Sign()
}

// SideName returns LONG or SHORT.
func (p *Position) SideName() string {
	if p.Side == event.SideSell {
		return "SHORT"
	}
	return "LONG"
}

// OpenSize returns |Size|.
func (p *Position) OpenSize() decimal.Decimal {
	return p.Size.Abs()
}

// CanonicalBytes returns a deterministic serialization for hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, p.ID)
	buf = appendString(buf, p.UserID)
	buf = appendString(buf, p.Market)
	buf = append(buf, byte(p.Side), byte(p.Status))
	for _, d := range []decimal.Decimal{
		p.Size, p.EntryPrice, p.ExitPrice,
		p.GrossRealized, p.RealizedPnL, p.Fees, p.Funding,
		p.OpenedSize, p.EntryNotional, p.ClosedSize, p.ExitNotional,
	} {
		buf = appendString(buf, d.String())
	}
	buf = appendInt64LE(buf, unixNano(p.OpenedAt))
	buf = appendInt64LE(buf, unixNano(p.ClosedAt))
	buf = appendInt64LE(buf, int64(p.FillCount))
	return buf
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
