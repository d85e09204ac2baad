package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/event"
	fpmath "PerpRecon/internal/math"

	"github.com/shopspring/decimal"
)

// ErrZeroSizeFill rejects fills that would not move a position.
var ErrZeroSizeFill = errors.New("state: fill size must be positive")

// PositionUpdate describes what one fill did to a market.
type PositionUpdate struct {
	Closed  *Position // position closed by the fill, if any
	Current *Position // open position after the fill; nil when flat
	Flipped bool      // the fill crossed zero and opened the opposite side
}

// PositionLedger aggregates one user's accepted fills into positions.
// Not thread-safe: owned by one user's reconciler.
type PositionLedger struct {
	userID string
	open   map[string]*Position
	closed []Position
	marks  map[string]decimal.Decimal
}

func NewPositionLedger(userID string) *PositionLedger {
	return &PositionLedger{
		userID: userID,
		open:   make(map[string]*Position),
		marks:  make(map[string]decimal.Decimal),
	}
}

// ReplayFills rebuilds a ledger from an ordered fill history.
func ReplayFills(userID string, fills []*event.FillRecorded) (*PositionLedger, error) {
	return Replay(userID, fills, nil)
}

// ApplyFill folds f into the market's position.
//
// Same-direction fills grow the position and re-weight the entry price.
// Opposite fills reduce it and re-weight the exit price; when a fill is larger
// than the open size it is split: the closing part closes the position and
// the remainder opens a new one on the other side at the same price. The fee
// is split pro rata between the two parts.
func (l *PositionLedger) ApplyFill(f *event.FillRecorded) (PositionUpdate, error) {
	if !f.Size.IsPositive() {
		return PositionUpdate{}, apperr.Malformed("apply fill", fmt.Errorf("%w: fill %s has size %s", ErrZeroSizeFill, f.FillID, f.Size))
	}
	if f.FillSide.Sign() == 0 {
		return PositionUpdate{}, apperr.Malformed("apply fill", fmt.Errorf("fill %s has no side", f.FillID))
	}

	pos, ok := l.open[f.Market]
	if !ok {
		pos = l.openPosition(f, f.Size, f.Fee)
		return PositionUpdate{Current: clonePosition(pos)}, nil
	}

	if pos.Side == f.FillSide {
		notional := fpmath.ComputeNotional(f.Size, f.Price)
		pos.OpenedSize = pos.OpenedSize.Add(f.Size)
		pos.EntryNotional = pos.EntryNotional.Add(notional)
		pos.EntryPrice = fpmath.WeightedPrice(pos.EntryNotional, pos.OpenedSize)
		pos.Size = pos.Size.Add(signed(f.Size, f.FillSide))
		pos.Fees = pos.Fees.Add(f.Fee)
		l.settle(pos)
		return PositionUpdate{Current: clonePosition(pos)}, nil
	}

	openSize := pos.OpenSize()
	closing := decimal.Min(f.Size, openSize)
	remainder := f.Size.Sub(closing)

	closeFee, openFee := f.Fee, decimal.Zero
	if remainder.IsPositive() {
		closeFee = f.Fee.Mul(closing).DivRound(f.Size, fpmath.DivisionPlaces)
		openFee = f.Fee.Sub(closeFee)
	}

	pos.GrossRealized = pos.GrossRealized.Add(
		fpmath.ComputeRealizedPnL(pos.EntryPrice, f.Price, closing, pos.SideSign(), decimal.Zero))
	pos.ClosedSize = pos.ClosedSize.Add(closing)
	pos.ExitNotional = pos.ExitNotional.Add(fpmath.ComputeNotional(closing, f.Price))
	pos.ExitPrice = fpmath.WeightedPrice(pos.ExitNotional, pos.ClosedSize)
	pos.Size = pos.Size.Sub(signed(closing, pos.Side))
	pos.Fees = pos.Fees.Add(closeFee)

	var upd PositionUpdate
	if pos.Size.IsZero() {
		pos.Status = PositionClosed
		pos.ClosedAt = f.Timestamp
		l.settle(pos)
		pos.UnrealizedPnL = decimal.Zero
		delete(l.open, f.Market)
		l.closed = append(l.closed, *pos)
		upd.Closed = clonePosition(pos)
	} else {
		l.settle(pos)
		upd.Current = clonePosition(pos)
	}

	if remainder.IsPositive() {
		next := l.openPosition(f, remainder, openFee)
		upd.Current = clonePosition(next)
		upd.Flipped = true
	}
	return upd, nil
}

func (l *PositionLedger) openPosition(f *event.FillRecorded, size, fee decimal.Decimal) *Position {
	notional := fpmath.ComputeNotional(size, f.Price)
	pos := &Position{
		ID:            f.Market + ":" + f.FillID,
		UserID:        l.userID,
		Market:        f.Market,
		Side:          f.FillSide,
		Size:          signed(size, f.FillSide),
		Status:        PositionOpen,
		OpenedSize:    size,
		EntryNotional: notional,
		EntryPrice:    fpmath.WeightedPrice(notional, size),
		Fees:          fee,
		OpenedAt:      f.Timestamp,
		LastFundingAt: f.Timestamp,
	}
	l.open[f.Market] = pos
	l.settle(pos)
	return pos
}

// settle recomputes derived fields after any change to pos.
func (l *PositionLedger) settle(pos *Position) {
	pos.RealizedPnL = pos.GrossRealized.Sub(pos.Fees)
	if mark, ok := l.marks[pos.Market]; ok && pos.Status == PositionOpen {
		pos.UnrealizedPnL = fpmath.ComputeUnrealizedPnL(mark, pos.EntryPrice, pos.OpenSize(), pos.SideSign())
	}
	pos.FillCount++
	pos.Version++
}

// Mark records a mark price and revalues the open position in that market.
func (l *PositionLedger) Mark(u event.MarkPriceUpdate) *Position {
	l.marks[u.Market] = u.MarkPrice
	pos, ok := l.open[u.Market]
	if !ok {
		return nil
	}
	pos.UnrealizedPnL = fpmath.ComputeUnrealizedPnL(u.MarkPrice, pos.EntryPrice, pos.OpenSize(), pos.SideSign())
	pos.Version++
	return clonePosition(pos)
}

// ApplyFunding accrues funding on the open position in the rate's market
// and returns the updated position, or nil when nothing was charged.
func (l *PositionLedger) ApplyFunding(u event.FundingRateUpdate) *Position {
	if _, ok := l.AccrueFunding(u); !ok {
		return nil
	}
	return clonePosition(l.open[u.Market])
}

// Position returns the open position in market.
func (l *PositionLedger) Position(market string) (Position, bool) {
	pos, ok := l.open[market]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Open returns open positions sorted by market.
func (l *PositionLedger) Open() []Position {
	out := make([]Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Closed returns closed positions in the order they closed.
func (l *PositionLedger) Closed() []Position {
	return append([]Position(nil), l.closed...)
}

// MarkPrice returns the last mark for market.
func (l *PositionLedger) MarkPrice(market string) (decimal.Decimal, bool) {
	m, ok := l.marks[market]
	return m, ok
}

// LastActivity returns the most recent open or close time in the ledger.
func (l *PositionLedger) LastActivity() time.Time {
	var last time.Time
	for _, p := range l.open {
		if p.OpenedAt.After(last) {
			last = p.OpenedAt
		}
	}
	for _, p := range l.closed {
		if p.ClosedAt.After(last) {
			last = p.ClosedAt
		}
	}
	return last
}

func signed(size decimal.Decimal, side event.Side) decimal.Decimal {
	if side == event.SideSell {
		return size.Neg()
	}
	return size
}

func clonePosition(p *Position) *Position {
	c := *p
	return &c
}
