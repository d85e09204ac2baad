package pnl

import (
	"sort"
	"time"

	fpmath "PerpRecon/internal/math"
	"PerpRecon/internal/state"

	"github.com/shopspring/decimal"
)

// LedgerView is the read side of a position ledger.
type LedgerView interface {
	Open() []state.Position
	Closed() []state.Position
}

// PositionView is the outbound shape of a position.
type PositionView struct {
	ID            string          `json:"id"`
	Market        string          `json:"market"`
	Side          string          `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	Status        string          `json:"status"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
	Funding       decimal.Decimal `json:"funding"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// ViewOf converts a ledger position to its outbound shape.
func ViewOf(p state.Position) PositionView {
	v := PositionView{
		ID:            p.ID,
		Market:        p.Market,
		Side:          p.SideName(),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		ExitPrice:     p.ExitPrice,
		Status:        p.Status.String(),
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Fees:          p.Fees,
		Funding:       p.Funding,
		OpenedAt:      p.OpenedAt,
	}
	if p.Status == state.PositionClosed {
		closed := p.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

// Snapshot is a user's PNL and portfolio metrics at one point in time.
type Snapshot struct {
	UserID          string          `json:"user_id"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	Fees            decimal.Decimal `json:"fees"`
	Funding         decimal.Decimal `json:"funding"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	WinRate         decimal.Decimal `json:"win_rate"`
	ProfitFactor    decimal.Decimal `json:"profit_factor"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct  decimal.Decimal `json:"max_drawdown_pct"`
	ROI             decimal.Decimal `json:"roi"`
	Positions       []PositionView  `json:"positions"`
	AsOf            time.Time       `json:"as_of"`
}

// Engine derives snapshots from ledger state. It holds no state of its own
// besides the starting capital ROI is measured against.
type Engine struct {
	startingCapital decimal.Decimal
}

func NewEngine(startingCapital decimal.Decimal) *Engine {
	return &Engine{startingCapital: startingCapital}
}

// Compute builds the snapshot for ledger.
//
// Total PNL is realized + unrealized - funding, where realized already nets
// fees. Profit factor is zero while there are no losing positions. The
// drawdown walks the equity curve starting capital + closed PNL in close
// order, ending with the open positions marked to market.
func (e *Engine) Compute(userID string, ledger LedgerView, asOf time.Time) Snapshot {
	open := ledger.Open()
	closed := ledger.Closed()

	s := Snapshot{
		UserID:          userID,
		OpenPositions:   len(open),
		ClosedPositions: len(closed),
		Positions:       make([]PositionView, 0, len(open)+len(closed)),
		AsOf:            asOf,
	}

	grossProfit, grossLoss := decimal.Zero, decimal.Zero
	for _, p := range closed {
		s.add(p)
		switch net := p.RealizedPnL; {
		case net.IsPositive():
			s.Wins++
			grossProfit = grossProfit.Add(net)
		case net.IsNegative():
			s.Losses++
			grossLoss = grossLoss.Add(net.Abs())
		}
	}
	for _, p := range open {
		s.add(p)
		s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL)
	}

	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL).Sub(s.Funding)
	s.WinRate = fpmath.Ratio(decimal.NewFromInt(int64(s.Wins)), decimal.NewFromInt(int64(len(closed))))
	s.ProfitFactor = fpmath.Ratio(grossProfit, grossLoss)
	s.ROI = fpmath.Ratio(s.TotalPnL, e.startingCapital)
	s.MaxDrawdown, s.MaxDrawdownPct = drawdown(e.startingCapital, closed, open)
	return s
}

func (s *Snapshot) add(p state.Position) {
	s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
	s.Fees = s.Fees.Add(p.Fees)
	s.Funding = s.Funding.Add(p.Funding)
	s.Positions = append(s.Positions, ViewOf(p))
}

func drawdown(capital decimal.Decimal, closed, open []state.Position) (decimal.Decimal, decimal.Decimal) {
	ordered := append([]state.Position(nil), closed...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ClosedAt.Before(ordered[j].ClosedAt) })

	equity := capital
	peak := capital
	maxDD, maxPct := decimal.Zero, decimal.Zero
	observe := func() {
		if equity.GreaterThan(peak) {
			peak = equity
		}
		dd := peak.Sub(equity)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			maxPct = fpmath.Ratio(dd, peak)
		}
	}

	for _, p := range ordered {
		equity = equity.Add(p.RealizedPnL).Sub(p.Funding)
		observe()
	}
	if len(open) > 0 {
		for _, p := range open {
			equity = equity.Add(p.RealizedPnL).Add(p.UnrealizedPnL).Sub(p.Funding)
		}
		observe()
	}
	return maxDD, maxPct
}
