package query

import (
	"time"

	"PerpRecon/internal/pnl"

	"github.com/shopspring/decimal"
)

// Freshness says where a response was read from.
type Freshness string

const (
	FreshnessLive      Freshness = "live"       // in-memory pipeline state
	FreshnessProjected Freshness = "projection" // projection tables
)

// PnLResponse is the PNL summary of one user.
type PnLResponse struct {
	UserID          string          `json:"user_id"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	Fees            decimal.Decimal `json:"fees"`
	Funding         decimal.Decimal `json:"funding"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	WinRate         decimal.Decimal `json:"win_rate"`
	ProfitFactor    decimal.Decimal `json:"profit_factor"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct  decimal.Decimal `json:"max_drawdown_pct"`
	ROI             decimal.Decimal `json:"roi"`
	Degraded        bool            `json:"degraded"`
	Source          Freshness       `json:"source"`
	AsOf            time.Time       `json:"as_of"`
}

// PositionsResponse lists positions of one user, optionally filtered by
// status.
type PositionsResponse struct {
	UserID    string             `json:"user_id"`
	Positions []pnl.PositionView `json:"positions"`
	Source    Freshness          `json:"source"`
	AsOf      time.Time          `json:"as_of"`
}

// BalanceResponse is one asset balance as last reported by the exchange.
type BalanceResponse struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Height    int64           `json:"height"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func pnlFromSnapshot(s pnl.Snapshot, degraded bool) *PnLResponse {
	return &PnLResponse{
		UserID:          s.UserID,
		RealizedPnL:     s.RealizedPnL,
		UnrealizedPnL:   s.UnrealizedPnL,
		Fees:            s.Fees,
		Funding:         s.Funding,
		TotalPnL:        s.TotalPnL,
		OpenPositions:   s.OpenPositions,
		ClosedPositions: s.ClosedPositions,
		WinRate:         s.WinRate,
		ProfitFactor:    s.ProfitFactor,
		MaxDrawdown:     s.MaxDrawdown,
		MaxDrawdownPct:  s.MaxDrawdownPct,
		ROI:             s.ROI,
		Degraded:        degraded,
		Source:          FreshnessLive,
		AsOf:            s.AsOf,
	}
}
