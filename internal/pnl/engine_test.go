package pnl_test

import (
	"testing"
	"time"

	"PerpRecon/internal/event"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/state"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeLedger struct {
	open, closed []state.Position
}

func (f fakeLedger) Open() []state.Position   { return f.open }
func (f fakeLedger) Closed() []state.Position { return f.closed }

func closedPos(id, realized string, closedAt time.Duration) state.Position {
	return state.Position{
		ID: id, Market: "BTC-USD", Side: event.SideBuy, Status: state.PositionClosed,
		RealizedPnL: d(realized), ClosedAt: t0.Add(closedAt),
	}
}

func TestEngine_Metrics(t *testing.T) {
	ledger := fakeLedger{
		closed: []state.Position{
			closedPos("a", "300", time.Hour),
			closedPos("b", "-100", 2*time.Hour),
			closedPos("c", "-200", 3*time.Hour),
			closedPos("d", "600", 4*time.Hour),
		},
	}
	s := pnl.NewEngine(d("10000")).Compute("u1", ledger, t0)

	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.True(t, s.RealizedPnL.Equal(d("600")))
	assert.True(t, s.TotalPnL.Equal(d("600")))
	assert.True(t, s.WinRate.Equal(d("0.5")))
	assert.True(t, s.ProfitFactor.Equal(d("3")), "profit factor %s", s.ProfitFactor)
	assert.True(t, s.ROI.Equal(d("0.06")))
	// peak 10300, trough 10000
	assert.True(t, s.MaxDrawdown.Equal(d("300")), "drawdown %s", s.MaxDrawdown)
	assert.Len(t, s.Positions, 4)
}

func TestEngine_NoLossesNoCapital(t *testing.T) {
	ledger := fakeLedger{closed: []state.Position{closedPos("a", "50", time.Hour)}}
	s := pnl.NewEngine(decimal.Zero).Compute("u1", ledger, t0)

	assert.True(t, s.ProfitFactor.IsZero())
	assert.True(t, s.ROI.IsZero())
	assert.True(t, s.WinRate.Equal(d("1")))
	assert.True(t, s.MaxDrawdown.IsZero())
}

func TestEngine_Empty(t *testing.T) {
	s := pnl.NewEngine(d("1000")).Compute("u1", fakeLedger{}, t0)
	assert.True(t, s.TotalPnL.IsZero())
	assert.True(t, s.WinRate.IsZero())
	assert.Empty(t, s.Positions)
}

func TestEngine_OpenPositionsAndFunding(t *testing.T) {
	ledger := state.NewPositionLedger("u1")
	_, err := ledger.ApplyFill(&event.FillRecorded{
		FillID: "f1", Market: "BTC-USD", FillSide: event.SideBuy,
		Size: d("1"), Price: d("50000"), Fee: d("10"), Timestamp: t0,
	})
	require.NoError(t, err)
	ledger.Mark(event.MarkPriceUpdate{Market: "BTC-USD", MarkPrice: d("49000")})
	ledger.ApplyFunding(event.FundingRateUpdate{Market: "BTC-USD", Rate: d("0.001"), Timestamp: t0.Add(8 * time.Hour)})

	s := pnl.NewEngine(d("100000")).Compute("u1", ledger, t0)

	assert.Equal(t, 1, s.OpenPositions)
	assert.True(t, s.UnrealizedPnL.Equal(d("-1000")))
	assert.True(t, s.RealizedPnL.Equal(d("-10")), "open fees are realized: %s", s.RealizedPnL)
	assert.True(t, s.Funding.Equal(d("0.001")))
	assert.True(t, s.TotalPnL.Equal(d("-1010.001")), "total %s", s.TotalPnL)
	assert.True(t, s.MaxDrawdown.Equal(d("1010.001")))
	assert.Equal(t, "LONG", s.Positions[0].Side)
	assert.Nil(t, s.Positions[0].ClosedAt)
}

func TestEngine_Deterministic(t *testing.T) {
	fills := []*event.FillRecorded{
		{FillID: "f1", Market: "ETH-USD", FillSide: event.SideSell, Size: d("2"), Price: d("3000"), Fee: d("1"), Timestamp: t0},
		{FillID: "f2", Market: "ETH-USD", FillSide: event.SideBuy, Size: d("3"), Price: d("2900"), Fee: d("1.5"), Timestamp: t0.Add(time.Hour)},
	}
	a, err := state.ReplayFills("u1", fills)
	require.NoError(t, err)
	b, err := state.ReplayFills("u1", fills)
	require.NoError(t, err)

	e := pnl.NewEngine(d("5000"))
	assert.Equal(t, e.Compute("u1", a, t0), e.Compute("u1", b, t0))
}
