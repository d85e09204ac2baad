package persistence_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/event"
	"PerpRecon/internal/persistence"
	"PerpRecon/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func orderOutput(id string, height, version int64, status event.OrderStatus) core.Output {
	return core.Output{
		Kind:     core.OutputOrder,
		UserID:   "dydx1abc/0",
		Sequence: height,
		Order: &state.Order{
			ID:         id,
			Market:     "BTC-USD",
			Side:       event.SideBuy,
			Size:       decimal.RequireFromString("1"),
			Price:      decimal.RequireFromString("50000"),
			FilledSize: decimal.Zero,
			Status:     status,
			CreatedAt:  t0,
			UpdatedAt:  t0,
			LastHeight: height,
			Version:    version,
		},
	}
}

func TestBatch_KeepsNewestOrderRow(t *testing.T) {
	b := persistence.NewBatch()

	require.True(t, b.Add(orderOutput("o1", 10, 1, event.OrderStatusOpen)))
	require.True(t, b.Add(orderOutput("o1", 12, 2, event.OrderStatusFilled)))
	require.True(t, b.Add(orderOutput("o1", 11, 3, event.OrderStatusCancelled)))
	require.True(t, b.Add(orderOutput("o2", 11, 1, event.OrderStatusOpen)))

	require.Len(t, b.Orders, 2)
	assert.Equal(t, "FILLED", b.Orders[0].Status)
	assert.Equal(t, int64(12), b.Orders[0].LastHeight)
	assert.Equal(t, "o2", b.Orders[1].OrderID)
	assert.Equal(t, 2, b.Len())
}

func TestBatch_RowsFromOutputs(t *testing.T) {
	b := persistence.NewBatch()

	fill := &event.FillRecorded{
		Meta:      event.Meta{UserID: "dydx1abc/0", Height: 20, Source: event.SourcePoll},
		FillID:    "f1",
		OrderID:   "o1",
		Market:    "BTC-USD",
		FillSide:  event.SideSell,
		Size:      decimal.RequireFromString("0.5"),
		Price:     decimal.RequireFromString("51000"),
		Fee:       decimal.RequireFromString("1.25"),
		Timestamp: t0,
	}
	audit := &core.AuditRecord{
		ID:      uuid.New(),
		UserID:  "dydx1abc/0",
		Kind:    core.AuditIllegalTransition,
		Subject: "o1",
		Detail:  "FILLED -> OPEN",
		Height:  21,
		At:      t0,
	}

	assert.True(t, b.Add(core.Output{Kind: core.OutputFill, UserID: "dydx1abc/0", Sequence: 5, Fill: fill}))
	assert.True(t, b.Add(core.Output{Kind: core.OutputAudit, UserID: "dydx1abc/0", Sequence: 6, Audit: audit}))
	assert.False(t, b.Add(core.Output{Kind: core.OutputAccount, UserID: "dydx1abc/0", Sequence: 7}))
	assert.False(t, b.Add(core.Output{Kind: core.OutputFill, UserID: "dydx1abc/0"}))

	require.Len(t, b.Fills, 1)
	assert.Equal(t, "SELL", b.Fills[0].Side)
	assert.Equal(t, "poll", b.Fills[0].Source)
	assert.Equal(t, int64(20), b.Fills[0].Height)
	require.Len(t, b.Audit, 1)
	assert.Equal(t, audit.ID, b.Audit[0].ID)
	assert.Equal(t, int64(6), b.LastOutput)

	b.Reset()
	assert.Zero(t, b.Len())
	require.True(t, b.Add(orderOutput("o1", 10, 1, event.OrderStatusOpen)))
	assert.Len(t, b.Orders, 1)
}

func TestBuildOrderUpsert(t *testing.T) {
	b := persistence.NewBatch()
	b.Add(orderOutput("o1", 10, 1, event.OrderStatusOpen))
	b.Add(orderOutput("o2", 11, 1, event.OrderStatusOpen))

	query, args := persistence.BuildOrderUpsert(b.Orders)

	assert.Len(t, args, 30)
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15), ($16,")
	assert.Contains(t, query, "$30)")
	assert.Contains(t, query, "ON CONFLICT (user_id, order_id) DO UPDATE")
	assert.Contains(t, query, "<= (EXCLUDED.last_height, EXCLUDED.version)")
	assert.Equal(t, "dydx1abc/0", args[0])
	assert.Equal(t, "o2", args[16])
}

func TestBuildFillInsert_Idempotent(t *testing.T) {
	query, args := persistence.BuildFillInsert([]persistence.FillRow{{FillID: "f1"}})

	assert.Len(t, args, 11)
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (user_id, fill_id) DO NOTHING"))
}

func TestBuildAuditInsert(t *testing.T) {
	query, args := persistence.BuildAuditInsert([]persistence.AuditRow{{}, {}, {}})

	assert.Len(t, args, 21)
	assert.Contains(t, query, "$21)")
}

func fundingOutput(positionID string, end time.Duration, amount string) core.Output {
	return core.Output{
		Kind:   core.OutputFunding,
		UserID: "dydx1abc/0",
		Funding: &state.FundingAccrual{
			UserID:      "dydx1abc/0",
			PositionID:  positionID,
			Market:      "BTC-USD",
			Rate:        decimal.RequireFromString("0.01"),
			Size:        decimal.RequireFromString("2"),
			WindowStart: t0,
			WindowEnd:   t0.Add(end),
			Amount:      decimal.RequireFromString(amount),
		},
	}
}

func TestBatch_FundingRows(t *testing.T) {
	b := persistence.NewBatch()
	assert.True(t, b.Add(fundingOutput("BTC-USD:f1", 8*time.Hour, "0.02")))
	assert.False(t, b.Add(core.Output{Kind: core.OutputFunding, UserID: "dydx1abc/0"}))

	require.Len(t, b.Funding, 1)
	assert.Equal(t, "BTC-USD:f1", b.Funding[0].PositionID)
	assert.Equal(t, t0.Add(8*time.Hour), b.Funding[0].WindowEnd)
	assert.Equal(t, 1, b.Len())

	query, args := persistence.BuildFundingInsert(b.Funding)
	assert.Len(t, args, 8)
	assert.True(t, strings.HasSuffix(query, "ON CONFLICT (user_id, position_id, window_end) DO NOTHING"))

	b.Reset()
	assert.Empty(t, b.Funding)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"undefined table", &pq.Error{Code: "42P01"}, false},
		{"invalid numeric", &pq.Error{Code: "22P02"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, persistence.IsRetryable(tt.err))
		})
	}
}
