package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"PerpRecon/internal/channel"
	"PerpRecon/internal/core"
	"PerpRecon/internal/event"
	"PerpRecon/internal/ingestion"
	fpmath "PerpRecon/internal/math"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/state"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu  sync.Mutex
	got []core.Output
}

func (f *fakeDispatcher) Enqueue(o core.Output) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, o)
	return true
}

func (f *fakeDispatcher) Kinds() []core.OutputKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.OutputKind, 0, len(f.got))
	for _, o := range f.got {
		out = append(out, o.Kind)
	}
	return out
}

func (f *fakeDispatcher) Last() core.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1]
}

type fixedDegradation bool

func (f fixedDegradation) Degraded() bool { return bool(f) }

type harness struct {
	rec      *core.Reconciler
	persist  chan core.Output
	project  chan core.Output
	dispatch *fakeDispatcher
	registry *channel.Registry
}

func newHarness(t *testing.T, degraded bool) *harness {
	t.Helper()
	h := &harness{
		persist:  make(chan core.Output, 64),
		project:  make(chan core.Output, 64),
		dispatch: &fakeDispatcher{},
		registry: channel.NewRegistry(),
	}
	h.registry.Register("alice")
	n := ingestion.NewNormalizer("alice", fpmath.DefaultScaleBook(), ingestion.NewFillDeduper("alice", 128, nil), zerolog.Nop(), nil)
	h.rec = core.NewReconciler("alice", n, pnl.NewEngine(d("10000")), h.registry, fixedDegradation(degraded),
		core.Sinks{Persist: h.persist, Project: h.project, Dispatch: h.dispatch}, zerolog.Nop(), nil)
	return h
}

func (h *harness) drainPersist() []core.Output {
	var out []core.Output
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func order(id string, status event.OrderStatus, height int64) *event.OrderUpdated {
	return &event.OrderUpdated{
		Meta:       event.Meta{UserID: "alice", Height: height, Source: event.SourcePush},
		OrderID:    id,
		Market:     "BTC-USD",
		OrderSide:  event.SideBuy,
		Size:       d("1"),
		Price:      d("50000"),
		FilledSize: decimal.Zero,
		Status:     status,
		UpdatedAt:  t0.Add(time.Duration(height) * time.Second),
	}
}

func fill(id string, side event.Side, size, price, fee string, height int64) *event.FillRecorded {
	return &event.FillRecorded{
		Meta:      event.Meta{UserID: "alice", Height: height, Source: event.SourcePush},
		FillID:    id,
		OrderID:   "o1",
		Market:    "BTC-USD",
		FillSide:  side,
		Size:      d(size),
		Price:     d(price),
		Fee:       d(fee),
		Timestamp: t0.Add(time.Duration(height) * time.Second),
	}
}

func TestReconciler_OrderUpdatesPersistAndDispatch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, h.rec.Apply(ctx, order("o1", event.OrderStatusOpen, 10)))
	require.NoError(t, h.rec.Apply(ctx, order("o1", event.OrderStatusCancelled, 11)))

	persisted := h.drainPersist()
	require.Len(t, persisted, 2)
	assert.Equal(t, core.OutputOrder, persisted[0].Kind)
	assert.Equal(t, event.OrderStatusCancelled, persisted[1].Order.Status)
	assert.Equal(t, int64(2), persisted[1].Sequence)
	assert.NotEqual(t, persisted[0].StateHash, persisted[1].StateHash)

	assert.Equal(t, []core.OutputKind{core.OutputOrder, core.OutputOrder}, h.dispatch.Kinds())

	st, _ := h.registry.State("alice")
	assert.Equal(t, int64(11), st.LastSequence)
}

func TestReconciler_IllegalTransitionIsAudited(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, h.rec.Apply(ctx, order("o1", event.OrderStatusCancelled, 10)))
	require.NoError(t, h.rec.Apply(ctx, order("o1", event.OrderStatusOpen, 11)))

	persisted := h.drainPersist()
	require.Len(t, persisted, 2)
	audit := persisted[1]
	assert.Equal(t, core.OutputAudit, audit.Kind)
	require.NotNil(t, audit.Audit)
	assert.Equal(t, core.AuditIllegalTransition, audit.Audit.Kind)
	assert.Equal(t, "o1", audit.Audit.Subject)
	assert.Equal(t, int64(11), audit.Audit.Height)

	assert.Equal(t, uint64(1), h.rec.IllegalTransitions())
	assert.NotContains(t, h.dispatch.Kinds(), core.OutputAudit)
}

func TestReconciler_FillEmitsTradeAndAccount(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	require.NoError(t, h.rec.Apply(ctx, fill("f1", event.SideBuy, "1", "50000", "5", 1)))
	require.NoError(t, h.rec.Apply(ctx, fill("f2", event.SideSell, "1", "52000", "5", 2)))

	assert.Equal(t, []core.OutputKind{core.OutputFill, core.OutputAccount, core.OutputFill, core.OutputAccount}, h.dispatch.Kinds())

	last := h.dispatch.Last()
	require.NotNil(t, last.Snapshot)
	assert.True(t, last.Degraded)
	assert.True(t, last.Snapshot.RealizedPnL.Equal(d("1990")), "realized %s", last.Snapshot.RealizedPnL)
	assert.Equal(t, 1, last.Snapshot.ClosedPositions)

	snap, ok := h.rec.Latest()
	require.True(t, ok)
	assert.Equal(t, *last.Snapshot, snap)
	assert.Len(t, h.project, 2)
}

func TestReconciler_RejectsZeroSizeFill(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.rec.Apply(context.Background(), fill("f0", event.SideBuy, "0", "50000", "0", 1)))

	persisted := h.drainPersist()
	require.Len(t, persisted, 1)
	assert.Equal(t, core.AuditMalformedFill, persisted[0].Audit.Kind)
	_, ok := h.rec.Latest()
	assert.False(t, ok)
}

func TestReconciler_DuplicateFillFromPoll(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	frame := `{"type":"channel_data","channel":"v4_subaccounts","id":"dydx1abc/0","contents":{
		"fills":[{"id":"f1","orderId":"o1","market":"BTC-USD","side":"BUY","size":"100000000",
			"price":"50000000000","fee":"0","height":"5","createdAt":"2026-03-01T12:00:05Z"}]}}`
	page := `{"fills":[{"id":"f1","orderId":"o1","market":"BTC-USD","side":"BUY","size":"100000000",
			"price":"50000000000","fee":"0","height":"5","createdAt":"2026-03-01T12:00:05Z"}]}`

	h.rec.HandleRaw(ctx, channel.RawMessage{UserID: "alice", Source: event.SourcePush, Data: []byte(frame), ReceivedAt: t0})
	h.rec.HandleRaw(ctx, channel.RawMessage{UserID: "alice", Source: event.SourcePoll, Resource: "fills", Data: []byte(page), ReceivedAt: t0})

	snap, ok := h.rec.Latest()
	require.True(t, ok)
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].Size.Equal(d("1")), "size %s", snap.Positions[0].Size)
	assert.Equal(t, uint64(1), h.rec.NormalizerStats().Duplicate)
}

func TestReconciler_MarketTick(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.rec.Apply(ctx, fill("f1", event.SideSell, "2", "50000", "0", 1)))
	before := len(h.dispatch.Kinds())

	h.rec.HandleTick(ctx, event.MarketTick{
		Marks: []event.MarkPriceUpdate{{Market: "BTC-USD", MarkPrice: d("49000"), Timestamp: t0}},
	})
	snap, _ := h.rec.Latest()
	assert.True(t, snap.UnrealizedPnL.Equal(d("2000")))
	assert.Equal(t, before+1, len(h.dispatch.Kinds()))

	// no open position in ETH: nothing to emit
	h.rec.HandleTick(ctx, event.MarketTick{
		Marks: []event.MarkPriceUpdate{{Market: "ETH-USD", MarkPrice: d("3000"), Timestamp: t0}},
	})
	assert.Equal(t, before+1, len(h.dispatch.Kinds()))
}

func fundingTick(r string, at time.Duration) event.MarketTick {
	return event.MarketTick{Funding: []event.FundingRateUpdate{{Market: "BTC-USD", Rate: d(r), Timestamp: t0.Add(at)}}}
}

func TestReconciler_ReplayMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	fills := []*event.FillRecorded{
		fill("f1", event.SideBuy, "1", "50000", "1", 1),
		fill("f2", event.SideBuy, "1", "51000", "1", 2),
		fill("f3", event.SideSell, "3", "52000", "3", 3),
	}
	fills[0].Timestamp = t0
	fills[1].Timestamp = t0
	fills[2].Timestamp = t0.Add(9 * time.Hour)

	live := newHarness(t, false)
	require.NoError(t, live.rec.Apply(ctx, fills[0]))
	require.NoError(t, live.rec.Apply(ctx, fills[1]))
	live.rec.HandleTick(ctx, fundingTick("0.01", 8*time.Hour))
	require.NoError(t, live.rec.Apply(ctx, fills[2]))
	live.rec.HandleTick(ctx, fundingTick("0.03", 16*time.Hour))

	var funding []state.FundingAccrual
	for _, out := range live.drainPersist() {
		if out.Kind == core.OutputFunding {
			funding = append(funding, *out.Funding)
		}
	}
	require.Len(t, funding, 2)
	assert.NotContains(t, live.dispatch.Kinds(), core.OutputFunding)

	restarted := newHarness(t, false)
	hash, err := restarted.rec.Replay(nil, fills, funding)
	require.NoError(t, err)

	assert.Equal(t, live.rec.LedgerHash(), hash)
	a, _ := live.rec.Latest()
	b, _ := restarted.rec.Latest()
	assert.Equal(t, a.RealizedPnL.String(), b.RealizedPnL.String())
	assert.Equal(t, a.Funding.String(), b.Funding.String())
	assert.Equal(t, a.TotalPnL.String(), b.TotalPnL.String())
	assert.Equal(t, a.ROI.String(), b.ROI.String())
	assert.Equal(t, a.MaxDrawdown.String(), b.MaxDrawdown.String())
	assert.Equal(t, a.Positions, b.Positions)

	// the next tick charges only the time since the last booked window
	live.rec.HandleTick(ctx, fundingTick("0.02", 24*time.Hour))
	restarted.rec.HandleTick(ctx, fundingTick("0.02", 24*time.Hour))
	a, _ = live.rec.Latest()
	b, _ = restarted.rec.Latest()
	assert.True(t, a.Funding.Equal(d("-0.02625")), "funding %s", a.Funding)
	assert.Equal(t, a.Funding.String(), b.Funding.String())
	assert.Equal(t, live.rec.LedgerHash(), restarted.rec.LedgerHash())
}

func TestReconciler_RejectedUpdateKeepsLaterLegalUpdate(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	frame := func(status, filled string, height int) channel.RawMessage {
		data := fmt.Sprintf(`{"type":"channel_data","channel":"v4_subaccounts","id":"dydx1abc/0","contents":{
			"orders":[{"id":"o1","clientId":"1","market":"BTC-USD","side":"BUY","size":"100000000",
				"price":"50000000000","filledSize":"%s","status":"%s","timeInForce":"GTT","height":%d}]}}`,
			filled, status, height)
		return channel.RawMessage{UserID: "alice", Source: event.SourcePush, Data: []byte(data), ReceivedAt: t0}
	}

	h.rec.HandleRaw(ctx, frame("OPEN", "0", 3))
	h.rec.HandleRaw(ctx, frame("PENDING", "0", 10))
	assert.Equal(t, uint64(1), h.rec.IllegalTransitions())

	// redelivery of the rejected update is not audited twice
	h.rec.HandleRaw(ctx, frame("PENDING", "0", 10))
	assert.Equal(t, uint64(1), h.rec.IllegalTransitions())

	// a legal update above the last applied height still applies
	h.rec.HandleRaw(ctx, frame("FILLED", "100000000", 8))
	assert.Equal(t, uint64(0), h.rec.NormalizerStats().Stale)

	last := h.dispatch.Last()
	require.NotNil(t, last.Order)
	assert.Equal(t, event.OrderStatusFilled, last.Order.Status)
	assert.Equal(t, int64(8), last.Order.LastHeight)
}

func TestReconciler_RejectedFillCanBeCorrected(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.NoError(t, h.rec.Apply(ctx, fill("f1", event.SideBuy, "0", "50000", "0", 1)))
	require.Len(t, h.drainPersist(), 1)

	corrected := `{"type":"channel_data","channel":"v4_subaccounts","id":"dydx1abc/0","contents":{
		"fills":[{"id":"f1","orderId":"o1","market":"BTC-USD","side":"BUY","size":"100000000",
			"price":"50000000000","fee":"0","height":"1","createdAt":"2026-03-01T12:00:01Z"}]}}`
	h.rec.HandleRaw(ctx, channel.RawMessage{UserID: "alice", Source: event.SourcePush, Data: []byte(corrected), ReceivedAt: t0})

	assert.Equal(t, uint64(0), h.rec.NormalizerStats().Duplicate)
	snap, ok := h.rec.Latest()
	require.True(t, ok)
	assert.Equal(t, 1, snap.OpenPositions)
}

func TestReconciler_HaltEmitsErrorAndAudit(t *testing.T) {
	h := newHarness(t, false)
	h.rec.Halt(context.Background(), errors.New("credentials revoked"))

	persisted := h.drainPersist()
	require.Len(t, persisted, 1)
	assert.Equal(t, core.AuditHalt, persisted[0].Audit.Kind)

	last := h.dispatch.Last()
	assert.Equal(t, core.OutputAccount, last.Kind)
	assert.Equal(t, "credentials revoked", last.Error)
	assert.True(t, last.Degraded)
}

func TestReconciler_PlacementAck(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan channel.RawMessage)
	done := make(chan struct{})
	go func() {
		h.rec.Run(ctx, msgs, nil)
		close(done)
	}()

	require.NoError(t, h.rec.Place(placementAck("o9")))

	select {
	case out := <-h.persist:
		require.NotNil(t, out.Order)
		assert.Equal(t, event.OrderStatusPending, out.Order.Status)
	case <-time.After(time.Second):
		t.Fatal("placement not persisted")
	}

	close(msgs)
	<-done
	cancel()
}
