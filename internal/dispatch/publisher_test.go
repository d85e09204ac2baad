package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/dispatch"
	"PerpRecon/internal/event"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/state"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: dispatch.StreamName, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) Published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func accountOutput() core.Output {
	snap := pnl.Snapshot{UserID: "alice", RealizedPnL: decimal.RequireFromString("1990"), AsOf: t0}
	return core.Output{
		Kind:     core.OutputAccount,
		UserID:   "alice",
		Sequence: 3,
		Degraded: true,
		At:       t0,
		Snapshot: &snap,
		Balances: []state.Balance{{Asset: "USDC", Amount: decimal.RequireFromString("100.5"), Height: 9}},
	}
}

func TestBuildEnvelopes(t *testing.T) {
	o := state.Order{ID: "o1", Market: "BTC-USD", Side: event.SideBuy, Status: event.OrderStatusOpen, LastHeight: 4}
	env, ok := dispatch.Build("id-1", core.Output{Kind: core.OutputOrder, UserID: "alice", Order: &o})
	require.True(t, ok)
	assert.Equal(t, "order_update", env.Type)
	assert.Equal(t, "perp.recon.order_update.alice", dispatch.Subject(env))
	od := env.Data.(dispatch.OrderData)
	assert.Equal(t, "OPEN", od.Status)
	assert.Equal(t, int64(4), od.Height)

	_, ok = dispatch.Build("id-2", core.Output{Kind: core.OutputAudit, Audit: &core.AuditRecord{}})
	assert.False(t, ok)

	_, ok = dispatch.Build("id-3", core.Output{Kind: core.OutputFill})
	assert.False(t, ok, "fill output without a fill")
}

func TestPublisherPublishesAccountUpdate(t *testing.T) {
	js := &fakeJetStream{}
	p := dispatch.NewPublisher(js, 8, zerolog.Nop(), nil)
	require.True(t, p.Enqueue(accountOutput()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(js.Published()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msg := js.Published()[0]
	assert.Equal(t, "perp.recon.account_update.alice", msg.subject)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.data, &body))
	assert.Equal(t, "account_update", body["type"])
	assert.Equal(t, true, body["degraded"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "1990", data["pnl"].(map[string]interface{})["realized_pnl"])
	balances := data["balances"].([]interface{})
	assert.Equal(t, "100.5", balances[0].(map[string]interface{})["amount"])
}

func TestPublisherDropsWhenFull(t *testing.T) {
	p := dispatch.NewPublisher(&fakeJetStream{}, 1, zerolog.Nop(), nil)
	assert.True(t, p.Enqueue(accountOutput()))
	assert.False(t, p.Enqueue(accountOutput()))
}

func TestPublisherSurvivesPublishErrors(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	p := dispatch.NewPublisher(js, 8, zerolog.Nop(), nil)
	p.Enqueue(accountOutput())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, p.Run(ctx))
}
