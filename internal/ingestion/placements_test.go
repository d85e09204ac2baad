package ingestion_test

import (
	"errors"
	"testing"

	"PerpRecon/internal/event"
	"PerpRecon/internal/ingestion"
	"PerpRecon/internal/state"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlacer struct {
	err  error
	got  []state.PlacementAck
	user string
}

func (f *fakePlacer) Place(userID string, ack state.PlacementAck) error {
	if f.err != nil {
		return f.err
	}
	f.user = userID
	f.got = append(f.got, ack)
	return nil
}

const placement = `{"user_id":"alice","order_id":"o1","client_id":"42","market":"BTC-USD",
	"side":"SELL","size":"0.5","price":"51000.5","time_in_force":"GTT","placed_at":"2026-03-01T12:00:00Z"}`

func TestDecodePlacement(t *testing.T) {
	user, ack, err := ingestion.DecodePlacement([]byte(placement))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "o1", ack.OrderID)
	assert.Equal(t, event.SideSell, ack.Side)
	assert.Equal(t, "51000.5", ack.Price.String())
	assert.Equal(t, event.TimeInForce("GTT"), ack.TimeInForce)
	assert.Equal(t, received, ack.At)
}

func TestDecodePlacementRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"no user", `{"order_id":"o1","side":"BUY","size":"1","price":"1"}`},
		{"bad side", `{"user_id":"u","order_id":"o1","side":"HOLD","size":"1","price":"1"}`},
		{"zero size", `{"user_id":"u","order_id":"o1","side":"BUY","size":"0","price":"1"}`},
		{"bad time", `{"user_id":"u","order_id":"o1","side":"BUY","size":"1","price":"1","placed_at":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ingestion.DecodePlacement([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestPlacementSubscriberDispositions(t *testing.T) {
	placer := &fakePlacer{}
	s := ingestion.NewPlacementSubscriber(nil, placer, zerolog.Nop())

	assert.Equal(t, ingestion.Ack, s.Handle([]byte(placement)))
	assert.Equal(t, "alice", placer.user)
	require.Len(t, placer.got, 1)

	assert.Equal(t, ingestion.Term, s.Handle([]byte(`{}`)))

	placer.err = errors.New("no pipeline")
	assert.Equal(t, ingestion.Nak, s.Handle([]byte(placement)))
}

func TestDecodePlacementFor(t *testing.T) {
	ack, err := ingestion.DecodePlacementFor("alice", []byte(placement))
	require.NoError(t, err)
	assert.Equal(t, "o1", ack.OrderID)

	ack, err = ingestion.DecodePlacementFor("bob", []byte(`{"order_id":"o2","side":"SELL","size":"2","price":"3000"}`))
	require.NoError(t, err)
	assert.Equal(t, event.SideSell, ack.Side)

	_, err = ingestion.DecodePlacementFor("bob", []byte(placement))
	assert.Error(t, err)
}
