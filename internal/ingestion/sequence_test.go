package ingestion_test

import (
	"testing"

	"PerpRecon/internal/ingestion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSequencer(t *testing.T) {
	s := ingestion.NewMessageSequencer()
	sub := "v4_subaccounts:dydx1abc/0"

	assert.Equal(t, int64(0), s.Observe(ingestion.FrameSubscribed, sub, 1))
	assert.Equal(t, int64(0), s.Observe(ingestion.FrameChannelData, sub, 2))
	assert.Equal(t, int64(2), s.Observe(ingestion.FrameChannelData, sub, 5))
	assert.Equal(t, int64(6), s.Expected(sub))

	// replayed frame
	assert.Equal(t, int64(0), s.Observe(ingestion.FrameChannelData, sub, 4))
	assert.Equal(t, int64(6), s.Expected(sub))

	// resubscribe restarts numbering
	assert.Equal(t, int64(0), s.Observe(ingestion.FrameSubscribed, sub, 1))
	assert.Equal(t, int64(2), s.Expected(sub))
	assert.Equal(t, int64(1), s.Gaps(sub))

	s.Reset(sub)
	assert.Equal(t, int64(0), s.Observe(ingestion.FrameChannelData, sub, 40))
}

func TestNormalizeCountsMessageGaps(t *testing.T) {
	n := newNormalizer(nil)
	frames := []string{
		`{"type":"subscribed","channel":"v4_subaccounts","id":"dydx1abc/0","message_id":1,"contents":{}}`,
		`{"type":"channel_data","channel":"v4_subaccounts","id":"dydx1abc/0","message_id":2,"contents":{}}`,
		`{"type":"channel_data","channel":"v4_subaccounts","id":"dydx1abc/0","message_id":7,"contents":{}}`,
	}
	for _, frame := range frames {
		_, err := n.Normalize(push(frame))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), n.Stats().Gaps)
}
