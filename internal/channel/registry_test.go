package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicValidate(t *testing.T) {
	tests := []struct {
		name  string
		topic Topic
		ok    bool
	}{
		{"subaccount", Topic{Channel: ChannelSubaccounts, ID: "dydx1abc/0"}, true},
		{"parent subaccount", Topic{Channel: ChannelParentSubaccounts, ID: "dydx1abc/128"}, true},
		{"unknown channel", Topic{Channel: "v4_trades", ID: "BTC-USD"}, false},
		{"missing subaccount", Topic{Channel: ChannelSubaccounts, ID: "dydx1abc"}, false},
		{"non numeric subaccount", Topic{Channel: ChannelSubaccounts, ID: "dydx1abc/x"}, false},
		{"empty address", Topic{Channel: ChannelSubaccounts, ID: "/0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTopic), "got %v", err)
			}
		})
	}
}

func TestRegistryTopics(t *testing.T) {
	r := NewRegistry()
	a := SubaccountTopic("dydx1abc", 0)
	b := SubaccountTopic("dydx1abc", 1)

	assert.True(t, r.AddTopic("alice", a))
	assert.True(t, r.AddTopic("alice", b))
	assert.False(t, r.AddTopic("alice", a), "duplicate topic added")
	assert.Equal(t, []Topic{a, b}, r.Topics("alice"))

	assert.True(t, r.RemoveTopic("alice", a))
	assert.False(t, r.RemoveTopic("alice", a))
	assert.Equal(t, []Topic{b}, r.Topics("alice"))
	assert.Nil(t, r.Topics("bob"))
}

func TestRegistryObserversSeeModeChanges(t *testing.T) {
	r := NewRegistry()
	var seen []SubscriptionState
	r.OnChange(func(s SubscriptionState) { seen = append(seen, s) })

	r.Register("alice")
	r.Update("alice", func(s *SubscriptionState) { s.LastError = "boom" })
	require.Empty(t, seen, "non-observable field change notified")

	r.Update("alice", func(s *SubscriptionState) {
		s.Mode = ModePoll
		s.Health = HealthDegraded
	})
	require.Len(t, seen, 1)
	assert.Equal(t, ModePoll, seen[0].Mode)
	assert.True(t, r.AnyDegraded())

	r.Update("alice", func(s *SubscriptionState) {
		s.Mode = ModePush
		s.Health = HealthConnected
		s.Connected = true
	})
	require.Len(t, seen, 2)
	assert.False(t, r.AnyDegraded())
}

func TestRegistryLastSequenceIsMonotonic(t *testing.T) {
	r := NewRegistry()
	r.Register("alice")
	r.RecordApplied("alice", 10)
	r.RecordApplied("alice", 7)

	s, ok := r.State("alice")
	require.True(t, ok)
	assert.Equal(t, int64(10), s.LastSequence)
}

func TestRegistryStatesSortedAndIsolated(t *testing.T) {
	r := NewRegistry()
	r.AddTopic("bob", SubaccountTopic("dydx1b", 0))
	r.AddTopic("alice", SubaccountTopic("dydx1a", 0))

	states := r.States()
	require.Len(t, states, 2)
	assert.Equal(t, "alice", states[0].UserID)
	assert.Equal(t, "bob", states[1].UserID)

	states[0].Topics[0].ID = "mutated"
	assert.Equal(t, "dydx1a/0", r.Topics("alice")[0].ID)

	r.Remove("bob")
	_, ok := r.State("bob")
	assert.False(t, ok)
}
