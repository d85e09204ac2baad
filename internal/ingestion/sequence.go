package ingestion

// MessageSequencer checks push frame message ids per subscription
// ("<channel>:<id>"). The exchange numbers frames of a connection
// consecutively; a jump means frames were lost and the state they carried
// must come from the next poll or resubscribe snapshot.
// Not thread-safe: owned by one user's normalizer.
type MessageSequencer struct {
	expected map[string]int64 // subscription -> next expected message id
	gaps     map[string]int64 // subscription -> gap count
}

func NewMessageSequencer() *MessageSequencer {
	return &MessageSequencer{
		expected: make(map[string]int64),
		gaps:     make(map[string]int64),
	}
}

// Observe records one frame and returns the number of frames missing before
// it. A subscribed frame starts a new session and never reports a gap.
// Frames at or below the expected id are replays and are accepted.
func (s *MessageSequencer) Observe(frameType, subscription string, messageID int64) int64 {
	expected, ok := s.expected[subscription]
	if frameType == FrameSubscribed || !ok {
		s.expected[subscription] = messageID + 1
		return 0
	}

	if messageID < expected {
		return 0
	}

	missing := messageID - expected
	if missing > 0 {
		s.gaps[subscription]++
	}
	s.expected[subscription] = messageID + 1
	return missing
}

// Reset forgets a subscription, e.g. after it was unsubscribed.
func (s *MessageSequencer) Reset(subscription string) {
	delete(s.expected, subscription)
}

// Expected returns the next expected message id for a subscription.
func (s *MessageSequencer) Expected(subscription string) int64 {
	return s.expected[subscription]
}

// Gaps returns how many gaps were seen on a subscription.
func (s *MessageSequencer) Gaps(subscription string) int64 {
	return s.gaps[subscription]
}
