package event

import (
	"time"
)

// EventType discriminator for canonical events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderUpdated
	EventTypeFillRecorded
	EventTypeBalanceChanged
)

// Source identifies which feed produced an event.
type Source int32

const (
	SourceUnknown Source = iota
	SourcePush
	SourcePoll
	SourceReplay
)

// Event is the canonical event produced by the normalizer.
// The set of implementations is closed: *OrderUpdated, *FillRecorded and
// *BalanceChanged. Consumers switch on the concrete type.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// SourceSequence returns the exchange-assigned height used for ordering
	SourceSequence() int64

	// Origin returns the feed the event arrived on
	Origin() Source

	sealed()
}

// Meta carries the fields every canonical event shares.
type Meta struct {
	UserID     string
	Height     int64
	Source     Source
	ReceivedAt time.Time
}

func (m Meta) SourceSequence() int64 { return m.Height }

func (m Meta) Origin() Source { return m.Source }

func (Meta) sealed() {}

func (et EventType) String() string {
	switch et {
	case EventTypeOrderUpdated:
		return "OrderUpdated"
	case EventTypeFillRecorded:
		return "FillRecorded"
	case EventTypeBalanceChanged:
		return "BalanceChanged"
	default:
		return "Unknown"
	}
}

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourcePoll:
		return "poll"
	case SourceReplay:
		return "replay"
	default:
		return "unknown"
	}
}
