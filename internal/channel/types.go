package channel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"PerpRecon/internal/event"
)

// ErrInvalidTopic is returned when a topic names an unknown channel or has no id.
var ErrInvalidTopic = errors.New("channel: invalid topic")

// Mode says which feed is authoritative for a subscription.
type Mode int32

const (
	ModePush Mode = iota
	ModePoll
)

func (m Mode) String() string {
	if m == ModePoll {
		return "poll"
	}
	return "push"
}

// Health is the reported condition of a subscription.
type Health int32

const (
	HealthConnecting Health = iota
	HealthConnected
	HealthDegraded
	HealthHalted
)

func (h Health) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthDegraded:
		return "degraded"
	case HealthHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Exchange channel names.
const (
	ChannelSubaccounts       = "v4_subaccounts"
	ChannelParentSubaccounts = "v4_parent_subaccounts"
)

// Topic is one exchange channel subscription, e.g. v4_subaccounts for
// "dydx1abc.../0".
type Topic struct {
	Channel string
	ID      string
}

func (t Topic) String() string {
	return t.Channel + ":" + t.ID
}

// Validate checks the channel name and the address/subaccount id.
func (t Topic) Validate() error {
	switch t.Channel {
	case ChannelSubaccounts, ChannelParentSubaccounts:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidTopic, t.Channel)
	}
	if _, _, err := t.Subaccount(); err != nil {
		return err
	}
	return nil
}

// Subaccount splits the topic id into address and subaccount number.
func (t Topic) Subaccount() (address, number string, err error) {
	address, number, ok := strings.Cut(t.ID, "/")
	if !ok || address == "" || number == "" {
		return "", "", fmt.Errorf("%w: id %q is not <address>/<subaccount>", ErrInvalidTopic, t.ID)
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return "", "", fmt.Errorf("%w: subaccount %q is not a number", ErrInvalidTopic, number)
		}
	}
	return address, number, nil
}

// SubaccountTopic builds the topic for a subaccount.
func SubaccountTopic(address string, subaccount int) Topic {
	return Topic{Channel: ChannelSubaccounts, ID: fmt.Sprintf("%s/%d", address, subaccount)}
}

// RawMessage is an undecoded payload from either feed. Push messages carry a
// whole websocket frame; poll messages carry one REST page for Resource.
type RawMessage struct {
	UserID     string
	Source     event.Source
	Topic      Topic
	Resource   string
	Data       []byte
	ReceivedAt time.Time
}

// SubscriptionState is the observable state of one user's subscription.
type SubscriptionState struct {
	UserID              string
	Topics              []Topic
	Mode                Mode
	Health              Health
	Connected           bool
	LastSequence        int64
	ReconnectCount      int
	ConsecutiveFailures int
	LastHeartbeat       time.Time
	LastError           string
	UpdatedAt           time.Time
}

// Degraded reports whether the subscription is off its live push feed.
func (s SubscriptionState) Degraded() bool {
	return s.Mode == ModePoll || s.Health == HealthDegraded || s.Health == HealthHalted
}
