package state

import (
	"fmt"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/event"

	"github.com/shopspring/decimal"
)

// Order is the local view of one exchange order. Terminal orders are kept
// for audit.
type Order struct {
	ID          string
	ClientID    string
	Market      string
	Side        event.Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	FilledSize  decimal.Decimal
	TimeInForce event.TimeInForce
	Status      event.OrderStatus
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastHeight  int64
	Version     int64
}

// CanonicalBytes for deterministic hashing
func (o *Order) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = appendString(buf, o.ID)
	buf = appendString(buf, o.Market)
	buf = appendInt64LE(buf, int64(o.Side))
	buf = appendInt64LE(buf, int64(o.Status))
	buf = appendString(buf, o.Size.String())
	buf = appendString(buf, o.FilledSize.String())
	buf = appendInt64LE(buf, o.LastHeight)
	return buf
}

// validTransitions is the order lifecycle table. Statuses not listed as a key
// are terminal.
var validTransitions = map[event.OrderStatus][]event.OrderStatus{
	event.OrderStatusPending: {
		event.OrderStatusOpen,
		event.OrderStatusRejected,
	},
	event.OrderStatusOpen: {
		event.OrderStatusPartiallyFilled,
		event.OrderStatusFilled,
		event.OrderStatusCancelled,
		event.OrderStatusExpired,
	},
	event.OrderStatusPartiallyFilled: {
		event.OrderStatusFilled,
		event.OrderStatusCancelled,
		event.OrderStatusExpired,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to event.OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned when an update would move an order
// outside the lifecycle table or corrupt its fill progress. The order is
// left unchanged.
type IllegalTransitionError struct {
	OrderID string
	From    event.OrderStatus
	To      event.OrderStatus
	Height  int64
	Detail  string
}

func (e *IllegalTransitionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("order %s: illegal update %s -> %s at height %d: %s", e.OrderID, e.From, e.To, e.Height, e.Detail)
	}
	return fmt.Sprintf("order %s: illegal transition %s -> %s at height %d", e.OrderID, e.From, e.To, e.Height)
}

func (e *IllegalTransitionError) ErrorKind() apperr.Kind { return apperr.KindIllegalTransition }
