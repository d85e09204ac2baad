package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus int32

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// ParseOrderStatus maps an exchange status string to an OrderStatus.
// BEST_EFFORT_CANCELED and the American spelling are both accepted.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "PENDING", "UNTRIGGERED", "BEST_EFFORT_OPENED":
		return OrderStatusPending, nil
	case "OPEN":
		return OrderStatusOpen, nil
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled, nil
	case "FILLED":
		return OrderStatusFilled, nil
	case "CANCELED", "CANCELLED", "BEST_EFFORT_CANCELED":
		return OrderStatusCancelled, nil
	case "REJECTED":
		return OrderStatusRejected, nil
	case "EXPIRED":
		return OrderStatusExpired, nil
	default:
		return OrderStatusUnknown, fmt.Errorf("unknown order status %q", s)
	}
}

// MarshalText lets statuses serialize by name in outbound JSON.
func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TimeInForce as reported by the exchange (GTT, IOC, FOK, POST_ONLY).
type TimeInForce string

// OrderUpdated reports the exchange view of an order at a given height.
// Idempotency key: order_id + height.
type OrderUpdated struct {
	Meta
	OrderID     string
	ClientID    string
	Market      string
	OrderSide   Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	FilledSize  decimal.Decimal
	Status      OrderStatus
	TimeInForce TimeInForce
	Reason      string // rejection / expiry / cancel reason when terminal
	UpdatedAt   time.Time
}

func (o *OrderUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", o.OrderID, o.Height)
}

func (o *OrderUpdated) EventType() EventType {
	return EventTypeOrderUpdated
}
