package state

import (
	"fmt"
	"sort"
	"time"

	"PerpRecon/internal/event"

	"github.com/shopspring/decimal"
)

// PlacementAck is the acknowledgment of an order the service placed itself.
type PlacementAck struct {
	OrderID     string
	ClientID    string
	Market      string
	Side        event.Side
	Size        decimal.Decimal
	Price       decimal.Decimal
	TimeInForce event.TimeInForce
	At          time.Time
}

// OrderBook owns every order of one user.
// Not thread-safe: owned by one user's reconciler.
type OrderBook struct {
	orders map[string]*Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[string]*Order)}
}

// Place records a freshly acknowledged order as PENDING.
func (b *OrderBook) Place(ack PlacementAck) (Order, error) {
	if ack.OrderID == "" {
		return Order{}, fmt.Errorf("place order: missing order id")
	}
	if _, exists := b.orders[ack.OrderID]; exists {
		return Order{}, fmt.Errorf("place order %s: already known", ack.OrderID)
	}
	o := &Order{
		ID:          ack.OrderID,
		ClientID:    ack.ClientID,
		Market:      ack.Market,
		Side:        ack.Side,
		Size:        ack.Size,
		Price:       ack.Price,
		FilledSize:  decimal.Zero,
		TimeInForce: ack.TimeInForce,
		Status:      event.OrderStatusPending,
		CreatedAt:   ack.At,
		UpdatedAt:   ack.At,
		Version:     1,
	}
	b.orders[o.ID] = o
	return *o, nil
}

// Apply runs evt through the lifecycle state machine. Unknown orders are
// adopted at the reported status.
func (b *OrderBook) Apply(evt *event.OrderUpdated) (Order, ApplyResult, error) {
	cur, ok := b.orders[evt.OrderID]
	if !ok {
		o := adopt(evt)
		b.orders[o.ID] = &o
		return o, ResultAdopted, nil
	}

	next, result, err := Apply(*cur, evt)
	if err != nil || result != ResultApplied {
		return *cur, result, err
	}
	*cur = next
	return next, result, nil
}

// Get returns a copy of the order.
func (b *OrderBook) Get(orderID string) (Order, bool) {
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// All returns every order ordered by creation time, then id.
func (b *OrderBook) All() []Order {
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenCount returns how many orders are not terminal.
func (b *OrderBook) OpenCount() int {
	n := 0
	for _, o := range b.orders {
		if !o.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Restore installs a persisted order as is.
func (b *OrderBook) Restore(o Order) {
	c := o
	b.orders[o.ID] = &c
}
