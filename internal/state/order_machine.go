package state

import (
	"PerpRecon/internal/event"
)

// ApplyResult says what Apply did with an update.
type ApplyResult int

const (
	ResultApplied   ApplyResult = iota // status changed or fields refreshed
	ResultStale                        // height at or below the last applied one
	ResultUnchanged                    // same terminal status repeated
	ResultAdopted                      // first sighting of an order placed elsewhere
	ResultRejected                     // illegal transition; returned with *IllegalTransitionError
)

func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultStale:
		return "stale"
	case ResultUnchanged:
		return "unchanged"
	case ResultAdopted:
		return "adopted"
	case ResultRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Apply returns order updated by evt. It never mutates its input: on a stale
// update or an error the original order is returned as is.
//
//   - evt.Height <= order.LastHeight: stale, discarded without error.
//   - same status, terminal: no-op.
//   - same status, non-terminal: fields are refreshed without a transition.
//   - status change outside the lifecycle table: ResultRejected and an
//     *IllegalTransitionError.
//   - filled size going backwards or beyond size: ResultRejected and an
//     *IllegalTransitionError.
func Apply(order Order, evt *event.OrderUpdated) (Order, ApplyResult, error) {
	if evt.Height <= order.LastHeight {
		return order, ResultStale, nil
	}

	if evt.Status == order.Status {
		if order.Status.IsTerminal() {
			return order, ResultUnchanged, nil
		}
	} else if !CanTransition(order.Status, evt.Status) {
		return order, ResultRejected, &IllegalTransitionError{
			OrderID: order.ID,
			From:    order.Status,
			To:      evt.Status,
			Height:  evt.Height,
		}
	}

	if err := checkFillProgress(order, evt); err != nil {
		return order, ResultRejected, err
	}

	next := order
	next.Status = evt.Status
	next.FilledSize = evt.FilledSize
	if !evt.Size.IsZero() {
		next.Size = evt.Size
	}
	if !evt.Price.IsZero() {
		next.Price = evt.Price
	}
	if evt.TimeInForce != "" {
		next.TimeInForce = evt.TimeInForce
	}
	if next.ClientID == "" {
		next.ClientID = evt.ClientID
	}
	if evt.Status.IsTerminal() {
		next.Reason = evt.Reason
	}
	next.UpdatedAt = evt.UpdatedAt
	next.LastHeight = evt.Height
	next.Version++
	return next, ResultApplied, nil
}

func checkFillProgress(order Order, evt *event.OrderUpdated) *IllegalTransitionError {
	size := evt.Size
	if size.IsZero() {
		size = order.Size
	}
	switch {
	case evt.FilledSize.IsNegative():
		return &IllegalTransitionError{OrderID: order.ID, From: order.Status, To: evt.Status, Height: evt.Height,
			Detail: "negative filled size " + evt.FilledSize.String()}
	case evt.FilledSize.LessThan(order.FilledSize):
		return &IllegalTransitionError{OrderID: order.ID, From: order.Status, To: evt.Status, Height: evt.Height,
			Detail: "filled size decreased from " + order.FilledSize.String() + " to " + evt.FilledSize.String()}
	case !size.IsZero() && evt.FilledSize.GreaterThan(size):
		return &IllegalTransitionError{OrderID: order.ID, From: order.Status, To: evt.Status, Height: evt.Height,
			Detail: "filled size " + evt.FilledSize.String() + " exceeds size " + size.String()}
	}
	return nil
}

// adopt builds the order for an update about an order the book never saw.
func adopt(evt *event.OrderUpdated) Order {
	return Order{
		ID:          evt.OrderID,
		ClientID:    evt.ClientID,
		Market:      evt.Market,
		Side:        evt.OrderSide,
		Size:        evt.Size,
		Price:       evt.Price,
		FilledSize:  evt.FilledSize,
		TimeInForce: evt.TimeInForce,
		Status:      evt.Status,
		Reason:      evt.Reason,
		CreatedAt:   evt.UpdatedAt,
		UpdatedAt:   evt.UpdatedAt,
		LastHeight:  evt.Height,
		Version:     1,
	}
}
