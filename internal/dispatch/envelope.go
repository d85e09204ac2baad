package dispatch

import (
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/state"

	"github.com/shopspring/decimal"
)

// Envelope is what downstream consumers receive on
// perp.recon.<type>.<user_id>.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	UserID    string      `json:"user_id"`
	Sequence  int64       `json:"sequence"`
	StateHash string      `json:"state_hash"`
	Degraded  bool        `json:"degraded"`
	Data      interface{} `json:"data"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// OrderData is the payload of an order_update.
type OrderData struct {
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id,omitempty"`
	Market      string          `json:"market"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`
	Price       decimal.Decimal `json:"price"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	Status      string          `json:"status"`
	TimeInForce string          `json:"time_in_force,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Height      int64           `json:"height"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TradeData is the payload of a trade_update.
type TradeData struct {
	FillID   string            `json:"fill_id"`
	OrderID  string            `json:"order_id"`
	Market   string            `json:"market"`
	Side     string            `json:"side"`
	Size     decimal.Decimal   `json:"size"`
	Price    decimal.Decimal   `json:"price"`
	Fee      decimal.Decimal   `json:"fee"`
	Height   int64             `json:"height"`
	At       time.Time         `json:"at"`
	Position *pnl.PositionView `json:"position,omitempty"`
	Closed   *pnl.PositionView `json:"closed,omitempty"`
	Flipped  bool              `json:"flipped"`
}

// AccountData is the payload of an account_update.
type AccountData struct {
	PNL      *pnl.Snapshot `json:"pnl"`
	Balances []BalanceData `json:"balances"`
	Error    string        `json:"error,omitempty"`
}

type BalanceData struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Height int64           `json:"height"`
}

// Build converts a reconciler output into its envelope. Audit records are
// not dispatched and report false.
func Build(id string, out core.Output) (Envelope, bool) {
	env := Envelope{
		ID:        id,
		Type:      out.Kind.String(),
		UserID:    out.UserID,
		Sequence:  out.Sequence,
		StateHash: core.HashString(out.StateHash),
		Degraded:  out.Degraded,
		EmittedAt: out.At,
	}

	switch out.Kind {
	case core.OutputOrder:
		if out.Order == nil {
			return Envelope{}, false
		}
		env.Data = orderData(out.Order)
	case core.OutputFill:
		if out.Fill == nil {
			return Envelope{}, false
		}
		td := TradeData{
			FillID:  out.Fill.FillID,
			OrderID: out.Fill.OrderID,
			Market:  out.Fill.Market,
			Side:    out.Fill.FillSide.String(),
			Size:    out.Fill.Size,
			Price:   out.Fill.Price,
			Fee:     out.Fill.Fee,
			Height:  out.Fill.Height,
			At:      out.Fill.Timestamp,
		}
		if upd := out.Position; upd != nil {
			td.Flipped = upd.Flipped
			if upd.Current != nil {
				v := pnl.ViewOf(*upd.Current)
				td.Position = &v
			}
			if upd.Closed != nil {
				v := pnl.ViewOf(*upd.Closed)
				td.Closed = &v
			}
		}
		env.Data = td
	case core.OutputAccount:
		ad := AccountData{PNL: out.Snapshot, Balances: make([]BalanceData, 0, len(out.Balances)), Error: out.Error}
		for _, b := range out.Balances {
			ad.Balances = append(ad.Balances, BalanceData{Asset: b.Asset, Amount: b.Amount, Height: b.Height})
		}
		env.Data = ad
	default:
		return Envelope{}, false
	}
	return env, true
}

func orderData(o *state.Order) OrderData {
	return OrderData{
		OrderID:     o.ID,
		ClientID:    o.ClientID,
		Market:      o.Market,
		Side:        o.Side.String(),
		Size:        o.Size,
		Price:       o.Price,
		FilledSize:  o.FilledSize,
		Status:      o.Status.String(),
		TimeInForce: string(o.TimeInForce),
		Reason:      o.Reason,
		Height:      o.LastHeight,
		UpdatedAt:   o.UpdatedAt,
	}
}

// Subject returns perp.recon.<type>.<user_id>.
func Subject(env Envelope) string {
	return SubjectPrefix + "." + env.Type + "." + env.UserID
}
