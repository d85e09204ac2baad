package ingestion

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"PerpRecon/internal/event"
	fpmath "PerpRecon/internal/math"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Push frame types sent by the indexer websocket.
const (
	FrameConnected        = "connected"
	FrameSubscribed       = "subscribed"
	FrameChannelData      = "channel_data"
	FrameChannelBatchData = "channel_batch_data"
	FrameUnsubscribed     = "unsubscribed"
	FrameError            = "error"
)

// --- JSON wire formats ---
// Field names are camelCase to match the indexer API. Sizes, prices, fees
// and heights may arrive as JSON strings or numbers.

type pushFrame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	ID        string          `json:"id"`
	MessageID int64           `json:"message_id"`
	Contents  json.RawMessage `json:"contents"`
	Message   string          `json:"message"`
}

type subaccountContents struct {
	Orders      []orderJSON   `json:"orders"`
	Fills       []fillJSON    `json:"fills"`
	Balances    []balanceJSON `json:"balances"`
	BlockHeight numString     `json:"blockHeight"`
}

type orderJSON struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	Market      string    `json:"market"`
	Side        string    `json:"side"`
	Size        numString `json:"size"`
	Price       numString `json:"price"`
	FilledSize  numString `json:"filledSize"`
	Status      string    `json:"status"`
	TimeInForce string    `json:"timeInForce"`
	Reason      string    `json:"reason"`
	Height      numString `json:"height"`
	UpdatedAt   string    `json:"updatedAt"`
}

type fillJSON struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	Market    string    `json:"market"`
	Side      string    `json:"side"`
	Size      numString `json:"size"`
	Price     numString `json:"price"`
	Fee       numString `json:"fee"`
	Height    numString `json:"height"`
	CreatedAt string    `json:"createdAt"`
}

type balanceJSON struct {
	Asset  string    `json:"asset"`
	Size   numString `json:"size"`
	Height numString `json:"height"`
}

// numString holds the literal text of a JSON number or numeric string so
// that base-unit integers never pass through float64.
type numString string

func (n *numString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = numString(s)
		return nil
	}
	*n = numString(data)
	return nil
}

func (n numString) int64() (int64, error) {
	if n == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("height %q: %w", string(n), err)
	}
	return v, nil
}

// decodeFrame parses the outer push envelope.
func decodeFrame(data []byte) (pushFrame, error) {
	var f pushFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return pushFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return pushFrame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// decodeContents returns the subaccount payloads in a frame. Batch frames
// carry an array of them.
func decodeContents(f pushFrame) ([]subaccountContents, error) {
	if len(f.Contents) == 0 || bytes.Equal(f.Contents, []byte("null")) {
		return nil, nil
	}
	if f.Type == FrameChannelBatchData {
		var batch []subaccountContents
		if err := json.Unmarshal(f.Contents, &batch); err != nil {
			return nil, fmt.Errorf("decode batch contents: %w", err)
		}
		return batch, nil
	}
	var c subaccountContents
	if err := json.Unmarshal(f.Contents, &c); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	return []subaccountContents{c}, nil
}

// decodePage parses a REST page of resource ("orders", "fills", "balances")
// into the same shape as push contents.
func decodePage(resource string, data []byte) (subaccountContents, error) {
	var c subaccountContents
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode %s page: %w", resource, err)
	}
	switch resource {
	case "orders":
		c.Fills, c.Balances = nil, nil
	case "fills":
		c.Orders, c.Balances = nil, nil
	case "balances":
		c.Orders, c.Fills = nil, nil
	default:
		return c, fmt.Errorf("unknown poll resource %q", resource)
	}
	return c, nil
}

func parseOrder(j orderJSON, scales *fpmath.ScaleBook, meta event.Meta) (*event.OrderUpdated, error) {
	if j.ID == "" {
		return nil, fmt.Errorf("parse order: missing id")
	}
	scale, ok := scales.Market(j.Market)
	if !ok {
		return nil, fmt.Errorf("parse order %s: unknown market %q", j.ID, j.Market)
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse order %s: %w", j.ID, err)
	}
	status, err := event.ParseOrderStatus(j.Status)
	if err != nil {
		return nil, fmt.Errorf("parse order %s: %w", j.ID, err)
	}
	size, err := scale.Size.ParseRaw(string(j.Size))
	if err != nil {
		return nil, fmt.Errorf("parse order %s size: %w", j.ID, err)
	}
	price, err := scale.Price.ParseRaw(string(j.Price))
	if err != nil {
		return nil, fmt.Errorf("parse order %s price: %w", j.ID, err)
	}
	filled := decimal.Zero
	if j.FilledSize != "" {
		if filled, err = scale.Size.ParseRaw(string(j.FilledSize)); err != nil {
			return nil, fmt.Errorf("parse order %s filledSize: %w", j.ID, err)
		}
	}
	height, err := j.Height.int64()
	if err != nil {
		return nil, fmt.Errorf("parse order %s: %w", j.ID, err)
	}
	if height > 0 {
		meta.Height = height
	}
	if meta.Height <= 0 {
		return nil, fmt.Errorf("parse order %s: missing height", j.ID)
	}

	return &event.OrderUpdated{
		Meta:        meta,
		OrderID:     j.ID,
		ClientID:    j.ClientID,
		Market:      j.Market,
		OrderSide:   side,
		Size:        size,
		Price:       price,
		FilledSize:  filled,
		Status:      status,
		TimeInForce: event.TimeInForce(j.TimeInForce),
		Reason:      j.Reason,
		UpdatedAt:   parseTime(j.UpdatedAt, meta.ReceivedAt),
	}, nil
}

func parseFill(j fillJSON, scales *fpmath.ScaleBook, meta event.Meta) (*event.FillRecorded, error) {
	if j.ID == "" {
		return nil, fmt.Errorf("parse fill: missing id")
	}
	scale, ok := scales.Market(j.Market)
	if !ok {
		return nil, fmt.Errorf("parse fill %s: unknown market %q", j.ID, j.Market)
	}
	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse fill %s: %w", j.ID, err)
	}
	size, err := scale.Size.ParseRaw(string(j.Size))
	if err != nil {
		return nil, fmt.Errorf("parse fill %s size: %w", j.ID, err)
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("parse fill %s: size must be positive, got %s", j.ID, size)
	}
	price, err := scale.Price.ParseRaw(string(j.Price))
	if err != nil {
		return nil, fmt.Errorf("parse fill %s price: %w", j.ID, err)
	}
	_, quote := scales.Quote()
	fee := decimal.Zero
	if j.Fee != "" {
		if fee, err = quote.ParseRaw(string(j.Fee)); err != nil {
			return nil, fmt.Errorf("parse fill %s fee: %w", j.ID, err)
		}
	}
	height, err := j.Height.int64()
	if err != nil {
		return nil, fmt.Errorf("parse fill %s: %w", j.ID, err)
	}
	if height > 0 {
		meta.Height = height
	}

	return &event.FillRecorded{
		Meta:      meta,
		FillID:    j.ID,
		OrderID:   j.OrderID,
		Market:    j.Market,
		FillSide:  side,
		Size:      size,
		Price:     price,
		Fee:       fee,
		Timestamp: parseTime(j.CreatedAt, meta.ReceivedAt),
	}, nil
}

func parseBalance(j balanceJSON, scales *fpmath.ScaleBook, meta event.Meta) (*event.BalanceChanged, error) {
	scale, ok := scales.Asset(j.Asset)
	if !ok {
		return nil, fmt.Errorf("parse balance: unknown asset %q", j.Asset)
	}
	balance, err := scale.ParseRaw(string(j.Size))
	if err != nil {
		return nil, fmt.Errorf("parse balance %s: %w", j.Asset, err)
	}
	height, err := j.Height.int64()
	if err != nil {
		return nil, fmt.Errorf("parse balance %s: %w", j.Asset, err)
	}
	if height > 0 {
		meta.Height = height
	}
	if meta.Height <= 0 {
		return nil, fmt.Errorf("parse balance %s: missing height", j.Asset)
	}

	return &event.BalanceChanged{
		Meta:      meta,
		Asset:     j.Asset,
		Balance:   balance,
		Timestamp: meta.ReceivedAt,
	}, nil
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t
}
