package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/event"
	"PerpRecon/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OrderRow represents a row in recon.orders
type OrderRow struct {
	UserID      string
	OrderID     string
	ClientID    string
	Market      string
	Side        string
	Size        decimal.Decimal
	Price       decimal.Decimal
	FilledSize  decimal.Decimal
	Status      string
	TimeInForce string
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastHeight  int64
	Version     int64
}

// FillRow represents a row in recon.fills
type FillRow struct {
	UserID   string
	FillID   string
	OrderID  string
	Market   string
	Side     string
	Size     decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Height   int64
	FilledAt time.Time
	Source   string
}

// AuditRow represents a row in recon.audit
type AuditRow struct {
	ID      uuid.UUID `json:"id"`
	UserID  string    `json:"user_id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail"`
	Height  int64     `json:"height"`
	At      time.Time `json:"at"`
}

// FundingRow represents a row in recon.funding
type FundingRow struct {
	UserID      string
	PositionID  string
	Market      string
	Rate        decimal.Decimal
	Size        decimal.Decimal
	WindowStart time.Time
	WindowEnd   time.Time
	Amount      decimal.Decimal
}

// Batch collects rows for one transaction. Orders are keyed so a batch
// carries at most one row per order: Postgres rejects an upsert that
// touches the same row twice in one statement.
type Batch struct {
	orders     map[string]int
	Orders     []OrderRow
	Fills      []FillRow
	Audit      []AuditRow
	Funding    []FundingRow
	LastOutput int64
}

func NewBatch() *Batch {
	return &Batch{orders: make(map[string]int)}
}

// Len is the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Orders) + len(b.Fills) + len(b.Audit) + len(b.Funding)
}

// Reset empties the batch, keeping its capacity.
func (b *Batch) Reset() {
	clear(b.orders)
	b.Orders = b.Orders[:0]
	b.Fills = b.Fills[:0]
	b.Audit = b.Audit[:0]
	b.Funding = b.Funding[:0]
}

// Add converts a reconciler output into rows. Account updates are not
// persisted here and are ignored; Add reports whether anything was added.
func (b *Batch) Add(out core.Output) bool {
	switch out.Kind {
	case core.OutputOrder:
		if out.Order == nil {
			return false
		}
		b.addOrder(OrderRowFrom(out.UserID, out))
	case core.OutputFill:
		if out.Fill == nil {
			return false
		}
		b.Fills = append(b.Fills, FillRowFrom(out.UserID, out.Fill))
	case core.OutputAudit:
		if out.Audit == nil {
			return false
		}
		b.Audit = append(b.Audit, AuditRowFrom(out.Audit))
	case core.OutputFunding:
		if out.Funding == nil {
			return false
		}
		b.Funding = append(b.Funding, FundingRowFrom(out.Funding))
	default:
		return false
	}
	b.LastOutput = out.Sequence
	return true
}

func (b *Batch) addOrder(row OrderRow) {
	key := row.UserID + "\x00" + row.OrderID
	if i, ok := b.orders[key]; ok {
		cur := b.Orders[i]
		if row.LastHeight > cur.LastHeight || (row.LastHeight == cur.LastHeight && row.Version >= cur.Version) {
			b.Orders[i] = row
		}
		return
	}
	b.orders[key] = len(b.Orders)
	b.Orders = append(b.Orders, row)
}

// OrderRowFrom flattens the order carried by an output.
func OrderRowFrom(userID string, out core.Output) OrderRow {
	o := out.Order
	return OrderRow{
		UserID:      userID,
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
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		LastHeight:  o.LastHeight,
		Version:     o.Version,
	}
}

func FillRowFrom(userID string, f *event.FillRecorded) FillRow {
	return FillRow{
		UserID:   userID,
		FillID:   f.FillID,
		OrderID:  f.OrderID,
		Market:   f.Market,
		Side:     f.FillSide.String(),
		Size:     f.Size,
		Price:    f.Price,
		Fee:      f.Fee,
		Height:   f.Height,
		FilledAt: f.Timestamp,
		Source:   f.Source.String(),
	}
}

func AuditRowFrom(a *core.AuditRecord) AuditRow {
	return AuditRow{
		ID:      a.ID,
		UserID:  a.UserID,
		Kind:    a.Kind,
		Subject: a.Subject,
		Detail:  a.Detail,
		Height:  a.Height,
		At:      a.At,
	}
}

func FundingRowFrom(a *state.FundingAccrual) FundingRow {
	return FundingRow{
		UserID:      a.UserID,
		PositionID:  a.PositionID,
		Market:      a.Market,
		Rate:        a.Rate,
		Size:        a.Size,
		WindowStart: a.WindowStart,
		WindowEnd:   a.WindowEnd,
		Amount:      a.Amount,
	}
}

// Writer writes reconciled rows to Postgres using multi-row INSERTs.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// placeholders renders "($1, $2, ...), ($n+1, ...)" for rows of width cols.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", r*cols+c+1)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

const upsertOrdersPrefix = `INSERT INTO recon.orders
	(user_id, order_id, client_id, market, side, size, price, filled_size, status,
	 time_in_force, reason, created_at, updated_at, last_height, version)
	VALUES `

// Older heights never overwrite newer ones; replays are idempotent.
const upsertOrdersSuffix = ` ON CONFLICT (user_id, order_id) DO UPDATE SET
	filled_size = EXCLUDED.filled_size,
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	updated_at = EXCLUDED.updated_at,
	last_height = EXCLUDED.last_height,
	version = EXCLUDED.version
	WHERE (recon.orders.last_height, recon.orders.version) <= (EXCLUDED.last_height, EXCLUDED.version)`

// BuildOrderUpsert returns the statement and arguments for rows.
func BuildOrderUpsert(rows []OrderRow) (string, []any) {
	args := make([]any, 0, len(rows)*15)
	for _, o := range rows {
		args = append(args,
			o.UserID, o.OrderID, o.ClientID, o.Market, o.Side,
			o.Size, o.Price, o.FilledSize, o.Status, o.TimeInForce,
			o.Reason, o.CreatedAt, o.UpdatedAt, o.LastHeight, o.Version,
		)
	}
	return upsertOrdersPrefix + placeholders(len(rows), 15) + upsertOrdersSuffix, args
}

// BuildFillInsert returns the statement and arguments for rows. Fills are
// immutable; a repeated fill id is a no-op.
func BuildFillInsert(rows []FillRow) (string, []any) {
	args := make([]any, 0, len(rows)*11)
	for _, f := range rows {
		args = append(args,
			f.UserID, f.FillID, f.OrderID, f.Market, f.Side,
			f.Size, f.Price, f.Fee, f.Height, f.FilledAt, f.Source,
		)
	}
	query := `INSERT INTO recon.fills
		(user_id, fill_id, order_id, market, side, size, price, fee, height, filled_at, source)
		VALUES ` + placeholders(len(rows), 11) + ` ON CONFLICT (user_id, fill_id) DO NOTHING`
	return query, args
}

func BuildAuditInsert(rows []AuditRow) (string, []any) {
	args := make([]any, 0, len(rows)*7)
	for _, a := range rows {
		args = append(args, a.ID, a.UserID, a.Kind, a.Subject, a.Detail, a.Height, a.At)
	}
	query := `INSERT INTO recon.audit (id, user_id, kind, subject, detail, height, at)
		VALUES ` + placeholders(len(rows), 7) + ` ON CONFLICT (id) DO NOTHING`
	return query, args
}

// BuildFundingInsert returns the statement and arguments for rows. An
// accrual is keyed by its position and window end; a repeat is a no-op.
func BuildFundingInsert(rows []FundingRow) (string, []any) {
	args := make([]any, 0, len(rows)*8)
	for _, f := range rows {
		args = append(args,
			f.UserID, f.PositionID, f.Market, f.Rate, f.Size,
			f.WindowStart, f.WindowEnd, f.Amount,
		)
	}
	query := `INSERT INTO recon.funding
		(user_id, position_id, market, rate, size, window_start, window_end, amount)
		VALUES ` + placeholders(len(rows), 8) + ` ON CONFLICT (user_id, position_id, window_end) DO NOTHING`
	return query, args
}

// WriteOrders upserts order rows.
func (w *Writer) WriteOrders(ctx context.Context, ex execer, rows []OrderRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := BuildOrderUpsert(rows)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteFills inserts fill rows.
func (w *Writer) WriteFills(ctx context.Context, ex execer, rows []FillRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := BuildFillInsert(rows)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteAudit inserts audit rows.
func (w *Writer) WriteAudit(ctx context.Context, ex execer, rows []AuditRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := BuildAuditInsert(rows)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteFunding inserts funding accrual rows.
func (w *Writer) WriteFunding(ctx context.Context, ex execer, rows []FundingRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := BuildFundingInsert(rows)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
