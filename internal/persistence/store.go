package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"PerpRecon/internal/event"
	"PerpRecon/internal/state"
)

// Store reads reconciled history back from Postgres. It is the durable tier
// of fill deduplication and the source of start-up replay.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IsDuplicateFill checks whether a fill id has already been persisted.
func (s *Store) IsDuplicateFill(ctx context.Context, userID, fillID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM recon.fills WHERE user_id = $1 AND fill_id = $2)`,
		userID, fillID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fill %s: %w", fillID, err)
	}
	return exists, nil
}

// LoadOrders returns every persisted order for userID, terminal ones
// included.
func (s *Store) LoadOrders(ctx context.Context, userID string) ([]state.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, client_id, market, side, size, price, filled_size, status,
		       time_in_force, reason, created_at, updated_at, last_height, version
		FROM recon.orders
		WHERE user_id = $1
		ORDER BY created_at, order_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var out []state.Order
	for rows.Next() {
		var (
			o            state.Order
			side, status string
			tif          string
		)
		if err := rows.Scan(&o.ID, &o.ClientID, &o.Market, &side, &o.Size, &o.Price, &o.FilledSize, &status,
			&tif, &o.Reason, &o.CreatedAt, &o.UpdatedAt, &o.LastHeight, &o.Version); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if o.Side, err = event.ParseSide(side); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		if o.Status, err = event.ParseOrderStatus(status); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		o.TimeInForce = event.TimeInForce(tif)
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadFills returns every persisted fill for userID in replay order.
func (s *Store) LoadFills(ctx context.Context, userID string) ([]*event.FillRecorded, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, order_id, market, side, size, price, fee, height, filled_at
		FROM recon.fills
		WHERE user_id = $1
		ORDER BY height, filled_at, fill_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	defer rows.Close()

	var out []*event.FillRecorded
	for rows.Next() {
		f := &event.FillRecorded{Meta: event.Meta{UserID: userID, Source: event.SourceReplay}}
		var side string
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Market, &side, &f.Size, &f.Price, &f.Fee,
			&f.Height, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		if f.FillSide, err = event.ParseSide(side); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.FillID, err)
		}
		f.Timestamp = f.Timestamp.UTC()
		f.ReceivedAt = f.Timestamp
		out = append(out, f)
	}
	return out, rows.Err()
}

// LoadFunding returns userID's funding accruals in window order.
func (s *Store) LoadFunding(ctx context.Context, userID string) ([]state.FundingAccrual, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, market, rate, size, window_start, window_end, amount
		FROM recon.funding
		WHERE user_id = $1
		ORDER BY window_end, position_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load funding: %w", err)
	}
	defer rows.Close()

	var out []state.FundingAccrual
	for rows.Next() {
		a := state.FundingAccrual{UserID: userID}
		if err := rows.Scan(&a.PositionID, &a.Market, &a.Rate, &a.Size,
			&a.WindowStart, &a.WindowEnd, &a.Amount); err != nil {
			return nil, fmt.Errorf("scan funding: %w", err)
		}
		a.WindowStart = a.WindowStart.UTC()
		a.WindowEnd = a.WindowEnd.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentAudit returns the newest audit rows for userID.
func (s *Store) RecentAudit(ctx context.Context, userID string, limit int) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, subject, detail, height, at
		FROM recon.audit
		WHERE user_id = $1
		ORDER BY at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var a AuditRow
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &a.Subject, &a.Detail, &a.Height, &a.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
