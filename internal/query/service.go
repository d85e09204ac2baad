package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"PerpRecon/internal/pnl"
)

var (
	ErrNotFound      = errors.New("query: user not found")
	ErrInvalidStatus = errors.New("query: status must be open, closed or empty")
)

// LiveSource serves snapshots of attached users straight from memory.
type LiveSource interface {
	Snapshot(userID string) (pnl.Snapshot, bool)
	Degraded() bool
}

// Service provides read-only access to reconciled PNL. Users with a running
// pipeline are answered from memory; everyone else from the projection
// tables. Either source may be nil.
type Service struct {
	db   *sql.DB
	live LiveSource
}

func NewService(db *sql.DB, live LiveSource) *Service {
	return &Service{db: db, live: live}
}

// GetPnL returns the PNL summary for userID.
func (s *Service) GetPnL(ctx context.Context, userID string) (*PnLResponse, error) {
	if s.live != nil {
		if snap, ok := s.live.Snapshot(userID); ok {
			return pnlFromSnapshot(snap, s.live.Degraded()), nil
		}
	}
	if s.db == nil {
		return nil, ErrNotFound
	}

	r := &PnLResponse{UserID: userID, Source: FreshnessProjected}
	err := s.db.QueryRowContext(ctx, `
		SELECT realized_pnl, unrealized_pnl, fees, funding, total_pnl, open_positions,
		       closed_positions, win_rate, profit_factor, max_drawdown, max_drawdown_pct,
		       roi, degraded, as_of
		FROM projections.pnl
		WHERE user_id = $1`, userID,
	).Scan(
		&r.RealizedPnL, &r.UnrealizedPnL, &r.Fees, &r.Funding, &r.TotalPnL, &r.OpenPositions,
		&r.ClosedPositions, &r.WinRate, &r.ProfitFactor, &r.MaxDrawdown, &r.MaxDrawdownPct,
		&r.ROI, &r.Degraded, &r.AsOf,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pnl projection: %w", err)
	}
	r.AsOf = r.AsOf.UTC()
	return r, nil
}

// GetPositions returns the positions for userID. status filters by
// "open" or "closed"; empty returns both.
func (s *Service) GetPositions(ctx context.Context, userID, status string) (*PositionsResponse, error) {
	want := strings.ToLower(status)
	if want != "" && want != "open" && want != "closed" {
		return nil, ErrInvalidStatus
	}

	if s.live != nil {
		if snap, ok := s.live.Snapshot(userID); ok {
			return &PositionsResponse{
				UserID:    userID,
				Positions: filterStatus(snap.Positions, want),
				Source:    FreshnessLive,
				AsOf:      snap.AsOf,
			}, nil
		}
	}
	if s.db == nil {
		return nil, ErrNotFound
	}

	query := `
		SELECT position_id, market, side, size, entry_price, exit_price, status,
		       realized_pnl, unrealized_pnl, fees, funding, opened_at, closed_at
		FROM projections.positions
		WHERE user_id = $1`
	args := []any{userID}
	if want != "" {
		query += " AND status = $2"
		args = append(args, want)
	}
	query += " ORDER BY opened_at, position_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("positions projection: %w", err)
	}
	defer rows.Close()

	resp := &PositionsResponse{UserID: userID, Positions: []pnl.PositionView{}, Source: FreshnessProjected}
	for rows.Next() {
		var v pnl.PositionView
		var closedAt sql.NullTime
		if err := rows.Scan(
			&v.ID, &v.Market, &v.Side, &v.Size, &v.EntryPrice, &v.ExitPrice, &v.Status,
			&v.RealizedPnL, &v.UnrealizedPnL, &v.Fees, &v.Funding, &v.OpenedAt, &closedAt,
		); err != nil {
			return nil, err
		}
		v.OpenedAt = v.OpenedAt.UTC()
		if closedAt.Valid {
			t := closedAt.Time.UTC()
			v.ClosedAt = &t
			if t.After(resp.AsOf) {
				resp.AsOf = t
			}
		}
		resp.Positions = append(resp.Positions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(resp.Positions) == 0 && want == "" {
		return nil, ErrNotFound
	}
	return resp, nil
}

// GetBalances returns the projected balances of userID.
func (s *Service) GetBalances(ctx context.Context, userID string) ([]BalanceResponse, error) {
	if s.db == nil {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, amount, height, updated_at
		FROM projections.balances
		WHERE user_id = $1
		ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("balance projection: %w", err)
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		if err := rows.Scan(&b.Asset, &b.Amount, &b.Height, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt = b.UpdatedAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func filterStatus(views []pnl.PositionView, status string) []pnl.PositionView {
	out := make([]pnl.PositionView, 0, len(views))
	for _, v := range views {
		if status == "" || v.Status == status {
			out = append(out, v)
		}
	}
	return out
}
