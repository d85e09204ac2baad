package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/pnl"

	"github.com/rs/zerolog"
)

// Worker updates the projection tables from account updates. The project
// channel is non-blocking with drop; if the worker falls behind, the next
// account update for the same user carries the full picture again.
type Worker struct {
	db      *sql.DB
	input   <-chan core.Output
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewWorker(db *sql.DB, input <-chan core.Output, logger zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{db: db, input: input, logger: logger, metrics: metrics}
}

// Run consumes account updates until ctx is cancelled or the input closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			if out.Kind != core.OutputAccount || out.Snapshot == nil {
				continue
			}

			start := time.Now()
			if err := w.Apply(ctx, out); err != nil {
				// Projections are eventually consistent; the next update
				// for this user overwrites the rows again.
				w.logger.Warn().Err(err).
					Str("user_id", out.UserID).
					Int64("sequence", out.Sequence).
					Msg("projection update failed")
				continue
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
				w.metrics.ChannelSize.WithLabelValues("project").Set(float64(len(w.input)))
			}
		}
	}
}

// Apply writes one account update in a single transaction. Updates arrive
// in pipeline order, so the latest write wins; balances additionally keep
// the highest exchange height.
func (w *Worker) Apply(ctx context.Context, out core.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query, args := BuildPnLUpsert(out)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("pnl projection: %w", err)
	}

	if len(out.Snapshot.Positions) > 0 {
		query, args := BuildPositionsUpsert(out.UserID, out.Sequence, out.Snapshot.Positions)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("positions projection: %w", err)
		}
	}

	for _, b := range out.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (user_id, asset, amount, height, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, asset) DO UPDATE
				SET amount = EXCLUDED.amount, height = EXCLUDED.height, updated_at = EXCLUDED.updated_at
				WHERE projections.balances.height < EXCLUDED.height
		`, out.UserID, b.Asset, b.Amount, b.Height, b.UpdatedAt); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	return tx.Commit()
}

// BuildPnLUpsert returns the statement writing the summary row of out.
func BuildPnLUpsert(out core.Output) (string, []any) {
	s := out.Snapshot
	return `
		INSERT INTO projections.pnl
			(user_id, realized_pnl, unrealized_pnl, fees, funding, total_pnl, win_rate,
			 profit_factor, max_drawdown, max_drawdown_pct, roi, open_positions,
			 closed_positions, degraded, as_of, as_of_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (user_id) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			fees = EXCLUDED.fees,
			funding = EXCLUDED.funding,
			total_pnl = EXCLUDED.total_pnl,
			win_rate = EXCLUDED.win_rate,
			profit_factor = EXCLUDED.profit_factor,
			max_drawdown = EXCLUDED.max_drawdown,
			max_drawdown_pct = EXCLUDED.max_drawdown_pct,
			roi = EXCLUDED.roi,
			open_positions = EXCLUDED.open_positions,
			closed_positions = EXCLUDED.closed_positions,
			degraded = EXCLUDED.degraded,
			as_of = EXCLUDED.as_of,
			as_of_sequence = EXCLUDED.as_of_sequence`,
		[]any{
			out.UserID, s.RealizedPnL, s.UnrealizedPnL, s.Fees, s.Funding, s.TotalPnL, s.WinRate,
			s.ProfitFactor, s.MaxDrawdown, s.MaxDrawdownPct, s.ROI, s.OpenPositions,
			s.ClosedPositions, out.Degraded, s.AsOf, out.Sequence,
		}
}

// BuildPositionsUpsert returns one multi-row statement for views.
func BuildPositionsUpsert(userID string, seq int64, views []pnl.PositionView) (string, []any) {
	const cols = 15
	values := make([]string, 0, len(views))
	args := make([]any, 0, len(views)*cols)
	for i, v := range views {
		base := i * cols
		ph := make([]string, cols)
		for c := range ph {
			ph[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			userID, v.ID, v.Market, v.Side, v.Size, v.EntryPrice, v.ExitPrice, v.Status,
			v.RealizedPnL, v.UnrealizedPnL, v.Fees, v.Funding, v.OpenedAt, v.ClosedAt, seq,
		)
	}
	query := `INSERT INTO projections.positions
		(user_id, position_id, market, side, size, entry_price, exit_price, status,
		 realized_pnl, unrealized_pnl, fees, funding, opened_at, closed_at, as_of_sequence)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (user_id, position_id) DO UPDATE SET
			side = EXCLUDED.side,
			size = EXCLUDED.size,
			entry_price = EXCLUDED.entry_price,
			exit_price = EXCLUDED.exit_price,
			status = EXCLUDED.status,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			fees = EXCLUDED.fees,
			funding = EXCLUDED.funding,
			closed_at = EXCLUDED.closed_at,
			as_of_sequence = EXCLUDED.as_of_sequence`
	return query, args
}
