package state

import (
	"fmt"
	"sort"
	"time"

	"PerpRecon/internal/event"
	fpmath "PerpRecon/internal/math"

	"github.com/shopspring/decimal"
)

// FundingAccrual is one funding charge booked on a position. Amount is
// positive when the position paid.
type FundingAccrual struct {
	UserID      string
	PositionID  string
	Market      string
	Rate        decimal.Decimal
	Size        decimal.Decimal // signed size the rate was applied to
	WindowStart time.Time
	WindowEnd   time.Time
	Amount      decimal.Decimal
}

// AccrueFunding charges size * rate * hours/8 on the open position in the
// rate's market for the time held since its last accrual.
func (l *PositionLedger) AccrueFunding(u event.FundingRateUpdate) (FundingAccrual, bool) {
	pos, ok := l.open[u.Market]
	if !ok {
		return FundingAccrual{}, false
	}
	held := fpmath.FundingWindow(pos.OpenedAt, pos.LastFundingAt, u.Timestamp)
	if held <= 0 {
		return FundingAccrual{}, false
	}

	acc := FundingAccrual{
		UserID:      l.userID,
		PositionID:  pos.ID,
		Market:      pos.Market,
		Rate:        u.Rate,
		Size:        pos.Size,
		WindowStart: u.Timestamp.Add(-held),
		WindowEnd:   u.Timestamp,
		Amount:      fpmath.ComputeFundingPayment(pos.Size, u.Rate, held),
	}
	pos.Funding = pos.Funding.Add(acc.Amount)
	pos.LastFundingAt = u.Timestamp
	pos.Version++
	return acc, true
}

// RestoreFunding books a previously recorded accrual on the position it was
// charged to, open or closed. The amount is taken as recorded.
func (l *PositionLedger) RestoreFunding(acc FundingAccrual) error {
	if pos, ok := l.open[acc.Market]; ok && pos.ID == acc.PositionID {
		pos.Funding = pos.Funding.Add(acc.Amount)
		if acc.WindowEnd.After(pos.LastFundingAt) {
			pos.LastFundingAt = acc.WindowEnd
		}
		pos.Version++
		return nil
	}
	for i := range l.closed {
		if l.closed[i].ID == acc.PositionID {
			l.closed[i].Funding = l.closed[i].Funding.Add(acc.Amount)
			l.closed[i].Version++
			return nil
		}
	}
	return fmt.Errorf("funding for unknown position %s", acc.PositionID)
}

// Replay rebuilds a ledger from persisted fills and funding accruals. Both
// histories are merged in time order; an accrual is booked before a fill
// stamped at or after its window end.
func Replay(userID string, fills []*event.FillRecorded, funding []FundingAccrual) (*PositionLedger, error) {
	accruals := append([]FundingAccrual(nil), funding...)
	sort.SliceStable(accruals, func(i, j int) bool {
		return accruals[i].WindowEnd.Before(accruals[j].WindowEnd)
	})

	l := NewPositionLedger(userID)
	next := 0
	restoreUntil := func(t time.Time) error {
		for next < len(accruals) {
			if accruals[next].WindowEnd.After(t) {
				return nil
			}
			if err := l.RestoreFunding(accruals[next]); err != nil {
				return fmt.Errorf("replay funding: %w", err)
			}
			next++
		}
		return nil
	}

	for _, f := range fills {
		if err := restoreUntil(f.Timestamp); err != nil {
			return l, err
		}
		if _, err := l.ApplyFill(f); err != nil {
			return l, fmt.Errorf("replay fill %s: %w", f.FillID, err)
		}
	}
	for ; next < len(accruals); next++ {
		if err := l.RestoreFunding(accruals[next]); err != nil {
			return l, fmt.Errorf("replay funding: %w", err)
		}
	}
	return l, nil
}
