package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"PerpRecon/internal/channel"
	"PerpRecon/internal/event"
	"PerpRecon/internal/ingestion"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DegradationView reports whether outputs should be flagged as possibly stale.
type DegradationView interface {
	Degraded() bool
}

// Reconciler is the single writer for one user's orders, positions and
// balances. Everything that mutates them runs on the goroutine calling Run;
// the accessors documented as safe may be called from anywhere.
type Reconciler struct {
	userID     string
	normalizer *ingestion.Normalizer
	orders     *state.OrderBook
	positions  *state.PositionLedger
	balances   *state.Balances
	engine     *pnl.Engine
	hasher     *StateHasher
	registry   *channel.Registry
	degraded   DegradationView
	sinks      Sinks
	logger     zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	acks     chan state.PlacementAck
	sequence int64

	illegal atomic.Uint64
	latest  atomic.Pointer[pnl.Snapshot]
	hash    atomic.Value // string
}

// NewReconciler wires a reconciler. registry, degraded and metrics may be nil.
func NewReconciler(
	userID string,
	normalizer *ingestion.Normalizer,
	engine *pnl.Engine,
	registry *channel.Registry,
	degraded DegradationView,
	sinks Sinks,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Reconciler {
	r := &Reconciler{
		userID:     userID,
		normalizer: normalizer,
		orders:     state.NewOrderBook(),
		positions:  state.NewPositionLedger(userID),
		balances:   state.NewBalances(),
		engine:     engine,
		hasher:     NewStateHasher(),
		registry:   registry,
		degraded:   degraded,
		sinks:      sinks,
		logger:     observability.ForUser(logger, userID),
		metrics:    metrics,
		now:        time.Now,
		acks:       make(chan state.PlacementAck, 64),
	}
	r.hash.Store("")
	return r
}

// Replay rebuilds state from persisted orders, fills and funding accruals
// before Run starts. It returns the ledger hash of the rebuilt state.
func (r *Reconciler) Replay(orders []state.Order, fills []*event.FillRecorded, funding []state.FundingAccrual) (string, error) {
	for _, o := range orders {
		r.orders.Restore(o)
		r.normalizer.RestoreOrder(o.ID, o.LastHeight)
	}

	ledger, err := state.Replay(r.userID, fills, funding)
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", r.userID, err)
	}
	r.positions = ledger

	snap := r.engine.Compute(r.userID, r.positions, r.now())
	r.latest.Store(&snap)

	h := HashString(LedgerHash(r.positions.Open(), r.positions.Closed(), r.balances.All()))
	r.hash.Store(h)
	r.logger.Info().
		Int("orders", len(orders)).
		Int("fills", len(fills)).
		Int("funding", len(funding)).
		Int("open_positions", snap.OpenPositions).
		Str("ledger_hash", h).
		Msg("state replayed")
	return h, nil
}

// Run applies raw messages and market ticks until msgs is closed or ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context, msgs <-chan channel.RawMessage, ticks <-chan event.MarketTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			r.HandleRaw(ctx, raw)
		case tick := <-ticks:
			r.HandleTick(ctx, tick)
		case ack := <-r.acks:
			r.place(ctx, ack)
		}
	}
}

// Place queues a placement acknowledgment for the run loop.
// Safe for concurrent use.
func (r *Reconciler) Place(ack state.PlacementAck) error {
	select {
	case r.acks <- ack:
		return nil
	default:
		return fmt.Errorf("%w for %s", ErrPlacementQueueFull, r.userID)
	}
}

// HandleRaw normalizes one raw message and applies every event it carries.
func (r *Reconciler) HandleRaw(ctx context.Context, raw channel.RawMessage) {
	events, err := r.normalizer.Normalize(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("source", raw.Source.String()).Msg("raw message partly malformed")
	}
	for _, evt := range events {
		if err := r.Apply(ctx, evt); err != nil {
			r.logger.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("apply failed")
		}
	}
}

// Apply routes one canonical event to its state owner.
func (r *Reconciler) Apply(ctx context.Context, evt event.Event) error {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ApplyDuration.WithLabelValues(evt.EventType().String()).Observe(time.Since(start).Seconds())
		}
	}()

	switch e := evt.(type) {
	case *event.OrderUpdated:
		return r.applyOrder(ctx, e)
	case *event.FillRecorded:
		return r.applyFill(ctx, e)
	case *event.BalanceChanged:
		return r.applyBalance(ctx, e)
	default:
		return fmt.Errorf("unhandled event %T", evt)
	}
}

func (r *Reconciler) applyOrder(ctx context.Context, e *event.OrderUpdated) error {
	o, result, err := r.orders.Apply(e)

	var ite *state.IllegalTransitionError
	if result == state.ResultRejected && errors.As(err, &ite) {
		r.normalizer.MarkRejected(e)
		r.illegal.Add(1)
		if r.metrics != nil {
			r.metrics.IllegalTransitions.WithLabelValues(ite.From.String(), ite.To.String()).Inc()
		}
		r.logger.Warn().
			Bool("audit", true).
			Str("order_id", ite.OrderID).
			Str("from", ite.From.String()).
			Str("to", ite.To.String()).
			Int64("height", ite.Height).
			Str("detail", ite.Detail).
			Msg("illegal order transition rejected")
		r.audit(ctx, AuditIllegalTransition, ite.OrderID, ite.Error(), ite.Height)
		return nil
	}
	if err != nil {
		return err
	}

	r.normalizer.MarkApplied(e)
	if result == state.ResultStale || result == state.ResultUnchanged {
		return nil
	}

	r.recordApplied(e.Height)
	if r.metrics != nil {
		r.metrics.OrdersApplied.WithLabelValues(o.Status.String()).Inc()
	}
	if result == state.ResultAdopted {
		r.logger.Debug().Str("order_id", o.ID).Str("status", o.Status.String()).Msg("order adopted")
	}

	out := r.next(OutputOrder, o.CanonicalBytes())
	out.Order = &o
	r.emit(ctx, out)
	return nil
}

func (r *Reconciler) applyFill(ctx context.Context, e *event.FillRecorded) error {
	upd, err := r.positions.ApplyFill(e)
	if err != nil {
		r.normalizer.MarkRejected(e)
		if r.metrics != nil {
			r.metrics.EventsDropped.WithLabelValues("rejected_fill").Inc()
		}
		r.logger.Warn().Bool("audit", true).Err(err).Str("fill_id", e.FillID).Msg("fill rejected")
		r.audit(ctx, AuditMalformedFill, e.FillID, err.Error(), e.Height)
		return nil
	}

	r.normalizer.MarkApplied(e)
	r.recordApplied(e.Height)
	if r.metrics != nil {
		r.metrics.FillsApplied.WithLabelValues(e.Market).Inc()
		if upd.Flipped {
			r.metrics.PositionFlips.WithLabelValues(e.Market).Inc()
		}
	}

	digest := []byte(e.FillID)
	if upd.Current != nil {
		digest = append(digest, upd.Current.CanonicalBytes()...)
	}
	if upd.Closed != nil {
		digest = append(digest, upd.Closed.CanonicalBytes()...)
	}
	out := r.next(OutputFill, digest)
	out.Fill = e
	out.Position = &upd
	r.emit(ctx, out)

	r.emitAccount(ctx, "")
	return nil
}

func (r *Reconciler) applyBalance(ctx context.Context, e *event.BalanceChanged) error {
	b, changed := r.balances.Apply(e)
	r.normalizer.MarkApplied(e)
	if !changed {
		return nil
	}
	r.recordApplied(e.Height)
	r.chain(b.CanonicalBytes())
	r.emitAccount(ctx, "")
	return nil
}

// HandleTick revalues open positions at new marks and accrues funding.
func (r *Reconciler) HandleTick(ctx context.Context, tick event.MarketTick) {
	changed := false
	for _, m := range tick.Marks {
		if r.positions.Mark(m) != nil {
			changed = true
		}
	}
	for _, f := range tick.Funding {
		acc, ok := r.positions.AccrueFunding(f)
		if !ok {
			continue
		}
		changed = true
		out := r.next(OutputFunding, []byte(acc.PositionID+acc.WindowEnd.String()+acc.Amount.String()))
		out.Funding = &acc
		r.emit(ctx, out)
	}
	if changed {
		r.emitAccount(ctx, "")
	}
}

func (r *Reconciler) place(ctx context.Context, ack state.PlacementAck) {
	o, err := r.orders.Place(ack)
	if err != nil {
		r.logger.Warn().Err(err).Str("order_id", ack.OrderID).Msg("placement ack rejected")
		return
	}
	out := r.next(OutputOrder, o.CanonicalBytes())
	out.Order = &o
	r.emit(ctx, out)
}

// Halt emits the final account update and audit record for a pipeline
// stopped by err.
func (r *Reconciler) Halt(ctx context.Context, err error) {
	r.logger.Error().Bool("audit", true).Err(err).Msg("pipeline halted")
	r.audit(ctx, AuditHalt, r.userID, err.Error(), 0)
	r.emitAccount(ctx, err.Error())
}

func (r *Reconciler) recordApplied(height int64) {
	if r.registry != nil && height > 0 {
		r.registry.RecordApplied(r.userID, height)
	}
}

// chain advances the sequence and the state hash over digest.
func (r *Reconciler) chain(digest []byte) [32]byte {
	r.sequence++
	return r.hasher.ComputeHash(r.sequence, digest)
}

func (r *Reconciler) next(kind OutputKind, digest []byte) Output {
	hash := r.chain(digest)
	return Output{
		Kind:      kind,
		UserID:    r.userID,
		Sequence:  r.sequence,
		StateHash: hash,
		Degraded:  r.isDegraded(),
		At:        r.now(),
	}
}

func (r *Reconciler) emitAccount(ctx context.Context, errMsg string) {
	snap := r.engine.Compute(r.userID, r.positions, r.now())
	r.latest.Store(&snap)
	r.hash.Store(HashString(LedgerHash(r.positions.Open(), r.positions.Closed(), r.balances.All())))

	out := Output{
		Kind:      OutputAccount,
		UserID:    r.userID,
		Sequence:  r.sequence,
		StateHash: r.hasher.GetPrevHash(),
		Degraded:  r.isDegraded() || errMsg != "",
		At:        snap.AsOf,
		Snapshot:  &snap,
		Balances:  r.balances.All(),
		Error:     errMsg,
	}
	r.emit(ctx, out)
}

func (r *Reconciler) audit(ctx context.Context, kind, subject, detail string, height int64) {
	out := r.next(OutputAudit, []byte(kind+subject))
	out.Audit = &AuditRecord{
		ID:      uuid.New(),
		UserID:  r.userID,
		Kind:    kind,
		Subject: subject,
		Detail:  detail,
		Height:  height,
		At:      out.At,
	}
	r.emit(ctx, out)
}

func (r *Reconciler) emit(ctx context.Context, out Output) {
	switch out.Kind {
	case OutputOrder, OutputFill, OutputAudit, OutputFunding:
		if r.sinks.Persist != nil {
			select {
			case r.sinks.Persist <- out:
			case <-ctx.Done():
				r.logger.Warn().Str("kind", out.Kind.String()).Int64("seq", out.Sequence).Msg("persist skipped on shutdown")
			}
		}
	case OutputAccount:
		if r.sinks.Project != nil {
			select {
			case r.sinks.Project <- out:
			default:
				if r.metrics != nil {
					r.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}

	if out.Kind != OutputAudit && out.Kind != OutputFunding && r.sinks.Dispatch != nil {
		r.sinks.Dispatch.Enqueue(out)
	}
}

func (r *Reconciler) isDegraded() bool {
	return r.degraded != nil && r.degraded.Degraded()
}

// Latest returns the most recent PNL snapshot. Safe for concurrent use.
func (r *Reconciler) Latest() (pnl.Snapshot, bool) {
	s := r.latest.Load()
	if s == nil {
		return pnl.Snapshot{}, false
	}
	return *s, true
}

// LedgerHash returns the hash of the ledger as of the last account update.
// Safe for concurrent use.
func (r *Reconciler) LedgerHash() string {
	return r.hash.Load().(string)
}

// IllegalTransitions counts rejected order updates. Safe for concurrent use.
func (r *Reconciler) IllegalTransitions() uint64 {
	return r.illegal.Load()
}

// NormalizerStats returns the normalizer counters. Safe for concurrent use.
func (r *Reconciler) NormalizerStats() ingestion.StatsSnapshot {
	return r.normalizer.Stats()
}
