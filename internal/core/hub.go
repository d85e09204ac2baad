package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"PerpRecon/internal/channel"
	"PerpRecon/internal/event"
	"PerpRecon/internal/ingestion"
	fpmath "PerpRecon/internal/math"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/pnl"
	"PerpRecon/internal/resilience"
	"PerpRecon/internal/state"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// History loads what a user's pipeline replays on start.
type History interface {
	LoadOrders(ctx context.Context, userID string) ([]state.Order, error)
	LoadFills(ctx context.Context, userID string) ([]*event.FillRecorded, error)
	LoadFunding(ctx context.Context, userID string) ([]state.FundingAccrual, error)
}

// MarketSource fetches the current marks and funding rates.
type MarketSource interface {
	Fetch(ctx context.Context) (event.MarketTick, error)
}

// HubConfig holds the per-pipeline tunables.
type HubConfig struct {
	Channel         channel.Config
	FillCacheSize   int
	TickBuffer      int
	StartingCapital decimal.Decimal
	HaltTimeout     time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		Channel:       channel.DefaultConfig(),
		FillCacheSize: 100_000,
		TickBuffer:    16,
		HaltTimeout:   5 * time.Second,
	}
}

// Hub owns one pipeline per attached user: a channel manager feeding a
// reconciler. Users share nothing but the supervisor and the registry, and
// a fatal error in one pipeline stops only that pipeline.
type Hub struct {
	cfg         HubConfig
	dialer      channel.Dialer
	poller      channel.Poller
	sup         *resilience.Supervisor
	registry    *channel.Registry
	degradation *resilience.Degradation
	scales      *fpmath.ScaleBook
	fillStore   ingestion.FillChecker
	history     History
	sinks       Sinks
	logger      zerolog.Logger
	metrics     *observability.Metrics

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu        sync.Mutex
	pipelines map[string]*pipeline
}

type pipeline struct {
	userID     string
	refs       int
	cancel     context.CancelFunc
	done       chan struct{}
	manager    *channel.Manager
	reconciler *Reconciler
	ticks      chan event.MarketTick
	err        error // set before done closes
}

func (p *pipeline) halted() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// NewHub creates a hub. fillStore, history and metrics may be nil.
func NewHub(
	cfg HubConfig,
	dialer channel.Dialer,
	poller channel.Poller,
	sup *resilience.Supervisor,
	registry *channel.Registry,
	scales *fpmath.ScaleBook,
	fillStore ingestion.FillChecker,
	history History,
	sinks Sinks,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Hub {
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 1
	}
	if cfg.HaltTimeout <= 0 {
		cfg.HaltTimeout = 5 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	return &Hub{
		cfg:         cfg,
		dialer:      dialer,
		poller:      poller,
		sup:         sup,
		registry:    registry,
		degradation: resilience.NewDegradation(sup, registry, metrics),
		scales:      scales,
		fillStore:   fillStore,
		history:     history,
		sinks:       sinks,
		logger:      logger,
		metrics:     metrics,
		base:        base,
		stop:        stop,
		pipelines:   make(map[string]*pipeline),
	}
}

// Attach adds a consumer of userID's feed and returns the func that removes
// it. The first consumer starts the pipeline; releasing the last one cancels
// it, including any backoff or poll timer in flight. Attaching to a halted
// pipeline starts a fresh one.
func (h *Hub) Attach(ctx context.Context, userID string, topics ...channel.Topic) (func(), error) {
	if userID == "" {
		return nil, fmt.Errorf("attach: empty user id")
	}
	for _, t := range topics {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("attach %s: %w", userID, err)
		}
	}

	h.mu.Lock()
	p, ok := h.pipelines[userID]
	if ok && p.halted() {
		delete(h.pipelines, userID)
		ok = false
	}
	if ok {
		p.refs++
		h.mu.Unlock()
		for _, t := range topics {
			if _, err := p.manager.Subscribe(t); err != nil {
				return nil, err
			}
		}
		return h.releaser(p), nil
	}
	h.mu.Unlock()

	p, err := h.start(ctx, userID, topics)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if existing, ok := h.pipelines[userID]; ok && !existing.halted() {
		// lost a race with a concurrent Attach
		existing.refs++
		h.mu.Unlock()
		p.cancel()
		<-p.done
		return h.releaser(existing), nil
	}
	h.pipelines[userID] = p
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActivePipelines.Inc()
	}
	return h.releaser(p), nil
}

func (h *Hub) start(ctx context.Context, userID string, topics []channel.Topic) (*pipeline, error) {
	logger := h.logger.With().Str("component", "pipeline").Logger()

	fills := ingestion.NewFillDeduper(userID, h.cfg.FillCacheSize, h.fillStore)
	normalizer := ingestion.NewNormalizer(userID, h.scales, fills, logger, h.metrics)
	rec := NewReconciler(userID, normalizer, pnl.NewEngine(h.cfg.StartingCapital), h.registry, h.degradation, h.sinks, logger, h.metrics)

	if h.history != nil {
		orders, err := h.history.LoadOrders(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load orders for %s: %w", userID, err)
		}
		history, err := h.history.LoadFills(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load fills for %s: %w", userID, err)
		}
		funding, err := h.history.LoadFunding(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load funding for %s: %w", userID, err)
		}
		ids := make([]string, 0, len(history))
		for _, f := range history {
			ids = append(ids, f.FillID)
		}
		fills.Warm(ids)
		if _, err := rec.Replay(orders, history, funding); err != nil {
			return nil, err
		}
	}

	mgr := channel.NewManager(userID, h.cfg.Channel, h.dialer, h.poller, h.sup, h.registry, logger, h.metrics)
	for _, t := range topics {
		if _, err := mgr.Subscribe(t); err != nil {
			return nil, err
		}
	}

	pctx, cancel := context.WithCancel(h.base)
	p := &pipeline{
		userID:     userID,
		refs:       1,
		cancel:     cancel,
		done:       make(chan struct{}),
		manager:    mgr,
		reconciler: rec,
		ticks:      make(chan event.MarketTick, h.cfg.TickBuffer),
	}

	h.wg.Add(1)
	go h.run(pctx, p)
	return p, nil
}

func (h *Hub) run(ctx context.Context, p *pipeline) {
	defer h.wg.Done()
	defer close(p.done)

	errCh := make(chan error, 1)
	go func() { errCh <- p.manager.Run(ctx) }()

	p.reconciler.Run(ctx, p.manager.Messages(), p.ticks)
	err := <-errCh
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	p.err = err
	if h.metrics != nil {
		h.metrics.PipelineHalts.Inc()
	}
	hctx, cancel := context.WithTimeout(context.Background(), h.cfg.HaltTimeout)
	defer cancel()
	p.reconciler.Halt(hctx, err)
}

func (h *Hub) releaser(p *pipeline) func() {
	var once sync.Once
	return func() {
		once.Do(func() { h.release(p) })
	}
}

func (h *Hub) release(p *pipeline) {
	h.mu.Lock()
	p.refs--
	last := p.refs <= 0
	if last && h.pipelines[p.userID] == p {
		delete(h.pipelines, p.userID)
	}
	h.mu.Unlock()
	if !last {
		return
	}

	p.cancel()
	<-p.done
	h.registry.Remove(p.userID)
	if h.metrics != nil {
		h.metrics.ActivePipelines.Dec()
	}
	h.logger.Info().Str("user_id", p.userID).Msg("pipeline released")
}

// Place hands a placement acknowledgment to the user's reconciler.
func (h *Hub) Place(userID string, ack state.PlacementAck) error {
	p, ok := h.pipeline(userID)
	if !ok {
		return fmt.Errorf("place: %w for %s", ErrNoPipeline, userID)
	}
	if p.halted() {
		return fmt.Errorf("place: %w for %s: halted: %v", ErrNoPipeline, userID, p.err)
	}
	return p.reconciler.Place(ack)
}

// BroadcastMarket delivers tick to every running pipeline. A pipeline whose
// tick buffer is full misses this tick; the next one carries fresher marks.
func (h *Hub) BroadcastMarket(tick event.MarketTick) {
	for _, p := range h.running() {
		select {
		case p.ticks <- tick:
		default:
			h.logger.Debug().Str("user_id", p.userID).Msg("market tick dropped, pipeline busy")
		}
	}
}

// RunMarketData polls src every interval and broadcasts what it gets. A
// stale fallback tick is still broadcast.
func (h *Hub) RunMarketData(ctx context.Context, src MarketSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tick, err := src.Fetch(ctx)
		switch {
		case err == nil:
			h.BroadcastMarket(tick)
		case errors.Is(err, resilience.ErrStale):
			h.logger.Warn().Err(err).Msg("serving stale market data")
			h.BroadcastMarket(tick)
		case ctx.Err() != nil:
			return nil
		default:
			h.logger.Warn().Err(err).Msg("market data fetch failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every pipeline and waits for them to stop.
func (h *Hub) Shutdown() {
	h.stop()
	h.wg.Wait()
	h.mu.Lock()
	n := len(h.pipelines)
	h.pipelines = make(map[string]*pipeline)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ActivePipelines.Sub(float64(n))
	}
}

func (h *Hub) pipeline(userID string) (*pipeline, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pipelines[userID]
	return p, ok
}

func (h *Hub) running() []*pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*pipeline, 0, len(h.pipelines))
	for _, p := range h.pipelines {
		if !p.halted() {
			out = append(out, p)
		}
	}
	return out
}

// Err returns the error that halted userID's pipeline, if any.
func (h *Hub) Err(userID string) error {
	p, ok := h.pipeline(userID)
	if !ok || !p.halted() {
		return nil
	}
	return p.err
}

// Snapshot returns the latest PNL snapshot for userID.
func (h *Hub) Snapshot(userID string) (pnl.Snapshot, bool) {
	p, ok := h.pipeline(userID)
	if !ok {
		return pnl.Snapshot{}, false
	}
	return p.reconciler.Latest()
}

// Users returns the ids of attached users, sorted.
func (h *Hub) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pipelines))
	for id := range h.pipelines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Degradation exposes the combined degraded signal.
func (h *Hub) Degradation() *resilience.Degradation {
	return h.degradation
}

// Degraded implements observability.StatusReporter.
func (h *Hub) Degraded() bool {
	return h.degradation.Degraded()
}

// Subscriptions implements observability.StatusReporter.
func (h *Hub) Subscriptions() []observability.SubscriptionHealth {
	states := h.registry.States()
	out := make([]observability.SubscriptionHealth, 0, len(states))
	for _, s := range states {
		sh := observability.SubscriptionHealth{
			UserID:         s.UserID,
			Connected:      s.Connected,
			Mode:           s.Mode.String(),
			Health:         s.Health.String(),
			ReconnectCount: s.ReconnectCount,
			LastSequence:   s.LastSequence,
			LastError:      s.LastError,
		}
		if !s.LastHeartbeat.IsZero() {
			hb := s.LastHeartbeat
			sh.LastHeartbeat = &hb
		}
		if p, ok := h.pipeline(s.UserID); ok {
			st := p.reconciler.NormalizerStats()
			sh.Counters = observability.Counters{
				Normalized:         st.Normalized,
				Malformed:          st.Malformed,
				Stale:              st.Stale,
				Duplicate:          st.Duplicate,
				Gaps:               st.Gaps,
				IllegalTransitions: p.reconciler.IllegalTransitions(),
			}
		}
		out = append(out, sh)
	}
	return out
}

// Breakers implements observability.StatusReporter.
func (h *Hub) Breakers() []observability.BreakerHealth {
	snaps := h.sup.Breakers()
	out := make([]observability.BreakerHealth, 0, len(snaps))
	for _, b := range snaps {
		bh := observability.BreakerHealth{
			Endpoint:     b.Endpoint,
			State:        b.State.String(),
			FailureCount: b.FailureCount,
		}
		if !b.OpenedAt.IsZero() {
			at := b.OpenedAt
			bh.OpenedAt = &at
		}
		if b.State != resilience.StateClosed && !b.NextProbeAt.IsZero() {
			at := b.NextProbeAt
			bh.NextProbeAt = &at
		}
		out = append(out, bh)
	}
	return out
}
