package ingestion

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/channel"
	"PerpRecon/internal/event"
	fpmath "PerpRecon/internal/math"
	"PerpRecon/internal/observability"

	"github.com/rs/zerolog"
)

// ErrDuplicate marks an event that was recognised as already applied.
var ErrDuplicate = errors.New("ingestion: duplicate event")

// ParseError is a payload the normalizer could not turn into a canonical
// event. It is logged and dropped; the pipeline carries on.
type ParseError struct {
	Source   event.Source
	Resource string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("parse %s %s: %v", e.Source, e.Resource, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) ErrorKind() apperr.Kind { return apperr.KindMalformed }

// Stats counts what the normalizer produced and discarded. Safe to read from
// any goroutine.
type Stats struct {
	Normalized atomic.Uint64
	Malformed  atomic.Uint64
	Stale      atomic.Uint64
	Duplicate  atomic.Uint64
	Gaps       atomic.Uint64
}

// StatsSnapshot is a copy of Stats.
type StatsSnapshot struct {
	Normalized uint64
	Malformed  uint64
	Stale      uint64
	Duplicate  uint64
	Gaps       uint64
}

// Normalizer converts raw push frames and poll pages for one user into
// canonical events and drops anything already applied.
// Not thread-safe apart from Stats: owned by one user's reconciler.
type Normalizer struct {
	userID     string
	scales     *fpmath.ScaleBook
	watermarks *Watermarks
	sequencer  *MessageSequencer
	fills      *FillDeduper
	rejected   *IdempotencyLRU // events already rejected downstream
	logger     zerolog.Logger
	metrics    *observability.Metrics
	stats      Stats
}

const rejectedCapacity = 1024

func NewNormalizer(
	userID string,
	scales *fpmath.ScaleBook,
	fills *FillDeduper,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Normalizer {
	return &Normalizer{
		userID:     userID,
		scales:     scales,
		watermarks: NewWatermarks(),
		sequencer:  NewMessageSequencer(),
		fills:      fills,
		rejected:   NewIdempotencyLRU(rejectedCapacity),
		logger:     logger,
		metrics:    metrics,
	}
}

// Normalize decodes raw and returns the canonical events it carries, in
// apply order: orders by height, then fills by height and time, then
// balances. Records already applied are dropped and counted. Records that
// fail to parse are dropped too; the first such failure is returned as a
// *ParseError alongside the events that did parse.
func (n *Normalizer) Normalize(raw channel.RawMessage) ([]event.Event, error) {
	contents, err := n.decode(raw)
	if err != nil {
		n.recordMalformed()
		return nil, &ParseError{Source: raw.Source, Resource: raw.Resource, Err: err}
	}

	base := event.Meta{UserID: n.userID, Source: raw.Source, ReceivedAt: raw.ReceivedAt}

	var (
		orders   []*event.OrderUpdated
		fills    []*event.FillRecorded
		balances []*event.BalanceChanged
		firstErr error
	)
	fail := func(err error) {
		n.recordMalformed()
		n.logger.Warn().Err(err).Str("source", raw.Source.String()).Msg("dropping malformed record")
		if firstErr == nil {
			firstErr = &ParseError{Source: raw.Source, Resource: raw.Resource, Err: err}
		}
	}

	for _, c := range contents {
		meta := base
		if h, err := c.BlockHeight.int64(); err == nil {
			meta.Height = h
		}
		for _, j := range c.Orders {
			o, err := parseOrder(j, n.scales, meta)
			if err != nil {
				fail(err)
				continue
			}
			orders = append(orders, o)
		}
		for _, j := range c.Fills {
			f, err := parseFill(j, n.scales, meta)
			if err != nil {
				fail(err)
				continue
			}
			fills = append(fills, f)
		}
		for _, j := range c.Balances {
			b, err := parseBalance(j, n.scales, meta)
			if err != nil {
				fail(err)
				continue
			}
			balances = append(balances, b)
		}
	}

	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Height < orders[j].Height })
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].Height != fills[j].Height {
			return fills[i].Height < fills[j].Height
		}
		if !fills[i].Timestamp.Equal(fills[j].Timestamp) {
			return fills[i].Timestamp.Before(fills[j].Timestamp)
		}
		return fills[i].FillID < fills[j].FillID
	})
	sort.SliceStable(balances, func(i, j int) bool { return balances[i].Height < balances[j].Height })

	events := make([]event.Event, 0, len(orders)+len(fills)+len(balances))
	for _, o := range orders {
		if n.admit(o) {
			events = append(events, o)
		}
	}
	for _, f := range fills {
		if n.admit(f) {
			events = append(events, f)
		}
	}
	for _, b := range balances {
		if n.admit(b) {
			events = append(events, b)
		}
	}
	return events, firstErr
}

func (n *Normalizer) decode(raw channel.RawMessage) ([]subaccountContents, error) {
	switch raw.Source {
	case event.SourcePoll:
		c, err := decodePage(raw.Resource, raw.Data)
		if err != nil {
			return nil, err
		}
		return []subaccountContents{c}, nil

	case event.SourcePush:
		f, err := decodeFrame(raw.Data)
		if err != nil {
			return nil, err
		}
		n.sequence(f)
		switch f.Type {
		case FrameSubscribed, FrameChannelData, FrameChannelBatchData:
			if f.Channel != "" && f.Channel != channel.ChannelSubaccounts && f.Channel != channel.ChannelParentSubaccounts {
				return nil, nil
			}
			return decodeContents(f)
		case FrameError:
			return nil, fmt.Errorf("exchange error frame: %s", f.Message)
		default:
			// connected, unsubscribed and pong-style frames carry no records
			return nil, nil
		}

	default:
		return nil, fmt.Errorf("unsupported source %s", raw.Source)
	}
}

func (n *Normalizer) sequence(f pushFrame) {
	sub := f.Channel + ":" + f.ID
	switch f.Type {
	case FrameSubscribed, FrameChannelData, FrameChannelBatchData:
	case FrameUnsubscribed:
		n.sequencer.Reset(sub)
		return
	default:
		return
	}
	if missing := n.sequencer.Observe(f.Type, sub, f.MessageID); missing > 0 {
		n.stats.Gaps.Add(1)
		if n.metrics != nil {
			n.metrics.EventsDropped.WithLabelValues("gap").Inc()
		}
		n.logger.Warn().
			Str("subscription", sub).
			Int64("message_id", f.MessageID).
			Int64("missing", missing).
			Msg("push frames missing")
	}
}

// admit drops events at or below their watermark and fills already seen.
func (n *Normalizer) admit(evt event.Event) bool {
	switch e := evt.(type) {
	case *event.OrderUpdated:
		if n.watermarks.IsStale(orderPartition(e.OrderID), e.Height) {
			n.recordDrop(&n.stats.Stale, "stale")
			return false
		}
		if n.rejected.Contains(rejectedKey(e)) {
			n.recordDrop(&n.stats.Duplicate, "duplicate")
			return false
		}
	case *event.FillRecorded:
		if n.fills != nil && n.fills.IsDuplicate(e.FillID) {
			n.recordDrop(&n.stats.Duplicate, "duplicate")
			return false
		}
		if n.rejected.Contains(rejectedKey(e)) {
			n.recordDrop(&n.stats.Duplicate, "duplicate")
			return false
		}
	case *event.BalanceChanged:
		if n.watermarks.IsStale(balancePartition(e.Asset), e.Height) {
			n.recordDrop(&n.stats.Stale, "stale")
			return false
		}
	}

	n.stats.Normalized.Add(1)
	if n.metrics != nil {
		n.metrics.EventsNormalized.WithLabelValues(evt.EventType().String(), evt.Origin().String()).Inc()
	}
	return true
}

// MarkApplied advances dedup state once evt has been applied downstream.
func (n *Normalizer) MarkApplied(evt event.Event) {
	switch e := evt.(type) {
	case *event.OrderUpdated:
		n.watermarks.Advance(orderPartition(e.OrderID), e.Height)
	case *event.FillRecorded:
		if n.fills != nil {
			n.fills.MarkProcessed(e.FillID)
		}
	case *event.BalanceChanged:
		n.watermarks.Advance(balancePartition(e.Asset), e.Height)
	}
}

// MarkRejected remembers an order update or fill that was rejected
// downstream so a redelivery of the same event is dropped instead of being
// audited again. Watermarks and the fill-id cache are left alone: a later
// legal update, or a corrected fill under the same id, still gets through.
func (n *Normalizer) MarkRejected(evt event.Event) {
	if key := rejectedKey(evt); key != "" {
		n.rejected.Add(key)
	}
}

func rejectedKey(evt event.Event) string {
	switch e := evt.(type) {
	case *event.OrderUpdated:
		return fmt.Sprintf("order:%s@%d:%s:%s", e.OrderID, e.Height, e.Status, e.FilledSize)
	case *event.FillRecorded:
		return fmt.Sprintf("fill:%s:%s:%s:%s", e.FillID, e.FillSide, e.Size, e.Price)
	default:
		return ""
	}
}

// RestoreOrder seeds an order's watermark, e.g. from persisted state.
func (n *Normalizer) RestoreOrder(orderID string, height int64) {
	n.watermarks.Restore(orderPartition(orderID), height)
}

// OrderWatermark returns the last applied height for an order.
func (n *Normalizer) OrderWatermark(orderID string) (int64, bool) {
	return n.watermarks.Last(orderPartition(orderID))
}

// Stats returns a copy of the counters.
func (n *Normalizer) Stats() StatsSnapshot {
	return StatsSnapshot{
		Normalized: n.stats.Normalized.Load(),
		Malformed:  n.stats.Malformed.Load(),
		Stale:      n.stats.Stale.Load(),
		Duplicate:  n.stats.Duplicate.Load(),
		Gaps:       n.stats.Gaps.Load(),
	}
}

func (n *Normalizer) recordMalformed() {
	n.stats.Malformed.Add(1)
	if n.metrics != nil {
		n.metrics.EventsDropped.WithLabelValues("malformed").Inc()
	}
}

func (n *Normalizer) recordDrop(counter *atomic.Uint64, reason string) {
	counter.Add(1)
	if n.metrics != nil {
		n.metrics.EventsDropped.WithLabelValues(reason).Inc()
	}
}
