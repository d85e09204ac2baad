package dispatch

import (
	"context"
	"fmt"
	"time"

	"PerpRecon/internal/core"
	"PerpRecon/internal/observability"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	SubjectPrefix = "perp.recon"
	StreamName    = "PERP_RECON_EVENTS"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher delivers reconciler outputs to NATS JetStream. Enqueue never
// blocks a reconciler: when the queue is full the output is dropped and
// counted. Each envelope carries a fresh message id so JetStream discards
// redeliveries of the same publish.
type Publisher struct {
	js      JetStreamPublisher
	queue   chan core.Output
	timeout time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js JetStreamPublisher, queueSize int, logger zerolog.Logger, metrics *observability.Metrics) *Publisher {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Publisher{
		js:      js,
		queue:   make(chan core.Output, queueSize),
		timeout: 5 * time.Second,
		logger:  logger,
		metrics: metrics,
	}
}

// Enqueue implements core.Dispatcher.
func (p *Publisher) Enqueue(out core.Output) bool {
	select {
	case p.queue <- out:
		return true
	default:
		if p.metrics != nil {
			p.metrics.DispatchDrops.Inc()
		}
		return false
	}
}

// Run publishes queued outputs until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-p.queue:
			if p.metrics != nil {
				p.metrics.ChannelSize.WithLabelValues("dispatch").Set(float64(len(p.queue)))
			}
			if err := p.publish(ctx, out); err != nil {
				// downstream consumers can query the projections directly
				if p.metrics != nil {
					p.metrics.DispatchErrors.Inc()
				}
				p.logger.Warn().Err(err).Str("user_id", out.UserID).Int64("seq", out.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out core.Output) error {
	env, ok := Build(uuid.NewString(), out)
	if !ok {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.js.Publish(pctx, Subject(env), data, jetstream.WithMsgID(env.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(env), err)
	}
	if p.metrics != nil {
		p.metrics.DispatchPublished.WithLabelValues(env.Type).Inc()
	}
	return nil
}

// EnsureStream creates the outbound stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-recon"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
