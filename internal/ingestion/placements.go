package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpRecon/internal/event"
	"PerpRecon/internal/state"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	PlacementStream   = "PERP_RECON_PLACEMENTS"
	PlacementSubject  = "perp.recon.placements.>"
	PlacementConsumer = "recon-placements"
)

// Placer hands a placement acknowledgment to the owning user pipeline.
type Placer interface {
	Place(userID string, ack state.PlacementAck) error
}

// Disposition is what happens to a consumed message.
type Disposition int

const (
	Ack  Disposition = iota
	Nak              // redelivered later
	Term             // never redelivered
)

// placementJSON is the acknowledgment published by the order entry service
// after the exchange accepted an order. Amounts are decimal strings.
type placementJSON struct {
	UserID      string `json:"user_id"`
	OrderID     string `json:"order_id"`
	ClientID    string `json:"client_id"`
	Market      string `json:"market"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price"`
	TimeInForce string `json:"time_in_force"`
	PlacedAt    string `json:"placed_at"`
}

// DecodePlacement parses one acknowledgment message.
func DecodePlacement(data []byte) (string, state.PlacementAck, error) {
	var p placementJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return "", state.PlacementAck{}, fmt.Errorf("decode placement: %w", err)
	}
	ack, err := p.ack()
	return p.UserID, ack, err
}

// DecodePlacementFor parses an acknowledgment addressed to userID. The body
// may omit user_id but must not name a different user.
func DecodePlacementFor(userID string, data []byte) (state.PlacementAck, error) {
	var p placementJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return state.PlacementAck{}, fmt.Errorf("decode placement: %w", err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if p.UserID != userID {
		return state.PlacementAck{}, fmt.Errorf("placement for %s sent to %s", p.UserID, userID)
	}
	return p.ack()
}

func (p placementJSON) ack() (state.PlacementAck, error) {
	if p.UserID == "" || p.OrderID == "" {
		return state.PlacementAck{}, errors.New("placement missing user_id or order_id")
	}
	side, err := event.ParseSide(p.Side)
	if err != nil {
		return state.PlacementAck{}, err
	}
	size, err := decimal.NewFromString(p.Size)
	if err != nil || !size.IsPositive() {
		return state.PlacementAck{}, fmt.Errorf("placement %s: bad size %q", p.OrderID, p.Size)
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return state.PlacementAck{}, fmt.Errorf("placement %s: bad price %q", p.OrderID, p.Price)
	}
	at := time.Now().UTC()
	if p.PlacedAt != "" {
		if at, err = time.Parse(time.RFC3339Nano, p.PlacedAt); err != nil {
			return state.PlacementAck{}, fmt.Errorf("placement %s: bad placed_at: %w", p.OrderID, err)
		}
	}
	return state.PlacementAck{
		OrderID:     p.OrderID,
		ClientID:    p.ClientID,
		Market:      p.Market,
		Side:        side,
		Size:        size,
		Price:       price,
		TimeInForce: event.TimeInForce(p.TimeInForce),
		At:          at,
	}, nil
}

// PlacementSubscriber consumes placement acknowledgments from JetStream and
// routes them to the user pipelines.
type PlacementSubscriber struct {
	js       jetstream.JetStream
	placer   Placer
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPlacementSubscriber(js jetstream.JetStream, placer Placer, logger zerolog.Logger) *PlacementSubscriber {
	return &PlacementSubscriber{js: js, placer: placer, logger: logger}
}

// Handle decides the fate of one message. Malformed messages are terminated;
// a pipeline that cannot take the ack yet gets it redelivered.
func (s *PlacementSubscriber) Handle(data []byte) Disposition {
	userID, ack, err := DecodePlacement(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed placement")
		return Term
	}
	if err := s.placer.Place(userID, ack); err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Str("order_id", ack.OrderID).Msg("placement deferred")
		return Nak
	}
	return Ack
}

// Subscribe creates the durable consumer. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s.
func (s *PlacementSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, PlacementStream, jetstream.ConsumerConfig{
		Durable:       PlacementConsumer,
		FilterSubject: PlacementSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", PlacementConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var ackErr error
		switch s.Handle(msg.Data()) {
		case Ack:
			ackErr = msg.Ack()
		case Nak:
			ackErr = msg.NakWithDelay(time.Second)
		case Term:
			ackErr = msg.Term()
		}
		if ackErr != nil {
			s.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("placement ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", PlacementConsumer, err)
	}
	s.consumer = cc
	s.logger.Info().Str("subject", PlacementSubject).Str("consumer", PlacementConsumer).Msg("subscribed")
	return nil
}

// Stop stops the consumer.
func (s *PlacementSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// EnsurePlacementStream creates the placement stream if it doesn't exist.
func EnsurePlacementStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PlacementStream,
		Subjects:  []string{PlacementSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PlacementStream, err)
	}
	return nil
}
