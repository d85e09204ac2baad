package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/observability"
	"PerpRecon/internal/resilience"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EndpointConnect is the supervisor endpoint key for push connects.
const EndpointConnect = "ws:connect"

// Config holds the Channel Source Manager tunables.
type Config struct {
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	FailuresBeforePolling int
	PollInterval          time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	OutputBuffer          int
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff:        time.Second,
		MaxBackoff:            16 * time.Second,
		FailuresBeforePolling: 5,
		PollInterval:          2 * time.Second,
		HeartbeatInterval:     5 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		OutputBuffer:          1024,
	}
}

// Manager keeps one user's feed alive. It owns at most one push session at a
// time and swaps in a polling loop after repeated connect failures. Exactly
// one of the two delivers into Messages at any instant.
type Manager struct {
	userID   string
	cfg      Config
	dialer   Dialer
	poller   Poller
	sup      *resilience.Supervisor
	registry *Registry
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	out     chan RawMessage
	fatalCh chan error

	connMu sync.Mutex
	conn   Conn

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewManager creates the manager for userID. metrics may be nil.
func NewManager(
	userID string,
	cfg Config,
	dialer Dialer,
	poller Poller,
	sup *resilience.Supervisor,
	registry *Registry,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Manager {
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 1
	}
	if cfg.FailuresBeforePolling <= 0 {
		cfg.FailuresBeforePolling = 1
	}
	registry.Register(userID)
	return &Manager{
		userID:   userID,
		cfg:      cfg,
		dialer:   dialer,
		poller:   poller,
		sup:      sup,
		registry: registry,
		logger:   observability.ForUser(logger, userID),
		metrics:  metrics,
		now:      time.Now,
		out:      make(chan RawMessage, cfg.OutputBuffer),
		fatalCh:  make(chan error, 1),
	}
}

// Messages is the single stream of raw messages for this user. It is closed
// when Run returns.
func (m *Manager) Messages() <-chan RawMessage {
	return m.out
}

// Subscribe validates topic and adds it to the user's active set. A live
// session subscribes immediately; otherwise the topic is picked up by the
// next connect or poll cycle.
func (m *Manager) Subscribe(topic Topic) (<-chan RawMessage, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	if !m.registry.AddTopic(m.userID, topic) {
		return m.out, nil
	}

	if conn := m.currentConn(); conn != nil {
		if err := conn.Subscribe(topic); err != nil {
			// the session's read will fail too and the reconnect resubscribes
			m.logger.Warn().Err(err).Str("topic", topic.String()).Msg("live subscribe failed")
		}
	}
	m.logger.Info().Str("topic", topic.String()).Msg("topic subscribed")
	return m.out, nil
}

// Unsubscribe removes topic from the active set.
func (m *Manager) Unsubscribe(topic Topic) {
	if !m.registry.RemoveTopic(m.userID, topic) {
		return
	}
	if conn := m.currentConn(); conn != nil {
		if err := conn.Unsubscribe(topic); err != nil {
			m.logger.Debug().Err(err).Str("topic", topic.String()).Msg("live unsubscribe failed")
		}
	}
}

func (m *Manager) currentConn() Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

func (m *Manager) setConn(c Conn) {
	m.connMu.Lock()
	m.conn = c
	m.connMu.Unlock()
}

// Run drives the connect/session/poll cycle until ctx is cancelled or a fatal
// error halts the subscription. It returns nil on cancellation and the fatal
// error otherwise.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.out)
	defer m.stopPolling()

	bo := resilience.NewBackoff(m.cfg.InitialBackoff, m.cfg.MaxBackoff)
	failures := 0
	attempted := false

	for {
		if ctx.Err() != nil {
			m.markDisconnected(nil)
			return nil
		}

		conn, err := m.connect(ctx)
		reconnect := attempted
		attempted = true
		if err != nil {
			if ctx.Err() != nil {
				m.markDisconnected(nil)
				return nil
			}
			if apperr.IsFatal(err) {
				m.halt(err)
				return err
			}

			failures++
			if m.metrics != nil {
				m.metrics.ConnectFailures.WithLabelValues(m.userID).Inc()
			}
			m.registry.Update(m.userID, func(s *SubscriptionState) {
				s.Connected = false
				s.ConsecutiveFailures = failures
				s.LastError = err.Error()
			})

			if failures >= m.cfg.FailuresBeforePolling {
				m.startPolling(ctx)
			}

			wait := bo.NextBackOff()
			m.logger.Warn().
				Err(err).
				Int("failures", failures).
				Dur("backoff", wait).
				Msg("push connect failed")

			if err := m.wait(ctx, wait); err != nil {
				if apperr.IsFatal(err) {
					m.halt(err)
					return err
				}
				m.markDisconnected(nil)
				return nil
			}
			continue
		}

		failures = 0
		bo.Reset()

		// Polling must be fully stopped before push delivery resumes.
		m.stopPolling()
		m.promote(conn, reconnect)

		outcome, err := m.runSession(ctx, conn)
		m.setConn(nil)

		switch outcome {
		case OutcomeClosed:
			m.markDisconnected(nil)
			return nil
		case OutcomeFatal:
			m.halt(err)
			return err
		default:
			m.markDisconnected(err)
			wait := bo.NextBackOff()
			m.logger.Warn().Err(err).Dur("backoff", wait).Msg("push session lost, reconnecting")
			if err := m.wait(ctx, wait); err != nil {
				m.markDisconnected(nil)
				return nil
			}
		}
	}
}

// connect dials and resubscribes every active topic. The manager owns the
// reconnect schedule, so the supervisor gets a single attempt.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	return resilience.Call(ctx, m.sup, EndpointConnect, func(ctx context.Context) (Conn, error) {
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		for _, topic := range m.registry.Topics(m.userID) {
			if err := conn.Subscribe(topic); err != nil {
				conn.Close()
				return nil, fmt.Errorf("resubscribe %s: %w", topic, err)
			}
		}
		return conn, nil
	}, resilience.WithAttempts(1))
}

// promote flips the subscription to PUSH in one registry update. Any
// successful connect after the first attempt counts as a reconnect.
func (m *Manager) promote(conn Conn, reconnect bool) {
	m.setConn(conn)
	var reconnects int
	m.registry.Update(m.userID, func(s *SubscriptionState) {
		if reconnect {
			s.ReconnectCount++
		}
		s.Mode = ModePush
		s.Health = HealthConnected
		s.Connected = true
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.LastHeartbeat = conn.LastPong()
		reconnects = s.ReconnectCount
	})
	if m.metrics != nil {
		m.metrics.SubscriptionMode.WithLabelValues(m.userID).Set(float64(ModePush))
		if reconnect {
			m.metrics.Reconnects.WithLabelValues(m.userID).Inc()
		}
	}
	m.logger.Info().
		Int("reconnect_count", reconnects).
		Int("topics", len(m.registry.Topics(m.userID))).
		Msg("push session established")
}

func (m *Manager) runSession(ctx context.Context, conn Conn) (SessionOutcome, error) {
	sessCtx, cancel := context.WithCancel(ctx)

	s := &session{id: uuid.NewString(), conn: conn, userID: m.userID}
	logger := m.logger.With().Str("session_id", s.id).Logger()

	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		m.heartbeat(sessCtx, s, logger)
	}()
	defer func() {
		cancel()
		hb.Wait()
		conn.Close()
	}()

	for {
		res := s.readOnce(sessCtx, m.now)
		switch res.Outcome {
		case OutcomeMessage:
			select {
			case m.out <- res.Message:
			case <-sessCtx.Done():
				return OutcomeClosed, nil
			}
		case OutcomeClosed:
			return OutcomeClosed, nil
		default:
			logger.Debug().Err(res.Err).Str("outcome", res.Outcome.String()).Msg("session ended")
			return res.Outcome, res.Err
		}
	}
}

// heartbeat pings on every tick and kills the connection once the last pong
// is older than the timeout, so a silent peer is noticed without waiting for
// the transport.
func (m *Manager) heartbeat(ctx context.Context, s *session, logger zerolog.Logger) {
	interval := m.cfg.HeartbeatInterval
	if half := m.cfg.HeartbeatTimeout / 2; interval <= 0 || (half > 0 && interval > half) {
		interval = half
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last := s.conn.LastPong()
		if m.now().Sub(last) > m.cfg.HeartbeatTimeout {
			s.deadConn.Store(true)
			if m.metrics != nil {
				m.metrics.HeartbeatTimeouts.WithLabelValues(m.userID).Inc()
			}
			logger.Warn().Time("last_pong", last).Msg("heartbeat timeout, dropping connection")
			s.conn.Close()
			return
		}

		m.registry.Update(m.userID, func(st *SubscriptionState) {
			st.LastHeartbeat = last
		})
		if err := s.conn.Ping(); err != nil {
			logger.Debug().Err(err).Msg("ping failed")
		}
	}
}

func (m *Manager) startPolling(ctx context.Context) {
	m.pollMu.Lock()
	if m.pollCancel != nil {
		m.pollMu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.pollCancel = cancel
	m.pollDone = done
	m.pollMu.Unlock()

	m.registry.Update(m.userID, func(s *SubscriptionState) {
		s.Mode = ModePoll
		s.Health = HealthDegraded
	})
	if m.metrics != nil {
		m.metrics.SubscriptionMode.WithLabelValues(m.userID).Set(float64(ModePoll))
	}
	m.logger.Warn().Dur("interval", m.cfg.PollInterval).Msg("push unavailable, switched to polling")

	go m.pollLoop(pctx, done)
}

// stopPolling cancels the poll loop and waits for it to exit.
func (m *Manager) stopPolling() {
	m.pollMu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Manager) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.pollOnce(ctx); err != nil {
			if apperr.IsFatal(err) {
				select {
				case m.fatalCh <- err:
				default:
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) error {
	for _, topic := range m.registry.Topics(m.userID) {
		msgs, err := m.poller.Poll(ctx, topic)

		// pages fetched before a failure are still delivered
		for _, msg := range msgs {
			msg.UserID = m.userID
			if msg.Topic == (Topic{}) {
				msg.Topic = topic
			}
			select {
			case m.out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.metrics != nil {
				m.metrics.PollCycles.WithLabelValues(m.userID, "error").Inc()
			}
			m.logger.Warn().Err(err).Str("topic", topic.String()).Msg("poll failed")
			if apperr.IsFatal(err) {
				return err
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.PollCycles.WithLabelValues(m.userID, "ok").Inc()
		}
	}
	return nil
}

// wait sleeps between connect attempts. A fatal poll error ends it early.
func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-m.fatalCh:
		return err
	case <-t.C:
		return nil
	}
}

func (m *Manager) markDisconnected(err error) {
	m.registry.Update(m.userID, func(s *SubscriptionState) {
		s.Connected = false
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

func (m *Manager) halt(err error) {
	m.registry.Update(m.userID, func(s *SubscriptionState) {
		s.Connected = false
		s.Health = HealthHalted
		s.LastError = err.Error()
	})
	m.logger.Error().Err(err).Bool("audit", true).Msg("subscription halted")
}
