package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/event"
	"PerpRecon/internal/resilience"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu         sync.Mutex
	subscribed []Topic
	frames     chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	pong       func() time.Time
	pings      atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
		pong:   time.Now,
	}
}

func (c *fakeConn) Subscribe(t Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, t)
	return nil
}

func (c *fakeConn) Unsubscribe(Topic) error { return nil }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) LastPong() time.Time { return c.pong() }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Topics() []Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Topic(nil), c.subscribed...)
}

// fakeDialer fails the first failN dials with failErr, then hands out conns.
type fakeDialer struct {
	mu      sync.Mutex
	calls   int
	failN   int
	failErr error
	conns   []*fakeConn
	newConn func() *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failN {
		return nil, d.failErr
	}
	mk := d.newConn
	if mk == nil {
		mk = newFakeConn
	}
	c := mk()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakePoller struct {
	polls atomic.Int32
	err   error
}

func (p *fakePoller) Poll(ctx context.Context, topic Topic) ([]RawMessage, error) {
	p.polls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return []RawMessage{{
		Source:   event.SourcePoll,
		Resource: "orders",
		Data:     []byte(`{"orders":[]}`),
	}}, nil
}

func testManagerConfig() Config {
	return Config{
		InitialBackoff:        time.Millisecond,
		MaxBackoff:            4 * time.Millisecond,
		FailuresBeforePolling: 5,
		PollInterval:          time.Millisecond,
		HeartbeatInterval:     time.Hour,
		HeartbeatTimeout:      2 * time.Hour,
		OutputBuffer:          8,
	}
}

func testSupervisor() *resilience.Supervisor {
	cfg := resilience.DefaultConfig()
	cfg.Breaker.FailureThreshold = 1000
	cfg.RequestsPerSecond = 0
	return resilience.NewSupervisor(cfg, zerolog.Nop(), nil)
}

func drain(ch <-chan RawMessage, stop <-chan struct{}) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-stop:
			return
		}
	}
}

func TestManagerFallsBackToPollingAndRecovers(t *testing.T) {
	registry := NewRegistry()

	var modesMu sync.Mutex
	var modes []Mode
	registry.OnChange(func(s SubscriptionState) {
		modesMu.Lock()
		defer modesMu.Unlock()
		if len(modes) == 0 || modes[len(modes)-1] != s.Mode {
			modes = append(modes, s.Mode)
		}
	})

	dialer := &fakeDialer{failN: 5, failErr: apperr.Transient("dial", errors.New("connection refused"))}
	poller := &fakePoller{}
	m := NewManager("alice", testManagerConfig(), dialer, poller, testSupervisor(), registry, zerolog.Nop(), nil)

	topicA := SubaccountTopic("dydx1abc", 0)
	topicB := SubaccountTopic("dydx1abc", 1)
	_, err := m.Subscribe(topicA)
	require.NoError(t, err)
	_, err = m.Subscribe(topicB)
	require.NoError(t, err)

	// consume poll output so the poll loop never blocks
	pollSeen := make(chan struct{}, 1)
	pushed := make(chan RawMessage, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case msg, ok := <-m.Messages():
				if !ok {
					return
				}
				if msg.Source == event.SourcePoll {
					select {
					case pollSeen <- struct{}{}:
					default:
					}
				}
				if msg.Source == event.SourcePush {
					pushed <- msg
				}
			case <-stop:
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, _ := registry.State("alice")
		return s.Connected && s.Mode == ModePush
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 6, dialer.Calls())
	assert.Greater(t, poller.polls.Load(), int32(0), "polling never ran")

	modesMu.Lock()
	assert.Equal(t, []Mode{ModePoll, ModePush}, modes)
	modesMu.Unlock()

	conn := dialer.Conn(0)
	require.NotNil(t, conn)
	assert.Equal(t, []Topic{topicA, topicB}, conn.Topics(), "topics not resubscribed")

	s, _ := registry.State("alice")
	assert.Equal(t, 1, s.ReconnectCount)
	assert.Equal(t, HealthConnected, s.Health)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.False(t, registry.AnyDegraded())

	conn.frames <- []byte(`{"type":"channel_data"}`)
	select {
	case msg := <-pushed:
		assert.Equal(t, "alice", msg.UserID)
		assert.JSONEq(t, `{"type":"channel_data"}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("push frame not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestManagerStopsPollingBeforePush(t *testing.T) {
	registry := NewRegistry()
	dialer := &fakeDialer{failN: 5, failErr: apperr.Transient("dial", errors.New("refused"))}
	poller := &fakePoller{}
	m := NewManager("alice", testManagerConfig(), dialer, poller, testSupervisor(), registry, zerolog.Nop(), nil)
	_, err := m.Subscribe(SubaccountTopic("dydx1abc", 0))
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go drain(m.Messages(), stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		s, _ := registry.State("alice")
		return s.Connected
	}, 2*time.Second, time.Millisecond)

	after := poller.polls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, poller.polls.Load(), "poller still running while push is authoritative")
}

func TestManagerHeartbeatTimeoutReconnects(t *testing.T) {
	registry := NewRegistry()
	stale := time.Now().Add(-time.Minute)
	dialer := &fakeDialer{newConn: func() *fakeConn {
		c := newFakeConn()
		c.pong = func() time.Time { return stale }
		return c
	}}

	cfg := testManagerConfig()
	cfg.HeartbeatInterval = 2 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Millisecond

	m := NewManager("alice", cfg, dialer, &fakePoller{}, testSupervisor(), registry, zerolog.Nop(), nil)
	_, err := m.Subscribe(SubaccountTopic("dydx1abc", 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return dialer.Calls() >= 2
	}, 2*time.Second, time.Millisecond, "dead connection was not replaced")

	first := dialer.Conn(0)
	select {
	case <-first.closed:
	default:
		t.Fatal("timed out connection left open")
	}

	s, _ := registry.State("alice")
	assert.GreaterOrEqual(t, s.ReconnectCount, 1)
}

func TestManagerFatalHaltsSubscription(t *testing.T) {
	registry := NewRegistry()
	dialer := &fakeDialer{failN: 100, failErr: apperr.Fatal("dial", errors.New("401 unauthorized"))}
	m := NewManager("alice", testManagerConfig(), dialer, &fakePoller{}, testSupervisor(), registry, zerolog.Nop(), nil)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsFatal(err))
	assert.Equal(t, 1, dialer.Calls())

	s, _ := registry.State("alice")
	assert.Equal(t, HealthHalted, s.Health)
	assert.Contains(t, s.LastError, "401")
	assert.True(t, registry.AnyDegraded())

	_, open := <-m.Messages()
	assert.False(t, open, "messages channel left open")
}

func TestManagerFatalPollHalts(t *testing.T) {
	registry := NewRegistry()
	dialer := &fakeDialer{failN: 1000, failErr: apperr.Transient("dial", errors.New("refused"))}
	poller := &fakePoller{err: apperr.Fatal("poll", errors.New("403 forbidden"))}

	cfg := testManagerConfig()
	cfg.FailuresBeforePolling = 1
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	m := NewManager("alice", cfg, dialer, poller, testSupervisor(), registry, zerolog.Nop(), nil)
	_, err := m.Subscribe(SubaccountTopic("dydx1abc", 0))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.True(t, apperr.IsFatal(err))
	case <-time.After(2 * time.Second):
		t.Fatal("fatal poll error did not halt the subscription")
	}
	s, _ := registry.State("alice")
	assert.Equal(t, HealthHalted, s.Health)
}

func TestManagerCancelDuringBackoff(t *testing.T) {
	registry := NewRegistry()
	dialer := &fakeDialer{failN: 1000, failErr: apperr.Transient("dial", errors.New("refused"))}

	cfg := testManagerConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	m := NewManager("alice", cfg, dialer, &fakePoller{}, testSupervisor(), registry, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return dialer.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("backoff timer outlived cancellation")
	}
	assert.Equal(t, 1, dialer.Calls())
}

func TestManagerSubscribeRejectsInvalidTopic(t *testing.T) {
	m := NewManager("alice", testManagerConfig(), &fakeDialer{}, &fakePoller{}, testSupervisor(), NewRegistry(), zerolog.Nop(), nil)
	_, err := m.Subscribe(Topic{Channel: "v4_orderbook", ID: "BTC-USD"})
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestManagerLiveSubscribe(t *testing.T) {
	registry := NewRegistry()
	dialer := &fakeDialer{}
	m := NewManager("alice", testManagerConfig(), dialer, &fakePoller{}, testSupervisor(), registry, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		s, _ := registry.State("alice")
		return s.Connected
	}, time.Second, time.Millisecond)

	topic := SubaccountTopic("dydx1abc", 0)
	_, err := m.Subscribe(topic)
	require.NoError(t, err)
	assert.Equal(t, []Topic{topic}, dialer.Conn(0).Topics())
	s, _ := registry.State("alice")
	assert.Equal(t, 0, s.ReconnectCount)
}
