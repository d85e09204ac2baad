package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable is returned while an endpoint's circuit is open and no
	// fallback value is cached.
	ErrUnavailable = errors.New("resilience: endpoint unavailable")

	// ErrStale accompanies a cached fallback value served while the circuit is open.
	ErrStale = errors.New("resilience: serving cached value")

	// ErrDegraded is returned when the retry budget is exhausted. It is a
	// degraded-operation signal, never a reason to stop the process.
	ErrDegraded = errors.New("resilience: retry budget exhausted")
)

// Config tunes the supervisor.
type Config struct {
	Breaker BreakerConfig

	MaxAttempts         int           // attempts per call for transient failures
	RetryInitialBackoff time.Duration // first wait between transient retries
	RetryMaxBackoff     time.Duration

	DefaultRateLimitWait time.Duration // used when the provider gives no wait
	MaxRateLimitWaits    int           // rate-limit requeues per call before giving up

	CallTimeout time.Duration // deadline applied to every attempt

	RequestsPerSecond float64 // per-endpoint pacing; 0 disables
	Burst             int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
		},
		MaxAttempts:          3,
		RetryInitialBackoff:  200 * time.Millisecond,
		RetryMaxBackoff:      5 * time.Second,
		DefaultRateLimitWait: time.Second,
		MaxRateLimitWaits:    5,
		CallTimeout:          10 * time.Second,
		RequestsPerSecond:    10,
		Burst:                5,
	}
}

// Supervisor wraps outbound calls with a per-endpoint circuit breaker,
// rate-limit aware requeueing and bounded transient retries.
type Supervisor struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	limiters  map[string]*rate.Limiter
	fallbacks map[string]interface{}
}

// NewSupervisor creates a supervisor. metrics may be nil.
func NewSupervisor(cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
		fallbacks: make(map[string]interface{}),
	}
}

// Breaker returns the breaker for endpoint, creating it on first use.
func (s *Supervisor) Breaker(endpoint string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[endpoint]
	if !ok {
		cb = NewCircuitBreaker(endpoint, s.cfg.Breaker, s.now, s.onBreakerChange)
		s.breakers[endpoint] = cb
		if s.metrics != nil {
			s.metrics.BreakerState.WithLabelValues(endpoint).Set(float64(StateClosed))
		}
	}
	return cb
}

// Breakers returns snapshots of every known breaker, sorted by endpoint.
func (s *Supervisor) Breakers() []BreakerSnapshot {
	s.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		list = append(list, cb)
	}
	s.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// AnyOpen reports whether some endpoint is not fully closed.
func (s *Supervisor) AnyOpen() bool {
	for _, snap := range s.Breakers() {
		if snap.State != StateClosed {
			return true
		}
	}
	return false
}

func (s *Supervisor) limiter(endpoint string) *rate.Limiter {
	if s.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[endpoint]
	if !ok {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), burst)
		s.limiters[endpoint] = l
	}
	return l
}

func (s *Supervisor) storeFallback(endpoint string, v interface{}) {
	s.mu.Lock()
	s.fallbacks[endpoint] = v
	s.mu.Unlock()
}

func (s *Supervisor) loadFallback(endpoint string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fallbacks[endpoint]
	return v, ok
}

func (s *Supervisor) onBreakerChange(endpoint string, from, to BreakerState) {
	ev := s.logger.Info()
	if to == StateOpen {
		ev = s.logger.Warn()
	}
	ev.Str("endpoint", endpoint).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")

	if s.metrics != nil {
		s.metrics.BreakerState.WithLabelValues(endpoint).Set(float64(to))
		s.metrics.BreakerTransitions.WithLabelValues(endpoint, to.String()).Inc()
	}
}

type callOptions struct {
	attempts int
	fallback bool
	timeout  time.Duration
}

// CallOption customises a single supervised call.
type CallOption func(*callOptions)

// WithAttempts overrides the transient retry budget for one call.
func WithAttempts(n int) CallOption {
	return func(o *callOptions) { o.attempts = n }
}

// WithFallback caches successful results and serves the last one (with
// ErrStale) while the endpoint's circuit is open.
func WithFallback() CallOption {
	return func(o *callOptions) { o.fallback = true }
}

// WithTimeout overrides the per-attempt deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Do runs fn under supervision and discards its result.
func (s *Supervisor) Do(ctx context.Context, endpoint string, fn func(context.Context) error, opts ...CallOption) error {
	_, err := Call(ctx, s, endpoint, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Call runs fn against endpoint.
//
//   - circuit open: fn is not invoked; the cached value and ErrStale are
//     returned when WithFallback is set and a value exists, ErrUnavailable otherwise.
//   - rate limited: the call waits for the provider-indicated delay (or the
//     default) and is requeued; the breaker is not charged.
//   - transient: the breaker is charged and fn is retried with exponential
//     backoff until the budget runs out, which yields ErrDegraded.
//   - malformed, fatal: returned as-is, without charging the breaker.
func Call[T any](ctx context.Context, s *Supervisor, endpoint string, fn func(context.Context) (T, error), opts ...CallOption) (T, error) {
	o := callOptions{attempts: s.cfg.MaxAttempts, timeout: s.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts <= 0 {
		o.attempts = 1
	}

	var zero T
	cb := s.Breaker(endpoint)
	limiter := s.limiter(endpoint)
	retry := NewBackoff(s.cfg.RetryInitialBackoff, s.cfg.RetryMaxBackoff)

	attempts := 0
	rateLimitWaits := 0

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if !cb.Allow() {
			if o.fallback {
				if v, ok := s.loadFallback(endpoint); ok {
					if typed, ok := v.(T); ok {
						return typed, fmt.Errorf("%s: %w", endpoint, ErrStale)
					}
				}
			}
			return zero, fmt.Errorf("%s: %w", endpoint, ErrUnavailable)
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				cb.Release()
				return zero, err
			}
		}

		attempts++
		v, err := runAttempt(ctx, s, endpoint, o.timeout, fn)
		if err == nil {
			cb.RecordSuccess()
			if o.fallback {
				s.storeFallback(endpoint, v)
			}
			return v, nil
		}

		if ctx.Err() != nil {
			cb.Release()
			return zero, ctx.Err()
		}

		kind := apperr.KindOf(err)
		switch kind {
		case apperr.KindRateLimited:
			cb.Release()
			attempts--
			rateLimitWaits++
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(endpoint).Inc()
			}
			if rateLimitWaits > s.cfg.MaxRateLimitWaits {
				return zero, fmt.Errorf("%w: %s rate limited %d times: %w", ErrDegraded, endpoint, rateLimitWaits, err)
			}
			wait := apperr.RetryAfterOf(err)
			if wait <= 0 {
				wait = s.cfg.DefaultRateLimitWait
			}
			s.logger.Debug().
				Str("endpoint", endpoint).
				Dur("wait", wait).
				Int("requeue", rateLimitWaits).
				Msg("rate limited, requeueing call")
			if err := Sleep(ctx, wait); err != nil {
				return zero, err
			}

		case apperr.KindMalformed, apperr.KindFatal, apperr.KindIllegalTransition:
			cb.Release()
			return zero, err

		default:
			cb.RecordFailure()
			if cb.State() == StateOpen {
				return zero, fmt.Errorf("%w: %s circuit opened after %d attempts: %w", ErrDegraded, endpoint, attempts, err)
			}
			if attempts >= o.attempts {
				return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrDegraded, endpoint, attempts, err)
			}
			if s.metrics != nil {
				s.metrics.CallRetries.WithLabelValues(endpoint, kind.String()).Inc()
			}
			wait := retry.NextBackOff()
			s.logger.Debug().
				Str("endpoint", endpoint).
				Err(err).
				Int("attempt", attempts).
				Dur("backoff", wait).
				Msg("transient failure, retrying")
			if err := Sleep(ctx, wait); err != nil {
				return zero, err
			}
		}
	}
}

func runAttempt[T any](ctx context.Context, s *Supervisor, endpoint string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := fn(callCtx)
	if s.metrics != nil {
		s.metrics.CallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	return v, err
}
