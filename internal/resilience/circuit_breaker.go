package resilience

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-endpoint circuit breaker.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent OPEN before a probe is allowed
}

// BreakerSnapshot is a point-in-time copy of a breaker's state.
type BreakerSnapshot struct {
	Endpoint     string
	State        BreakerState
	FailureCount int
	OpenedAt     time.Time
	NextProbeAt  time.Time
}

// CircuitBreaker guards one endpoint.
//
//	CLOSED --threshold failures--> OPEN --cooldown--> HALF_OPEN
//	HALF_OPEN --probe ok--> CLOSED, HALF_OPEN --probe fails--> OPEN
//
// While HALF_OPEN a single probe call is let through at a time.
type CircuitBreaker struct {
	endpoint string
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(endpoint string, from, to BreakerState)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	nextProbeAt time.Time
	probing     bool
}

// NewCircuitBreaker creates a closed breaker. onChange may be nil.
func NewCircuitBreaker(endpoint string, cfg BreakerConfig, now func() time.Time, onChange func(string, BreakerState, BreakerState)) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		endpoint: endpoint,
		cfg:      cfg,
		now:      now,
		onChange: onChange,
		state:    StateClosed,
	}
}

// Allow reports whether a call may proceed. An OPEN breaker whose cooldown
// has elapsed moves to HALF_OPEN and admits exactly one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from BreakerState
	changed := false
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !cb.now().Before(cb.nextProbeAt) {
			from, changed = cb.state, true
			cb.state = StateHalfOpen
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.probing = false
	cb.state = StateClosed
	cb.openedAt = time.Time{}
	cb.nextProbeAt = time.Time{}
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure counts a failure; it opens the circuit at the threshold or
// when a HALF_OPEN probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.probing = false

	opened := false
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
		now := cb.now()
		cb.state = StateOpen
		cb.openedAt = now
		cb.nextProbeAt = now.Add(cb.cfg.Cooldown)
		opened = true
	}
	cb.mu.Unlock()

	if opened {
		cb.notify(from, StateOpen)
	}
}

// Release ends an admitted call without judging the endpoint, e.g. when the
// call was rate limited or cancelled by the caller.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Endpoint:     cb.endpoint,
		State:        cb.state,
		FailureCount: cb.failures,
		OpenedAt:     cb.openedAt,
		NextProbeAt:  cb.nextProbeAt,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if cb.onChange != nil {
		cb.onChange(cb.endpoint, from, to)
	}
}
