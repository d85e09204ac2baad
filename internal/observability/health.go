package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// SubscriptionHealth is the per-subscription health surface.
type SubscriptionHealth struct {
	UserID         string     `json:"user_id"`
	Connected      bool       `json:"connected"`
	Mode           string     `json:"mode"`
	Health         string     `json:"health"`
	ReconnectCount int        `json:"reconnect_count"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
	LastSequence   int64      `json:"last_sequence"`
	LastError      string     `json:"last_error,omitempty"`
	Counters       Counters   `json:"counters"`
}

// Counters exposes what a pipeline discarded instead of applying.
type Counters struct {
	Normalized         uint64 `json:"normalized"`
	Malformed          uint64 `json:"malformed"`
	Stale              uint64 `json:"stale"`
	Duplicate          uint64 `json:"duplicate"`
	Gaps               uint64 `json:"gaps"`
	IllegalTransitions uint64 `json:"illegal_transitions"`
}

// BreakerHealth is the per-endpoint resilience surface.
type BreakerHealth struct {
	Endpoint     string     `json:"endpoint"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at"`
	NextProbeAt  *time.Time `json:"next_probe_at,omitempty"`
}

// StatusReporter supplies the live surfaces served by HealthChecker.
type StatusReporter interface {
	Subscriptions() []SubscriptionHealth
	Breakers() []BreakerHealth
	Degraded() bool
}

// HealthChecker manages liveness and readiness state and serves the
// subscription and breaker surfaces.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	reporter  StatusReporter
}

// NewHealthChecker creates a new health checker. reporter may be nil, in
// which case the surfaces report nothing and the service is never degraded.
func NewHealthChecker(reporter StatusReporter) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		reporter:  reporter,
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
// A degraded service is still ready; the flag is reported alongside.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	degraded := h.reporter != nil && h.reporter.Degraded()
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ready",
			"degraded": degraded,
		})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status": "not_ready",
	})
}

// SubscriptionsHandler serves the health surface for every subscription.
func (h *HealthChecker) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	subs := []SubscriptionHealth{}
	if h.reporter != nil {
		subs = h.reporter.Subscriptions()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"degraded":      h.reporter != nil && h.reporter.Degraded(),
		"subscriptions": subs,
	})
}

// BreakersHandler serves the resilience surface for every protected endpoint.
func (h *HealthChecker) BreakersHandler(w http.ResponseWriter, r *http.Request) {
	breakers := []BreakerHealth{}
	if h.reporter != nil {
		breakers = h.reporter.Breakers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"degraded": h.reporter != nil && h.reporter.Degraded(),
		"breakers": breakers,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
