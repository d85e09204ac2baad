package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PerpRecon/internal/observability"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReporter struct {
	degraded bool
}

func (s stubReporter) Subscriptions() []observability.SubscriptionHealth {
	hb := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []observability.SubscriptionHealth{{
		UserID:         "alice",
		Connected:      false,
		Mode:           "poll",
		Health:         "degraded",
		ReconnectCount: 2,
		LastHeartbeat:  &hb,
	}}
}

func (s stubReporter) Breakers() []observability.BreakerHealth {
	return []observability.BreakerHealth{{Endpoint: "rest:fills", State: "open", FailureCount: 3}}
}

func (s stubReporter) Degraded() bool { return s.degraded }

func TestReadinessReflectsReadyFlag(t *testing.T) {
	h := observability.NewHealthChecker(stubReporter{degraded: true})

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["degraded"])
}

func TestSubscriptionsSurface(t *testing.T) {
	h := observability.NewHealthChecker(stubReporter{degraded: true})

	rec := httptest.NewRecorder()
	h.SubscriptionsHandler(rec, httptest.NewRequest(http.MethodGet, "/v1/health/subscriptions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Degraded      bool `json:"degraded"`
		Subscriptions []struct {
			Connected      bool   `json:"connected"`
			Mode           string `json:"mode"`
			ReconnectCount int    `json:"reconnect_count"`
			LastHeartbeat  string `json:"last_heartbeat"`
		} `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Degraded)
	require.Len(t, body.Subscriptions, 1)
	assert.Equal(t, "poll", body.Subscriptions[0].Mode)
	assert.Equal(t, 2, body.Subscriptions[0].ReconnectCount)
	assert.Equal(t, "2026-03-01T12:00:00Z", body.Subscriptions[0].LastHeartbeat)
}

func TestBreakersSurfaceWithoutReporter(t *testing.T) {
	h := observability.NewHealthChecker(nil)

	rec := httptest.NewRecorder()
	h.BreakersHandler(rec, httptest.NewRequest(http.MethodGet, "/v1/health/breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"degraded":false,"breakers":[]}`, rec.Body.String())
}
