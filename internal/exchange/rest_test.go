package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"PerpRecon/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTClientClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		want   apperr.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "3"}, apperr.KindRateLimited},
		{"server error", http.StatusBadGateway, nil, apperr.KindTransient},
		{"unavailable", http.StatusServiceUnavailable, nil, apperr.KindTransient},
		{"unauthorized", http.StatusUnauthorized, nil, apperr.KindFatal},
		{"forbidden", http.StatusForbidden, nil, apperr.KindFatal},
		{"bad request", http.StatusBadRequest, nil, apperr.KindMalformed},
		{"not found", http.StatusNotFound, nil, apperr.KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"errors":[{"msg":"nope"}]}`))
			}))
			defer srv.Close()

			c := NewRESTClient(srv.URL, time.Second)
			_, err := c.Get(context.Background(), "/v4/orders", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
			if tt.want == apperr.KindRateLimited {
				assert.Equal(t, 3*time.Second, apperr.RetryAfterOf(err))
			}
		})
	}
}

func TestRESTClientSendsQuery(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v4/fills", r.URL.Path)
		got = r.URL.Query()
		w.Write([]byte(`{"fills":[]}`))
	}))
	defer srv.Close()

	q := url.Values{}
	q.Set("address", "dydx1abc")
	q.Set("subaccountNumber", "0")

	body, err := NewRESTClient(srv.URL+"/", time.Second).Get(context.Background(), "/v4/fills", q)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fills":[]}`, string(body))
	assert.Equal(t, "dydx1abc", got.Get("address"))
	assert.Equal(t, "0", got.Get("subaccountNumber"))
}

func TestRESTClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewRESTClient(srv.URL, 20*time.Millisecond).Get(context.Background(), "/v4/orders", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 5*time.Second, ParseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
