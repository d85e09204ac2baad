package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"PerpRecon/internal/apperr"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 8 << 20

// RESTClient issues GET requests against the indexer API and classifies every
// failure with an apperr.Kind.
type RESTClient struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// NewRESTClient creates a client for baseURL, e.g. https://indexer.dydx.trade.
func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		UserAgent:  "perp-recon/1.0",
	}
}

// Get fetches path with query and returns the body of a 2xx response.
func (c *RESTClient) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	op := "GET " + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Malformed(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Transient(op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, ClassifyStatus(op, resp.StatusCode, resp.Header, errors.New(statusText(resp.StatusCode, body)))
}

// ClassifyStatus maps an HTTP status onto the error taxonomy:
// 429 rate limited, 5xx transient, 401/403 fatal, other 4xx malformed.
func ClassifyStatus(op string, status int, header http.Header, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(op, ParseRetryAfter(header.Get("Retry-After"), time.Now()), err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Fatal(op, err)
	case status >= 500:
		return apperr.Transient(op, err)
	case status == http.StatusRequestTimeout:
		return apperr.Transient(op, err)
	default:
		return apperr.Malformed(op, err)
	}
}

// ParseRetryAfter reads a Retry-After value given either in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func statusText(code int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		return fmt.Sprintf("status %d", code)
	}
	return fmt.Sprintf("status %d: %s", code, msg)
}
