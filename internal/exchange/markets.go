package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/event"
	"PerpRecon/internal/resilience"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// EndpointMarkets is the supervisor endpoint key for market data.
const EndpointMarkets = "rest:markets"

type marketsResponse struct {
	Markets map[string]struct {
		OraclePrice     string `json:"oraclePrice"`
		NextFundingRate string `json:"nextFundingRate"`
	} `json:"markets"`
}

// MarketsClient fetches mark prices and funding rates. While the markets
// endpoint's breaker is open the last good response is served and the tick
// is flagged stale.
type MarketsClient struct {
	rest *RESTClient
	sup  *resilience.Supervisor
	now  func() time.Time
}

func NewMarketsClient(rest *RESTClient, sup *resilience.Supervisor) *MarketsClient {
	return &MarketsClient{rest: rest, sup: sup, now: time.Now}
}

// Fetch returns the current tick. When the cached response was used the
// returned error wraps resilience.ErrStale and the tick is still usable.
func (c *MarketsClient) Fetch(ctx context.Context) (event.MarketTick, error) {
	body, callErr := resilience.Call(ctx, c.sup, EndpointMarkets, func(ctx context.Context) ([]byte, error) {
		return c.rest.Get(ctx, "/v4/perpetualMarkets", nil)
	}, resilience.WithFallback())
	if callErr != nil && !errors.Is(callErr, resilience.ErrStale) {
		return event.MarketTick{}, callErr
	}

	tick, err := ParseMarkets(body, c.now())
	if err != nil {
		return event.MarketTick{}, err
	}
	return tick, callErr
}

// ParseMarkets decodes a perpetualMarkets document. Markets are emitted in
// ticker order; markets with an empty price or rate are skipped for that field.
func ParseMarkets(body []byte, ts time.Time) (event.MarketTick, error) {
	var resp marketsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return event.MarketTick{}, apperr.Malformed("parse markets", err)
	}

	tickers := make([]string, 0, len(resp.Markets))
	for t := range resp.Markets {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var tick event.MarketTick
	for _, t := range tickers {
		m := resp.Markets[t]
		if m.OraclePrice != "" {
			price, err := decimal.NewFromString(m.OraclePrice)
			if err != nil {
				return event.MarketTick{}, apperr.Malformed("parse markets", fmt.Errorf("%s oraclePrice: %w", t, err))
			}
			tick.Marks = append(tick.Marks, event.MarkPriceUpdate{Market: t, MarkPrice: price, Timestamp: ts})
		}
		if m.NextFundingRate != "" {
			rate, err := decimal.NewFromString(m.NextFundingRate)
			if err != nil {
				return event.MarketTick{}, apperr.Malformed("parse markets", fmt.Errorf("%s nextFundingRate: %w", t, err))
			}
			tick.Funding = append(tick.Funding, event.FundingRateUpdate{Market: t, Rate: rate, Timestamp: ts})
		}
	}
	return tick, nil
}
