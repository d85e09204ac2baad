package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"PerpRecon/internal/apperr"
	"PerpRecon/internal/channel"
	"PerpRecon/internal/event"
	"PerpRecon/internal/resilience"

	"github.com/goccy/go-json"
)

// Poll resources, fetched in this order on every cycle so fills are applied
// after the orders they belong to.
const (
	ResourceOrders   = "orders"
	ResourceFills    = "fills"
	ResourceBalances = "balances"
)

var DefaultResources = []string{ResourceOrders, ResourceFills, ResourceBalances}

const (
	defaultPageSize = 100
	maxPages        = 50
)

// SubaccountPoller pages through the orders, fills and balances of a
// subaccount. Each resource is its own supervised endpoint.
type SubaccountPoller struct {
	rest      *RESTClient
	sup       *resilience.Supervisor
	pageSize  int
	resources []string
	now       func() time.Time
}

func NewSubaccountPoller(rest *RESTClient, sup *resilience.Supervisor, pageSize int) *SubaccountPoller {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &SubaccountPoller{
		rest:      rest,
		sup:       sup,
		pageSize:  pageSize,
		resources: DefaultResources,
		now:       time.Now,
	}
}

type pageMeta struct {
	Page         int `json:"page"`
	PageSize     int `json:"pageSize"`
	TotalResults int `json:"totalResults"`
}

// Poll returns one RawMessage per fetched page. A failing resource does not
// stop the others; pages already fetched are returned with the first error.
func (p *SubaccountPoller) Poll(ctx context.Context, topic channel.Topic) ([]channel.RawMessage, error) {
	address, number, err := topic.Subaccount()
	if err != nil {
		return nil, err
	}

	var (
		out      []channel.RawMessage
		firstErr error
	)
	for _, resource := range p.resources {
		pages, err := p.fetchAll(ctx, resource, address, number)
		for _, page := range pages {
			out = append(out, channel.RawMessage{
				Source:     event.SourcePoll,
				Topic:      topic,
				Resource:   resource,
				Data:       page,
				ReceivedAt: p.now(),
			})
		}
		if err != nil {
			if apperr.IsFatal(err) || ctx.Err() != nil {
				return out, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return out, firstErr
}

func (p *SubaccountPoller) fetchAll(ctx context.Context, resource, address, number string) ([][]byte, error) {
	endpoint := "rest:" + resource
	var pages [][]byte

	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("address", address)
		q.Set("subaccountNumber", number)
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(p.pageSize))

		body, err := resilience.Call(ctx, p.sup, endpoint, func(ctx context.Context) ([]byte, error) {
			return p.rest.Get(ctx, "/v4/"+resource, q)
		})
		if err != nil {
			return pages, fmt.Errorf("poll %s page %d: %w", resource, page, err)
		}
		pages = append(pages, body)

		n, meta, err := countItems(body, resource)
		if err != nil {
			return pages, apperr.Malformed("poll "+resource, err)
		}
		if n < p.pageSize || n == 0 {
			break
		}
		if meta.TotalResults > 0 && page*p.pageSize >= meta.TotalResults {
			break
		}
	}
	return pages, nil
}

// countItems reports how many records a page holds plus its paging metadata.
func countItems(body []byte, resource string) (int, pageMeta, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, pageMeta{}, err
	}
	var meta pageMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return 0, pageMeta{}, err
	}
	raw, ok := doc[resource]
	if !ok {
		return 0, meta, errors.New("page has no " + resource + " field")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, meta, err
	}
	return len(items), meta, nil
}
