package state

import (
	"sort"
	"time"

	"PerpRecon/internal/event"

	"github.com/shopspring/decimal"
)

// Balance is the absolute collateral balance of one asset.
type Balance struct {
	Asset     string
	Amount    decimal.Decimal
	Height    int64
	UpdatedAt time.Time
}

// CanonicalBytes for deterministic hashing
func (b *Balance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = appendString(buf, b.Asset)
	buf = appendString(buf, b.Amount.String())
	buf = appendInt64LE(buf, b.Height)
	return buf
}

// Balances tracks one user's balances.
type Balances struct {
	byAsset map[string]*Balance
}

func NewBalances() *Balances {
	return &Balances{byAsset: make(map[string]*Balance)}
}

// Apply sets the balance reported by evt unless a newer one is known.
func (b *Balances) Apply(evt *event.BalanceChanged) (Balance, bool) {
	cur, ok := b.byAsset[evt.Asset]
	if ok && evt.Height <= cur.Height {
		return *cur, false
	}
	nb := &Balance{Asset: evt.Asset, Amount: evt.Balance, Height: evt.Height, UpdatedAt: evt.Timestamp}
	b.byAsset[evt.Asset] = nb
	return *nb, true
}

// Get returns the balance of asset.
func (b *Balances) Get(asset string) (Balance, bool) {
	cur, ok := b.byAsset[asset]
	if !ok {
		return Balance{}, false
	}
	return *cur, true
}

// All returns balances sorted by asset.
func (b *Balances) All() []Balance {
	out := make([]Balance, 0, len(b.byAsset))
	for _, v := range b.byAsset {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
