package ingestion

import (
	"container/list"
	"context"
	"time"
)

// FillChecker is the durable tier of fill deduplication.
type FillChecker interface {
	IsDuplicateFill(ctx context.Context, userID, fillID string) (bool, error)
}

// FillDeduper implements two-tier fill deduplication: an in-memory LRU of
// recently applied fill ids, then the durable store.
// Not thread-safe: owned by one user's reconciler.
type FillDeduper struct {
	userID  string
	lru     *IdempotencyLRU
	checker FillChecker
	timeout time.Duration

	lruHits    int64
	storeHits  int64
	tier2Error int64
}

func NewFillDeduper(userID string, capacity int, checker FillChecker) *FillDeduper {
	return &FillDeduper{
		userID:  userID,
		lru:     NewIdempotencyLRU(capacity),
		checker: checker,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks the LRU, then the durable store. A store error counts
// as not seen.
func (d *FillDeduper) IsDuplicate(fillID string) bool {
	if d.lru.Contains(fillID) {
		d.lruHits++
		return true
	}
	if d.checker == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	dup, err := d.checker.IsDuplicateFill(ctx, d.userID, fillID)
	if err != nil {
		d.tier2Error++
		return false
	}
	if dup {
		d.storeHits++
		d.lru.Add(fillID)
	}
	return dup
}

// MarkProcessed records fillID after it was applied.
func (d *FillDeduper) MarkProcessed(fillID string) {
	d.lru.Add(fillID)
}

// Warm preloads recently applied fill ids, e.g. after replay.
func (d *FillDeduper) Warm(fillIDs []string) {
	d.lru.WarmFromKeys(fillIDs)
}

// Hits returns duplicate counts per tier and tier-2 errors.
func (d *FillDeduper) Hits() (lru, store, errors int64) {
	return d.lruHits, d.storeHits, d.tier2Error
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest-first so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
