package ingestion

// Watermarks tracks the highest applied exchange height per partition
// ("order:<id>", "balance:<asset>"). Anything at or below the watermark has
// already been applied and is stale.
// Not thread-safe: owned by one user's reconciler.
type Watermarks struct {
	last  map[string]int64
	stale map[string]int64 // partition -> stale count
}

func NewWatermarks() *Watermarks {
	return &Watermarks{
		last:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

// IsStale reports whether seq is at or below the partition's watermark and
// counts it if so.
func (w *Watermarks) IsStale(partition string, seq int64) bool {
	last, ok := w.last[partition]
	if ok && seq <= last {
		w.stale[partition]++
		return true
	}
	return false
}

// Advance moves the watermark forward; it never moves back.
func (w *Watermarks) Advance(partition string, seq int64) {
	if cur, ok := w.last[partition]; !ok || seq > cur {
		w.last[partition] = seq
	}
}

// Last returns the watermark for partition.
func (w *Watermarks) Last(partition string) (int64, bool) {
	v, ok := w.last[partition]
	return v, ok
}

// Restore sets a watermark during recovery.
func (w *Watermarks) Restore(partition string, seq int64) {
	w.last[partition] = seq
}

// StaleCount returns how many stale events a partition has seen.
func (w *Watermarks) StaleCount(partition string) int64 {
	return w.stale[partition]
}

func orderPartition(orderID string) string { return "order:" + orderID }

func balancePartition(asset string) string { return "balance:" + asset }
