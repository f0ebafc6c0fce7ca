package counter

import (
	"errors"
	"math"
	"sync"
)

var (
	// ErrNegativeDelta rejects decrements; the counter only grows.
	ErrNegativeDelta = errors.New("delta must be non-negative")
	// ErrOverflow rejects an add that would wrap the node's entry.
	ErrOverflow = errors.New("delta would overflow counter")
)

// GCounter is a grow-only counter replica: one monotonically increasing
// entry per node, merged by element-wise maximum.
type GCounter struct {
	mu     sync.RWMutex
	counts map[string]int64
}

func NewGCounter() *GCounter {
	return &GCounter{counts: make(map[string]int64)}
}

// Add increases the given node's entry by delta. Only this replica's own
// node id should ever be passed here; remote entries change via Merge.
func (g *GCounter) Add(node string, delta int64) error {
	if delta < 0 {
		return ErrNegativeDelta
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[node] > math.MaxInt64-delta {
		return ErrOverflow
	}
	g.counts[node] += delta
	return nil
}

// Sum returns the global value as locally observed: the sum of all entries.
func (g *GCounter) Sum() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var total int64
	for _, v := range g.counts {
		total += v
	}
	return total
}

// Merge folds a peer snapshot in, taking the maximum per entry. No entry
// ever decreases, so applying the same snapshot twice, or snapshots in any
// order, converges to the same state. Negative entries can only come from
// a malformed replicate body and are discarded to keep every entry
// non-negative.
func (g *GCounter) Merge(snapshot map[string]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for node, v := range snapshot {
		if v < 0 {
			continue
		}
		if cur, ok := g.counts[node]; !ok || v > cur {
			g.counts[node] = v
		}
	}
}

// Snapshot returns a copy of the full state for anti-entropy exchange.
func (g *GCounter) Snapshot() map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp := make(map[string]int64, len(g.counts))
	for node, v := range g.counts {
		cp[node] = v
	}
	return cp
}
