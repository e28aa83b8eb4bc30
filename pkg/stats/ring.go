// Package stats keeps the in-memory counters and timing rings that back the
// status report. Nothing here is persisted; counters live as long as the process.
package stats

import (
	"sync"
	"time"
)

// RingSize is the number of samples a Ring keeps
const RingSize = 16

// Ring is a fixed-capacity circular buffer of durations.
// All methods are safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	vals  [RingSize]time.Duration
	count int
	index int
}

// Record stores d, overwriting the oldest sample once the ring is full
func (r *Ring) Record(d time.Duration) {
	r.mu.Lock()
	r.vals[r.index] = d
	if r.count < RingSize {
		r.count++
	}
	r.index = (r.index + 1) % RingSize
	r.mu.Unlock()
}

// Mean returns the arithmetic mean over the filled slots, or 0 for an empty ring
func (r *Ring) Mean() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.vals[i]
	}
	return sum / time.Duration(r.count)
}

// Len returns the number of filled slots
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
