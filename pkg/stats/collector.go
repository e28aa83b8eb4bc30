package stats

import (
	"sync"
	"time"
)

// TaskStats tracks one family of concurrent tasks (connection workers or
// resolver lookups): how many ran, how many run now, the high-water mark and
// the durations of the most recent ones.
type TaskStats struct {
	mu          sync.Mutex
	total       uint64
	current     int
	maxParallel int
	times       Ring
}

// Begin marks the start of one task
func (t *TaskStats) Begin() {
	t.mu.Lock()
	t.total++
	t.current++
	if t.current > t.maxParallel {
		t.maxParallel = t.current
	}
	t.mu.Unlock()
}

// End marks the end of one task that ran for d
func (t *TaskStats) End(d time.Duration) {
	t.mu.Lock()
	if t.current > 0 {
		t.current--
	}
	t.mu.Unlock()
	t.times.Record(d)
}

// TaskSnapshot is a point-in-time copy of a TaskStats
type TaskSnapshot struct {
	Total        uint64
	Current      int
	MaxParallel  int
	MeanDuration time.Duration
}

// Snapshot returns the current values
func (t *TaskStats) Snapshot() TaskSnapshot {
	t.mu.Lock()
	snap := TaskSnapshot{
		Total:       t.total,
		Current:     t.current,
		MaxParallel: t.maxParallel,
	}
	t.mu.Unlock()
	snap.MeanDuration = t.times.Mean()
	return snap
}

// Collector aggregates process-wide request statistics.
// All methods are safe for concurrent use.
type Collector struct {
	started time.Time
	now     func() time.Time

	mu       sync.Mutex
	requests uint64

	Workers   TaskStats
	Resolvers TaskStats
}

// NewCollector creates a collector whose uptime starts now
func NewCollector() *Collector {
	return &Collector{
		started: time.Now(),
		now:     time.Now,
	}
}

// RequestReceived counts one policy request
func (c *Collector) RequestReceived() {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the collector
type Snapshot struct {
	Uptime            time.Duration
	Requests          uint64
	RequestsPerMinute float64
	Workers           TaskSnapshot
	Resolvers         TaskSnapshot
}

// Snapshot returns the current statistics
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	requests := c.requests
	c.mu.Unlock()

	uptime := c.now().Sub(c.started)
	rate := 0.0
	if uptime > 0 {
		rate = float64(requests) / uptime.Minutes()
	}

	return Snapshot{
		Uptime:            uptime,
		Requests:          requests,
		RequestsPerMinute: rate,
		Workers:           c.Workers.Snapshot(),
		Resolvers:         c.Resolvers.Snapshot(),
	}
}
