// Package workers bounds the concurrent work of the daemon: connection
// workers are admitted into a fixed number of slots, and each worker fans
// its blocklist lookups out and joins them before it finishes.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rbl-policyd/pkg/logging"
	"rbl-policyd/pkg/stats"
	"rbl-policyd/pkg/telemetry"

	"golang.org/x/time/rate"
)

var (
	// ErrBusy is returned when every slot stayed taken for the whole
	// admission retry budget
	ErrBusy = errors.New("all worker slots busy")

	// ErrShuttingDown is returned while the daemon is reloading or exiting
	ErrShuttingDown = errors.New("not admitting new work")
)

// RunState is the daemon state consulted on admission
type RunState int32

const (
	Running RunState = iota
	Reloading
	Exiting
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Reloading:
		return "reloading"
	case Exiting:
		return "exiting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Manager
type Options struct {
	// MaxWorkers bounds concurrent workers; 0 runs every task inline on the
	// dispatching goroutine
	MaxWorkers int

	AdmitRetries  int
	AdmitInterval time.Duration

	// State reports whether new work may be admitted; nil means always Running
	State func() RunState

	Stats   *stats.Collector
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

// Slot is one admitted worker
type Slot struct {
	ID      uint64
	Task    string
	Started time.Time
}

// Manager tracks admitted workers
type Manager struct {
	opts Options

	mu     sync.Mutex
	slots  map[uint64]*Slot
	nextID uint64

	overload rate.Sometimes
}

// New creates a manager
func New(opts Options) *Manager {
	if opts.AdmitRetries < 0 {
		opts.AdmitRetries = 0
	}
	if opts.AdmitInterval <= 0 {
		opts.AdmitInterval = 100 * time.Millisecond
	}
	if opts.State == nil {
		opts.State = func() RunState { return Running }
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}
	return &Manager{
		opts:     opts,
		slots:    make(map[uint64]*Slot),
		overload: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Acquire admits one worker for task. While all slots are taken it retries
// every AdmitInterval, up to AdmitRetries times, then gives up with ErrBusy.
// It returns ErrShuttingDown as soon as the daemon is not running.
func (m *Manager) Acquire(task string) (*Slot, error) {
	for attempt := 0; ; attempt++ {
		slot, err := m.tryAcquire(task)
		if slot != nil || err != nil {
			return slot, err
		}
		if attempt >= m.opts.AdmitRetries {
			return nil, ErrBusy
		}
		time.Sleep(m.opts.AdmitInterval)
	}
}

// tryAcquire returns (nil, nil) when the pool is full
func (m *Manager) tryAcquire(task string) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.State() != Running {
		return nil, ErrShuttingDown
	}
	if m.opts.MaxWorkers > 0 && len(m.slots) >= m.opts.MaxWorkers {
		return nil, nil
	}

	m.nextID++
	slot := &Slot{ID: m.nextID, Task: task, Started: time.Now()}
	m.slots[slot.ID] = slot

	m.opts.Stats.Workers.Begin()
	m.opts.Metrics.WorkerStarted(context.Background())
	return slot, nil
}

// Release frees the slot. Releasing a slot that is not held is reported
// and otherwise ignored.
func (m *Manager) Release(slot *Slot) {
	if slot == nil {
		m.opts.Logger.Error("Release of nil worker slot")
		return
	}

	m.mu.Lock()
	held, ok := m.slots[slot.ID]
	if ok && held == slot {
		delete(m.slots, slot.ID)
	}
	m.mu.Unlock()

	if !ok || held != slot {
		m.opts.Logger.Error("Release of unknown worker slot", "slot", slot.ID, "task", slot.Task)
		return
	}

	m.opts.Stats.Workers.End(time.Since(slot.Started))
	m.opts.Metrics.WorkerFinished(context.Background())
}

// Dispatch runs fn in an admitted worker. With MaxWorkers 0 fn runs before
// Dispatch returns; otherwise it runs on its own goroutine. The slot is
// released when fn returns or panics.
func (m *Manager) Dispatch(task string, fn func()) error {
	slot, err := m.Acquire(task)
	if err != nil {
		m.reportRejected(task, err)
		return err
	}

	if m.opts.MaxWorkers == 0 {
		m.run(slot, fn)
		return nil
	}
	go m.run(slot, fn)
	return nil
}

func (m *Manager) run(slot *Slot, fn func()) {
	defer m.Release(slot)
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("Worker panicked", "task", slot.Task, "panic", r)
		}
	}()
	fn()
}

func (m *Manager) reportRejected(task string, err error) {
	reason := "busy"
	if errors.Is(err, ErrShuttingDown) {
		reason = "shutting_down"
	}
	m.opts.Metrics.RecordRejectedConnection(context.Background(), reason)

	if reason == "busy" {
		m.overload.Do(func() {
			m.opts.Logger.Warn("Worker pool exhausted, dropping connection",
				"task", task,
				"max_workers", m.opts.MaxWorkers,
			)
		})
		return
	}
	m.opts.Logger.Debug("Connection not admitted", "task", task, "reason", reason)
}

// InFlight returns the number of admitted workers
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Slots returns a copy of the admitted workers, oldest first
func (m *Manager) Slots() []Slot {
	m.mu.Lock()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WaitForDrain polls every interval until no worker is in flight, ceiling
// has elapsed, or ctx is done. It returns the number still running.
// Admission is not blocked here; callers move the state away from Running
// first.
func (m *Manager) WaitForDrain(ctx context.Context, ceiling, interval time.Duration) int {
	deadline := time.Now().Add(ceiling)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n := m.InFlight()
		if n == 0 || !time.Now().Before(deadline) {
			return n
		}
		select {
		case <-ctx.Done():
			return m.InFlight()
		case <-ticker.C:
		}
	}
}

// MaxWorkers returns the configured pool size
func (m *Manager) MaxWorkers() int {
	return m.opts.MaxWorkers
}
