// Package server runs the policy daemon: it accepts connections, admits
// them into the worker pool and owns the reload and shutdown state machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"rbl-policyd/pkg/config"
	"rbl-policyd/pkg/logging"
	"rbl-policyd/pkg/policy"
	"rbl-policyd/pkg/rbl"
	"rbl-policyd/pkg/stats"
	"rbl-policyd/pkg/telemetry"
	"rbl-policyd/pkg/workers"
)

// Options configures a Daemon
type Options struct {
	Listener net.Listener
	Live     *rbl.Live
	// RBLFile is re-read on every reload
	RBLFile    string
	Resolver   policy.Lookuper
	Exemptions *policy.Engine

	Server config.ServerConfig
	Reload config.ReloadConfig

	Stats   *stats.Collector
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
}

// Daemon is the process context shared by the listener, the request
// handlers and the reload path
type Daemon struct {
	listener net.Listener
	live     *rbl.Live
	rblFile  string

	workers *workers.Manager
	handler *policy.Handler

	drainTimeout    time.Duration
	drainInterval   time.Duration
	shutdownTimeout time.Duration

	state    atomic.Int32
	closing  atomic.Bool
	reloadCh chan struct{}
	connSeq  uint64

	stats   *stats.Collector
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// NewDaemon creates a daemon serving opts.Live on opts.Listener
func NewDaemon(opts Options) *Daemon {
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscard()
	}

	d := &Daemon{
		listener:        opts.Listener,
		live:            opts.Live,
		rblFile:         opts.RBLFile,
		drainTimeout:    opts.Reload.DrainTimeout,
		drainInterval:   opts.Reload.DrainInterval,
		shutdownTimeout: opts.Server.ShutdownTimeout,
		reloadCh:        make(chan struct{}, 1),
		stats:           opts.Stats,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
	if d.drainInterval <= 0 {
		d.drainInterval = 250 * time.Millisecond
	}
	if d.drainTimeout <= 0 {
		d.drainTimeout = 100 * time.Second
	}
	if d.shutdownTimeout <= 0 {
		d.shutdownTimeout = 30 * time.Second
	}

	d.workers = workers.New(workers.Options{
		MaxWorkers:    opts.Server.MaxWorkers,
		AdmitRetries:  opts.Server.AdmissionRetries,
		AdmitInterval: opts.Server.AdmissionInterval,
		State:         d.State,
		Stats:         opts.Stats,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})

	d.handler = policy.NewHandler(policy.HandlerOptions{
		Tables:     opts.Live,
		Resolver:   opts.Resolver,
		Workers:    d.workers,
		Exemptions: opts.Exemptions,
		Read: policy.ReadOptions{
			Timeout:   opts.Server.ReadTimeout,
			ChunkSize: opts.Server.ReadChunkSize,
			MaxSize:   opts.Server.MaxRequestSize,
		},
		Stats:   opts.Stats,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})

	return d
}

// State returns the current run state
func (d *Daemon) State() workers.RunState {
	return workers.RunState(d.state.Load())
}

func (d *Daemon) setState(s workers.RunState) {
	d.state.Store(int32(s))
}

// Workers returns the worker pool, for introspection
func (d *Daemon) Workers() *workers.Manager {
	return d.workers
}

// RequestReload asks the dispatch loop to reload the table. Requests
// arriving while one is pending are merged into it.
func (d *Daemon) RequestReload() {
	select {
	case d.reloadCh <- struct{}{}:
	default:
	}
}

// ReportStats writes the status report to the log
func (d *Daemon) ReportStats(ctx context.Context) {
	d.stats.Report(ctx, d.logger, d.live.Current().Snapshot())
	for _, s := range d.workers.Slots() {
		d.logger.InfoContext(ctx, "Worker busy",
			"slot", s.ID,
			"task", s.Task,
			"running_for", time.Since(s.Started).Round(time.Millisecond).String(),
		)
	}
}

// Serve accepts and dispatches connections until ctx is cancelled, then
// stops accepting and waits for running workers. It returns nil after a
// graceful shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	conns := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go d.acceptLoop(ctx, conns, acceptErr)

	d.logger.Info("Accepting policy requests",
		"address", d.listener.Addr().String(),
		"max_workers", d.workers.MaxWorkers(),
		"rbls", d.live.Current().Len(),
	)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()

		case <-d.reloadCh:
			d.reload(ctx)

		case err := <-acceptErr:
			_ = d.shutdown()
			return fmt.Errorf("accept failed: %w", err)

		case conn := <-conns:
			d.dispatch(ctx, conn)
		}
	}
}

// acceptLoop hands accepted connections to the dispatch loop. The hand-off
// is unbuffered, so while the dispatch loop is busy further connections
// wait in the kernel backlog.
func (d *Daemon) acceptLoop(ctx context.Context, conns chan<- net.Conn, errs chan<- error) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if d.closing.Load() || ctx.Err() != nil {
				return
			}
			if isTemporaryAcceptError(err) {
				d.logger.Warn("Temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			errs <- err
			return
		}

		select {
		case conns <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// isTemporaryAcceptError reports errors that go away once connections or
// descriptors are released
func isTemporaryAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// dispatch admits conn into the worker pool. A connection that cannot be
// admitted is closed without an answer.
func (d *Daemon) dispatch(ctx context.Context, conn net.Conn) {
	d.connSeq++
	task := fmt.Sprintf("conn-%d", d.connSeq)

	err := d.workers.Dispatch(task, func() {
		d.handler.Serve(ctx, conn)
	})
	if err != nil {
		_ = conn.Close()
	}
}

// reload drains the worker pool and swaps in a freshly loaded table. The
// old table stays live when draining times out or the file is invalid.
func (d *Daemon) reload(ctx context.Context) {
	d.setState(workers.Reloading)
	d.logger.Info("Reloading RBL table", "path", d.rblFile)

	remaining := d.workers.WaitForDrain(ctx, d.drainTimeout, d.drainInterval)
	if ctx.Err() != nil {
		// Shutting down; Serve picks up ctx.Done next
		return
	}
	defer d.setState(workers.Running)

	if remaining > 0 {
		d.logger.Warn("Reload abandoned, workers did not finish in time",
			"remaining", remaining,
			"timeout", d.drainTimeout,
		)
		d.metrics.RecordReload(ctx, "drain_timeout", 0)
		return
	}

	table, err := rbl.Load(d.rblFile)
	if err != nil {
		d.logger.Error("Reload failed, keeping current table", "error", err)
		d.metrics.RecordReload(ctx, "config_error", 0)
		return
	}

	old := d.live.Swap(table)
	d.metrics.RecordReload(ctx, "ok", table.Len()-old.Len())
	d.logger.Info("RBL table reloaded", "rbls", table.Len(), "previous", old.Len())
}

// shutdown stops accepting and waits for running workers
func (d *Daemon) shutdown() error {
	d.setState(workers.Exiting)
	d.closing.Store(true)

	if err := d.listener.Close(); err != nil {
		d.logger.Warn("Error closing listener", "error", err)
	}

	remaining := d.workers.WaitForDrain(context.Background(), d.shutdownTimeout, d.drainInterval)
	if remaining > 0 {
		d.logger.Warn("Shutdown timeout, abandoning running workers", "remaining", remaining)
	} else {
		d.logger.Info("All workers finished")
	}
	return nil
}
