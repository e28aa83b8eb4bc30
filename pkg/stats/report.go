package stats

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"rbl-policyd/pkg/logging"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// ListSnapshot describes the counters of one blocklist for the report
type ListSnapshot struct {
	Domain       string
	Weight       int
	Questions    uint64
	Hits         uint64
	MeanResponse time.Duration
}

// Report writes the status summary to the operational log.
// It never fails: missing process metrics are simply left out.
func (c *Collector) Report(ctx context.Context, logger *logging.Logger, lists []ListSnapshot) {
	snap := c.Snapshot()

	args := []any{
		"running", FormatUptime(snap.Uptime),
		"requests", snap.Requests,
		"requests_per_min", fmt.Sprintf("%.1f", snap.RequestsPerMinute),
		"workers", snap.Workers.Total,
		"worker_avg_ms", snap.Workers.MeanDuration.Milliseconds(),
		"worker_parallel", snap.Workers.MaxParallel,
		"worker_current", snap.Workers.Current,
		"resolvers", snap.Resolvers.Total,
		"resolver_avg_ms", snap.Resolvers.MeanDuration.Milliseconds(),
		"resolver_parallel", snap.Resolvers.MaxParallel,
		"resolver_current", snap.Resolvers.Current,
		"goroutines", runtime.NumGoroutine(),
	}
	args = append(args, processArgs(ctx)...)
	logger.InfoContext(ctx, "Status report", args...)

	for _, l := range lists {
		logger.InfoContext(ctx, "RBL status",
			"rbl", l.Domain,
			"weight", l.Weight,
			"questions", l.Questions,
			"hits", l.Hits,
			"avg_response_ms", l.MeanResponse.Milliseconds(),
		)
	}
}

// processArgs collects memory and CPU usage of this process
func processArgs(ctx context.Context) []any {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil
	}

	var args []any
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		args = append(args, "rss", humanize.IBytes(mem.RSS))
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		args = append(args, "cpu_percent", fmt.Sprintf("%.1f", pct))
	}
	return args
}

// FormatUptime renders d as weeks, days, hours, minutes and seconds,
// e.g. "1w2d03h04m05s"
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	w := s / 604800
	s -= w * 604800
	days := s / 86400
	s -= days * 86400
	h := s / 3600
	s -= h * 3600
	m := s / 60
	s -= m * 60
	return fmt.Sprintf("%dw%dd%02dh%02dm%02ds", w, days, h, m, s)
}
