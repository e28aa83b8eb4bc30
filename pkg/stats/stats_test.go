package stats

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"rbl-policyd/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingMean(t *testing.T) {
	var r Ring
	assert.Equal(t, time.Duration(0), r.Mean(), "empty ring has zero mean")
	assert.Equal(t, 0, r.Len())

	r.Record(10 * time.Millisecond)
	r.Record(30 * time.Millisecond)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 20*time.Millisecond, r.Mean())
}

func TestRingWrapsAround(t *testing.T) {
	var r Ring
	for i := 0; i < RingSize; i++ {
		r.Record(time.Second)
	}
	require.Equal(t, RingSize, r.Len())
	assert.Equal(t, time.Second, r.Mean())

	// Overwrite every slot with a new value
	for i := 0; i < RingSize; i++ {
		r.Record(3 * time.Second)
	}
	assert.Equal(t, RingSize, r.Len())
	assert.Equal(t, 3*time.Second, r.Mean())

	// Only the oldest slot is replaced
	r.Record(3*time.Second + RingSize*time.Second)
	assert.Equal(t, 4*time.Second, r.Mean())
}

func TestRingConcurrentRecord(t *testing.T) {
	var r Ring
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(5 * time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, RingSize, r.Len())
	assert.Equal(t, 5*time.Millisecond, r.Mean())
}

func TestTaskStats(t *testing.T) {
	var ts TaskStats
	ts.Begin()
	ts.Begin()
	ts.Begin()
	ts.End(10 * time.Millisecond)

	snap := ts.Snapshot()
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, 2, snap.Current)
	assert.Equal(t, 3, snap.MaxParallel)
	assert.Equal(t, 10*time.Millisecond, snap.MeanDuration)

	ts.End(30 * time.Millisecond)
	ts.End(20 * time.Millisecond)
	ts.End(time.Millisecond) // unbalanced End must not go negative

	snap = ts.Snapshot()
	assert.Equal(t, 0, snap.Current)
	assert.Equal(t, 3, snap.MaxParallel)
}

func TestCollectorSnapshotZeroUptime(t *testing.T) {
	c := NewCollector()
	c.now = func() time.Time { return c.started }
	c.RequestReceived()

	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.Requests)
	assert.Equal(t, 0.0, snap.RequestsPerMinute, "rate must not divide by zero")
}

func TestCollectorRequestRate(t *testing.T) {
	c := NewCollector()
	c.now = func() time.Time { return c.started.Add(2 * time.Minute) }
	for i := 0; i < 10; i++ {
		c.RequestReceived()
	}

	snap := c.Snapshot()
	assert.Equal(t, 2*time.Minute, snap.Uptime)
	assert.InDelta(t, 5.0, snap.RequestsPerMinute, 0.0001)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0w0d00h00m00s"},
		{-time.Second, "0w0d00h00m00s"},
		{65 * time.Second, "0w0d00h01m05s"},
		{9*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second, "1w2d03h04m05s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.in))
	}
}

func TestReportWithZeroCounters(t *testing.T) {
	var buf bytes.Buffer
	logger := &logging.Logger{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	c := NewCollector()
	c.Report(context.Background(), logger, []ListSnapshot{
		{Domain: "zen.spamhaus.org", Weight: 100},
	})

	out := buf.String()
	assert.Contains(t, out, "Status report")
	assert.Contains(t, out, "requests=0")
	assert.Contains(t, out, "rbl=zen.spamhaus.org")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}
