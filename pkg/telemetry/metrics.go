package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all daemon metrics. A nil *Metrics is valid and records
// nothing, so components can be used without telemetry.
type Metrics struct {
	// Policy requests
	RequestsTotal   metric.Int64Counter
	Verdicts        metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ProtocolErrors  metric.Int64Counter

	// Blocklist lookups
	Lookups        metric.Int64Counter
	LookupDuration metric.Float64Histogram

	// Worker pool
	BusyWorkers         metric.Int64UpDownCounter
	RejectedConnections metric.Int64Counter

	// Table
	Reloads      metric.Int64Counter
	TableEntries metric.Int64UpDownCounter
}

// InitMetrics initializes and returns all daemon metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("rbl-policyd")
	m := &Metrics{}
	var err error

	if m.RequestsTotal, err = meter.Int64Counter(
		"policy.requests.total",
		metric.WithDescription("Total number of policy requests received"),
	); err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	if m.Verdicts, err = meter.Int64Counter(
		"policy.verdicts",
		metric.WithDescription("Policy verdicts by action"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verdicts counter: %w", err)
	}

	if m.RequestDuration, err = meter.Float64Histogram(
		"policy.request.duration",
		metric.WithDescription("Policy request processing duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	if m.ProtocolErrors, err = meter.Int64Counter(
		"policy.protocol.errors",
		metric.WithDescription("Requests closed without a verdict because they could not be read or parsed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create protocol errors counter: %w", err)
	}

	if m.Lookups, err = meter.Int64Counter(
		"rbl.lookups",
		metric.WithDescription("Blocklist lookups by list and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create lookups counter: %w", err)
	}

	if m.LookupDuration, err = meter.Float64Histogram(
		"rbl.lookup.duration",
		metric.WithDescription("Blocklist lookup duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create lookup duration histogram: %w", err)
	}

	if m.BusyWorkers, err = meter.Int64UpDownCounter(
		"workers.busy",
		metric.WithDescription("Number of connection workers currently running"),
	); err != nil {
		return nil, fmt.Errorf("failed to create busy workers gauge: %w", err)
	}

	if m.RejectedConnections, err = meter.Int64Counter(
		"workers.rejected",
		metric.WithDescription("Connections closed without admission, by reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rejected connections counter: %w", err)
	}

	if m.Reloads, err = meter.Int64Counter(
		"rbl.reloads",
		metric.WithDescription("Table reloads by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reloads counter: %w", err)
	}

	if m.TableEntries, err = meter.Int64UpDownCounter(
		"rbl.table.entries",
		metric.WithDescription("Number of blocklists in the live table"),
	); err != nil {
		return nil, fmt.Errorf("failed to create table entries gauge: %w", err)
	}

	return m, nil
}

// RecordRequest counts one received policy request
func (m *Metrics) RecordRequest(ctx context.Context) {
	if m == nil {
		return
	}
	m.RequestsTotal.Add(ctx, 1)
}

// RecordVerdict counts an answered request and its processing time
func (m *Metrics) RecordVerdict(ctx context.Context, action string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action))
	m.Verdicts.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// RecordProtocolError counts a request dropped without an answer
func (m *Metrics) RecordProtocolError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordLookup counts one blocklist lookup
func (m *Metrics) RecordLookup(ctx context.Context, rbl, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("rbl", rbl),
		attribute.String("outcome", outcome),
	)
	m.Lookups.Add(ctx, 1, attrs)
	m.LookupDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// WorkerStarted and WorkerFinished track the busy worker gauge
func (m *Metrics) WorkerStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.BusyWorkers.Add(ctx, 1)
}

func (m *Metrics) WorkerFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.BusyWorkers.Add(ctx, -1)
}

// RecordRejectedConnection counts a connection closed before admission
func (m *Metrics) RecordRejectedConnection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RejectedConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReload counts one reload attempt and, on success, adjusts the
// table size gauge by delta
func (m *Metrics) RecordReload(ctx context.Context, result string, delta int) {
	if m == nil {
		return
	}
	m.Reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if delta != 0 {
		m.TableEntries.Add(ctx, int64(delta))
	}
}

// SetInitialTableSize records the size of the table loaded at startup
func (m *Metrics) SetInitialTableSize(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.TableEntries.Add(ctx, int64(n))
}
