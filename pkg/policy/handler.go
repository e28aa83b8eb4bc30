// Package policy answers Postfix policy delegation requests: it reads one
// request, looks the client address up on every blocklist of the live table,
// and writes a single DUNNO or REJECT verdict.
package policy

import (
	"context"
	"io"
	"net"
	"time"

	"rbl-policyd/pkg/logging"
	"rbl-policyd/pkg/rbl"
	"rbl-policyd/pkg/resolver"
	"rbl-policyd/pkg/stats"
	"rbl-policyd/pkg/telemetry"
	"rbl-policyd/pkg/workers"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Lookuper checks one query name against DNS
type Lookuper interface {
	Lookup(ctx context.Context, name string) (resolver.Outcome, error)
}

// TableSource provides the table a request is scored against
type TableSource interface {
	Current() *rbl.Table
}

// HandlerOptions configures a Handler
type HandlerOptions struct {
	Tables     TableSource
	Resolver   Lookuper
	Workers    *workers.Manager
	Exemptions *Engine
	Read       ReadOptions
	Stats      *stats.Collector
	Logger     *logging.Logger
	Metrics    *telemetry.Metrics
}

// Handler serves policy connections
type Handler struct {
	tables     TableSource
	resolver   Lookuper
	workers    *workers.Manager
	exemptions *Engine
	read       ReadOptions
	stats      *stats.Collector
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
}

// NewHandler creates a handler
func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		tables:     opts.Tables,
		resolver:   opts.Resolver,
		workers:    opts.Workers,
		exemptions: opts.Exemptions,
		read:       opts.Read,
		stats:      opts.Stats,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("rbl-policyd/policy"),
	}
	if h.read.ChunkSize == 0 {
		h.read = DefaultReadOptions()
	}
	if h.stats == nil {
		h.stats = stats.NewCollector()
	}
	if h.logger == nil {
		h.logger = logging.NewDiscard()
	}
	if h.workers == nil {
		h.workers = workers.New(workers.Options{Stats: h.stats, Logger: h.logger})
	}
	return h
}

// Serve handles one connection and closes it. Requests that cannot be read
// or parsed get no answer at all.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// The table is fixed for the whole request, even across a reload
	table := h.tables.Current()
	start := time.Now()

	h.stats.RequestReceived()
	h.metrics.RecordRequest(ctx)

	ctx, span := h.tracer.Start(ctx, "policy.request")
	defer span.End()

	raw, err := ReadRequest(conn, h.read)
	if err != nil {
		h.fail(ctx, span, conn, err)
		return
	}
	req, err := ParseRequest(raw)
	if err != nil {
		h.fail(ctx, span, conn, err)
		return
	}
	span.SetAttributes(attribute.String("client.address", req.Client.String()))

	var verdict Verdict
	if ok, rule := h.exemptions.Evaluate(NewContext(req)); ok {
		verdict = Verdict{Action: ActionDunno, Exemption: rule.Name}
	} else {
		verdict = h.Score(ctx, table, req)
	}

	span.SetAttributes(
		attribute.String("policy.action", string(verdict.Action)),
		attribute.Int("policy.score", verdict.Score),
	)

	if h.read.Timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.read.Timeout))
	}
	if _, err := io.WriteString(conn, verdict.String()); err != nil {
		h.logger.WarnContext(ctx, "Failed to write verdict",
			"client", req.Client.String(),
			"error", err,
		)
		span.SetStatus(codes.Error, "write failed")
		return
	}

	elapsed := time.Since(start)
	h.metrics.RecordVerdict(ctx, string(verdict.Action), elapsed)
	h.logger.InfoContext(ctx, "Policy verdict",
		"client", req.Client.String(),
		"action", string(verdict.Action),
		"score", verdict.Score,
		"matched", verdict.Matched,
		"exemption", verdict.Exemption,
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (h *Handler) fail(ctx context.Context, span trace.Span, conn net.Conn, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "no verdict")
	h.metrics.RecordProtocolError(ctx, errorReason(err))
	h.logger.DebugContext(ctx, "Closing connection without verdict",
		"remote", remoteAddr(conn),
		"error", err,
	)
}

// Score looks req up on every entry of table and decides the verdict.
// All lookups run concurrently and are awaited, also once the threshold is
// reached, so that every entry's counters reflect the queries really sent.
func (h *Handler) Score(ctx context.Context, table *rbl.Table, req *Request) Verdict {
	entries := table.Entries()
	outcomes := make([]resolver.Outcome, len(entries))
	for i := range outcomes {
		outcomes[i] = resolver.LookupFailed
	}

	// Dispatched lookups always run to completion
	lookupCtx := context.WithoutCancel(ctx)

	err := h.workers.Fanout(len(entries), func(i int) {
		entry := entries[i]
		name := resolver.QueryName(req.Reversed, entry.Domain)

		begin := time.Now()
		outcome, err := h.resolver.Lookup(lookupCtx, name)
		elapsed := time.Since(begin)

		outcomes[i] = outcome
		entry.RecordLookup(outcome == resolver.Matched, elapsed)
		h.metrics.RecordLookup(lookupCtx, entry.Domain, outcome.String(), elapsed)

		if err != nil {
			h.logger.DebugContext(lookupCtx, "Blocklist lookup failed",
				"rbl", entry.Domain,
				"name", name,
				"error", err,
			)
		}
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Blocklist lookup aborted", "client", req.Client.String(), "error", err)
	}

	score := 0
	var matched []string
	for i, entry := range entries {
		if outcomes[i] == resolver.Matched {
			score += entry.Weight
			matched = append(matched, entry.Domain)
		}
	}
	return decide(score, matched)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
