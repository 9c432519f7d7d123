// Package dispatch turns raw broker deliveries into printed notification
// lines, refreshing the directory snapshot when a creation event means a new
// name may be missing from it.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cadflog/internal/cadf"
	"cadflog/internal/platform/metrics"
)

// Directory is the snapshot view the dispatcher needs: lookups plus the two
// rebuild entry points.
type Directory interface {
	cadf.Names
	RebuildUsers(ctx context.Context) error
	RebuildProjects(ctx context.Context) error
}

// rule describes how one event kind is handled.
type rule struct {
	headline string
	// rebuild runs before formatting so the new name is present in the line.
	rebuild func(context.Context) error
	// reportUnresolved logs when the target is already gone from the snapshot.
	reportUnresolved bool
}

// Drop reasons recorded in metrics.
const (
	dropMalformed    = "malformed"
	dropUnrecognized = "unrecognized"
	dropPanic        = "panic"
)

// Dispatcher handles one message at a time. It is driven by the consumer
// loop and must not be called concurrently.
type Dispatcher struct {
	dir     Directory
	out     io.Writer
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	rules   map[cadf.Kind]rule
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer("cadflog/dispatch")
	}
}

// New creates a dispatcher printing one line per handled event to out.
func New(dir Directory, out io.Writer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dir:    dir,
		out:    out,
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("cadflog/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}

	// Deletes read the pre-deletion snapshot; the directory no longer has
	// the name.
	d.rules = map[cadf.Kind]rule{
		cadf.KindAuthenticate:   {headline: "USER AUTHENTICATED"},
		cadf.KindUserCreated:    {headline: "USER CREATED", rebuild: dir.RebuildUsers},
		cadf.KindUserDeleted:    {headline: "USER DELETED", reportUnresolved: true},
		cadf.KindProjectCreated: {headline: "PROJECT CREATED", rebuild: dir.RebuildProjects},
		cadf.KindProjectDeleted: {headline: "PROJECT DELETED", reportUnresolved: true},
	}
	return d
}

// Handle processes one message body. It never fails: malformed or
// unrecognized messages are logged and dropped, and a panic anywhere below is
// recovered so the consumer loop keeps running.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handle",
		trace.WithAttributes(attribute.Int("messaging.message.body.size", len(body))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "CRITICAL: recovered panic while dispatching event",
				"panic", r,
				"bytes", len(body),
			)
			span.SetStatus(codes.Error, "panic")
			d.dropped(dropPanic)
		}
	}()

	ev, err := cadf.Parse(body)
	if err != nil {
		d.logger.WarnContext(ctx, "dropping malformed event",
			"error", err,
			"bytes", len(body),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed")
		d.dropped(dropMalformed)
		return
	}

	span.SetAttributes(
		attribute.String("cadf.event_type", ev.EventType),
		attribute.String("cadf.outcome", ev.Outcome),
	)

	r, ok := d.rules[ev.Kind]
	if !ok {
		if d.logger.Enabled(ctx, slog.LevelDebug) {
			d.logger.DebugContext(ctx, "ignoring unhandled event type",
				"event_type", ev.EventType,
				"payload", ev.Pretty(),
			)
		}
		d.dropped(dropUnrecognized)
		return
	}

	if r.rebuild != nil {
		if err := r.rebuild(ctx); err != nil {
			d.logger.ErrorContext(ctx, "directory rebuild failed, formatting with last snapshot",
				"event_type", ev.EventType,
				"target_id", ev.TargetID,
				"error", err,
			)
			span.RecordError(err)
		}
	}

	if r.reportUnresolved && !ev.TargetResolved(d.dir) {
		d.logger.InfoContext(ctx, "deleted target not present in snapshot",
			"event_type", ev.EventType,
			"target_id", ev.TargetID,
			"target_type", ev.TargetType,
		)
	}

	line := fmt.Sprintf("%s: %s\n", r.headline, cadf.Describe(ev, d.dir))
	if _, err := io.WriteString(d.out, line); err != nil {
		d.logger.ErrorContext(ctx, "failed to write event line", "error", err)
		span.RecordError(err)
		return
	}

	d.logger.DebugContext(ctx, "event handled",
		"event_type", ev.EventType,
		"outcome", ev.Outcome,
		"initiator_address", ev.InitiatorAddress,
		"initiator_agent", ev.AgentName(),
	)
	if d.metrics != nil {
		d.metrics.IncEventsHandled(string(ev.Kind))
	}
}

func (d *Dispatcher) dropped(reason string) {
	if d.metrics != nil {
		d.metrics.IncMessagesDropped(reason)
	}
}
