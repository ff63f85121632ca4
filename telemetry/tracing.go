// OpenTelemetry tracing for queue operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with queue-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include prompts and outputs in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer bound to a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task Spans ---

// TaskSpanOptions describes one handler run.
type TaskSpanOptions struct {
	TaskID     string
	TaskType   string
	Worker     string
	Attempt    int
	EntryID    string
	Prompt     string // Only included if debug=true
	Output     string // Only included if debug=true
	Outcome    string // acked, requeued, dead_lettered
	DurationMs int64
}

// StartTaskSpan starts a consumer span around a handler run.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task."+taskType, trace.WithSpanKind(trace.SpanKindConsumer))
}

// EndTaskSpan ends a task span with attributes.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", opts.TaskID),
		attribute.String("task.type", opts.TaskType),
		attribute.String("task.worker", opts.Worker),
		attribute.Int("task.attempt", opts.Attempt),
		attribute.String("task.entry_id", opts.EntryID),
		attribute.Int64("task.duration_ms", opts.DurationMs),
	}
	if opts.Outcome != "" {
		attrs = append(attrs, attribute.String("task.outcome", opts.Outcome))
	}

	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("task.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Output != "" {
			attrs = append(attrs, attribute.String("task.output", truncate(opts.Output, 4000)))
		}
	}

	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Dispatch Spans ---

// StartDispatchSpan starts a producer span for an append to the task stream.
func (t *Tracer) StartDispatchSpan(ctx context.Context, taskType, priority string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "dispatch."+taskType, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("task.type", taskType),
		attribute.String("task.priority", priority),
	)
	return ctx, span
}

// EndDispatchSpan records the generated id and ends the span.
func (t *Tracer) EndDispatchSpan(span trace.Span, taskID string, err error) {
	if taskID != "" {
		span.SetAttributes(attribute.String("task.id", taskID))
	}
	endSpan(span, err)
}

// --- Sweep Spans ---

// SweepSpanOptions describes one reclaim sweep.
type SweepSpanOptions struct {
	Scanned      int
	Reclaimed    int
	Requeued     int
	DeadLettered int
	Poison       int
}

// StartSweepSpan starts a span for a reclaim sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "reliability.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSweepSpan ends a sweep span with attributes.
func (t *Tracer) EndSweepSpan(span trace.Span, opts SweepSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("sweep.scanned", opts.Scanned),
		attribute.Int("sweep.reclaimed", opts.Reclaimed),
		attribute.Int("sweep.requeued", opts.Requeued),
		attribute.Int("sweep.dead_lettered", opts.DeadLettered),
		attribute.Int("sweep.poison", opts.Poison),
	)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// TraceFieldPrefix marks stream entry fields that carry trace context.
const TraceFieldPrefix = "otel."

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// FieldCarrier stores propagation headers in stream entry fields under
// TraceFieldPrefix so they cannot collide with task keys.
type FieldCarrier map[string]string

func (c FieldCarrier) Get(key string) string {
	return c[TraceFieldPrefix+key]
}

func (c FieldCarrier) Set(key, value string) {
	c[TraceFieldPrefix+key] = value
}

func (c FieldCarrier) Keys() []string {
	var keys []string
	for k := range c {
		if len(k) > len(TraceFieldPrefix) && k[:len(TraceFieldPrefix)] == TraceFieldPrefix {
			keys = append(keys, k[len(TraceFieldPrefix):])
		}
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
