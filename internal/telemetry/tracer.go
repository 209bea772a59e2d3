// Package telemetry adapts the run executor and gateway to OpenTelemetry
// tracing. It wraps the global tracer rather than standing up its own
// exporter pipeline: Agent Blob has no collector-endpoint config surface
// (spec §1 scopes out observability backends), so the tracer provider is
// whatever the process embedding agentblob has already installed via
// otel.SetTracerProvider — a noop provider if nothing has. Callers still
// get real spans, context propagation, and trace/span IDs for audit
// correlation for free the moment a provider is wired in from outside.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer produces spans for the three units of work the rest of the system
// cares about tracing: a run's admission at the gateway, a run end-to-end,
// and a single tool call within it.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by the named instrumentation scope.
func New(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartRun opens a span covering one executor run from admission to its
// terminal state.
func (t *Tracer) StartRun(ctx context.Context, runID string, kind string, origin string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.kind", kind),
			attribute.String("run.origin", origin),
		),
	)
}

// StartAdmission opens a span covering the gateway's side of admitting a
// run: the period between a client request (or a fired schedule) and the
// executor's own run.execute span taking over as a child of this one.
func (t *Tracer) StartAdmission(ctx context.Context, runID string, kind string, origin string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run.admit",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.kind", kind),
			attribute.String("run.origin", origin),
		),
	)
}

// StartToolCall opens a span covering a single tool dispatch within a run.
func (t *Tracer) StartToolCall(ctx context.Context, runID, toolName, toolCallID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run.tool_call",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", toolCallID),
		),
	)
}

// RecordError marks span as failed and attaches err, if non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// IDsFromContext extracts the hex trace and span IDs of the span carried
// by ctx, if any is recording. Both are empty when ctx carries no span
// (e.g. the global tracer provider is the noop default).
func IDsFromContext(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
