package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loomhq/loom"

// StartRunSpan starts a span covering one agent run.
func StartRunSpan(ctx context.Context, agentID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("run.id", runID),
		))
}

// StartToolSpan starts a span covering one tool call.
func StartToolSpan(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.call_id", callID),
		))
}

// EndSpan records the error (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
