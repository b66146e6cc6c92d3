package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the agentbus tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("agentbus")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span for an event publish.
	StartPublishSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span)

	// StartRouteSpan starts a span for one route delivery.
	StartRouteSpan(ctx context.Context, eventType, routeID string) (context.Context, trace.Span)

	// StartActionSpan starts a span for an action execution.
	StartActionSpan(ctx context.Context, actionName, executionID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartPublishSpan starts a span for an event publish.
func (m *otelSpanManager) StartPublishSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.publish",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartRouteSpan starts a span for one route delivery.
func (m *otelSpanManager) StartRouteSpan(ctx context.Context, eventType, routeID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.route",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("route.id", routeID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartActionSpan starts a span for an action execution.
func (m *otelSpanManager) StartActionSpan(ctx context.Context, actionName, executionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.action."+actionName,
		trace.WithAttributes(
			attribute.String("action.name", actionName),
			attribute.String("execution.id", executionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
