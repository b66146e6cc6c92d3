package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Route outcome labels recorded by RecordRouteOutcome.
const (
	OutcomeRouted       = "routed"
	OutcomeFiltered     = "filtered"
	OutcomeTransformed  = "transformed"
	OutcomeRetried      = "retried"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// MetricsRecorder records bus, router, and action registry metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish attempt.
	RecordPublish(ctx context.Context, eventType string, err error)

	// RecordDelivery records one subscription delivery with its duration.
	RecordDelivery(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordRouteOutcome records a routing pipeline outcome.
	RecordRouteOutcome(ctx context.Context, eventType, outcome string)

	// RecordActionExecution records an action execution with its duration.
	RecordActionExecution(ctx context.Context, actionName string, duration time.Duration, err error)

	// RecordRollback records a rollback attempt.
	RecordRollback(ctx context.Context, actionName string, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishErrors   metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	routeOutcomes   metric.Int64Counter
	actionRuns      metric.Int64Counter
	actionLatency   metric.Float64Histogram
	actionErrors    metric.Int64Counter
	rollbacks       metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("agentbus")

	publishes, err := meter.Int64Counter("agentbus.bus.publishes",
		metric.WithDescription("Number of events published"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter("agentbus.bus.publish_errors",
		metric.WithDescription("Number of failed publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("agentbus.bus.deliveries",
		metric.WithDescription("Number of subscription deliveries"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("agentbus.bus.delivery_latency_ms",
		metric.WithDescription("Subscription handler latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("agentbus.bus.handler_errors",
		metric.WithDescription("Number of subscription handler errors"),
	)
	if err != nil {
		return nil, err
	}

	routeOutcomes, err := meter.Int64Counter("agentbus.router.outcomes",
		metric.WithDescription("Routing pipeline outcomes by type"),
	)
	if err != nil {
		return nil, err
	}

	actionRuns, err := meter.Int64Counter("agentbus.action.executions",
		metric.WithDescription("Number of action executions"),
	)
	if err != nil {
		return nil, err
	}

	actionLatency, err := meter.Float64Histogram("agentbus.action.latency_ms",
		metric.WithDescription("Action execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	actionErrors, err := meter.Int64Counter("agentbus.action.errors",
		metric.WithDescription("Number of action execution errors"),
	)
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter("agentbus.action.rollbacks",
		metric.WithDescription("Number of rollback attempts"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		publishErrors:   publishErrors,
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		handlerErrors:   handlerErrors,
		routeOutcomes:   routeOutcomes,
		actionRuns:      actionRuns,
		actionLatency:   actionLatency,
		actionErrors:    actionErrors,
		rollbacks:       rollbacks,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a publish attempt.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}
	if err != nil {
		m.publishErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.publishes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDelivery records one subscription delivery.
func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRouteOutcome records a routing pipeline outcome.
func (m *otelMetrics) RecordRouteOutcome(ctx context.Context, eventType, outcome string) {
	m.routeOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

// RecordActionExecution records an action execution.
func (m *otelMetrics) RecordActionExecution(ctx context.Context, actionName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("action", actionName),
	}
	m.actionRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.actionLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.actionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRollback records a rollback attempt.
func (m *otelMetrics) RecordRollback(ctx context.Context, actionName string, err error) {
	m.rollbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", actionName),
		attribute.Bool("success", err == nil),
	))
}
