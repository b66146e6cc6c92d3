package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a manual-reader meter provider. Instrument
// creation is wired to the global provider once per process, so every
// metrics test records through the provider installed first.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}
	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetricsRecorder(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	require.False(t, isNoop, "expected real metrics recorder with a provider installed")

	ctx := context.Background()

	recorder.RecordPublish(ctx, "task.created", nil)
	recorder.RecordPublish(ctx, "task.created", errors.New("not connected"))
	recorder.RecordDelivery(ctx, "task.created", 5*time.Millisecond, nil)
	recorder.RecordDelivery(ctx, "task.created", 5*time.Millisecond, errors.New("handler down"))
	recorder.RecordRouteOutcome(ctx, "task.created", OutcomeRouted)
	recorder.RecordRouteOutcome(ctx, "task.created", OutcomeDeadLettered)
	recorder.RecordActionExecution(ctx, "deploy", 10*time.Millisecond, nil)
	recorder.RecordActionExecution(ctx, "deploy", 10*time.Millisecond, errors.New("boom"))
	recorder.RecordRollback(ctx, "deploy", nil)

	rm := collectMetrics(t, reader)

	for _, name := range []string{
		"agentbus.bus.publishes",
		"agentbus.bus.publish_errors",
		"agentbus.bus.deliveries",
		"agentbus.bus.delivery_latency_ms",
		"agentbus.bus.handler_errors",
		"agentbus.router.outcomes",
		"agentbus.action.executions",
		"agentbus.action.latency_ms",
		"agentbus.action.errors",
		"agentbus.action.rollbacks",
	} {
		assert.NotNil(t, findMetric(rm, name), "expected metric %s to be recorded", name)
	}

	// Success and failure publishes land in separate counters
	publishes := findMetric(rm, "agentbus.bus.publishes")
	sum, ok := publishes.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(1), total)
}
