// Package observability provides structured logging, metrics, and tracing
// for the bus, router, and action registry.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper is nil-safe so components can carry a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
func EnrichLogger(logger *slog.Logger, eventID, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("correlation_id", correlationID),
	)
}

// LogTransportState logs a transport lifecycle transition.
func LogTransportState(logger *slog.Logger, state string) {
	if logger == nil {
		return
	}
	logger.Info("transport state changed",
		slog.String("state", state),
	)
}

// LogHandlerError logs a subscription handler failure.
func LogHandlerError(logger *slog.Logger, eventID, subscriptionID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.String("error", err.Error()),
	)
}

// LogEventDropped logs an event dropped by a full subscription queue.
func LogEventDropped(logger *slog.Logger, eventID, subscriptionID string) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped, subscription queue full",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
	)
}

// LogDecodeError logs an undecodable transport message (non-fatal).
func LogDecodeError(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("failed to decode transport message",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogStoreError logs an event store write failure (non-fatal).
func LogStoreError(logger *slog.Logger, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event store write failed",
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogRetryScheduled logs a router retry.
func LogRetryScheduled(logger *slog.Logger, eventID, routeID string, attempt int, delayMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("retry scheduled",
		slog.String("event_id", eventID),
		slog.String("route_id", routeID),
		slog.Int("attempt", attempt),
		slog.Float64("delay_ms", delayMs),
	)
}

// LogDeadLettered logs an event forwarded to the dead-letter channel.
func LogDeadLettered(logger *slog.Logger, eventID, routeID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("route_id", routeID),
		slog.String("error", err.Error()),
	)
}

// LogActionStart logs action execution start.
func LogActionStart(logger *slog.Logger, actionName, executionID string) {
	if logger == nil {
		return
	}
	logger.Debug("action starting",
		slog.String("action", actionName),
		slog.String("execution_id", executionID),
	)
}

// LogActionComplete logs successful action completion.
func LogActionComplete(logger *slog.Logger, actionName, executionID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("action completed",
		slog.String("action", actionName),
		slog.String("execution_id", executionID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogActionError logs action execution failure.
func LogActionError(logger *slog.Logger, actionName, executionID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("action failed",
		slog.String("action", actionName),
		slog.String("execution_id", executionID),
		slog.String("error", err.Error()),
	)
}

// LogRollback logs a rollback attempt outcome.
func LogRollback(logger *slog.Logger, actionName, executionID string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("rollback failed, ledger entry retained",
			slog.String("action", actionName),
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("rollback completed",
		slog.String("action", actionName),
		slog.String("execution_id", executionID),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in
// milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
