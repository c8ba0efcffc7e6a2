// Package observability provides production-grade observability for the
// event bus: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
// Returns a new logger with event_id, event_type, and sequence fields.
func EnrichLogger(logger *slog.Logger, eventID, eventType string, sequence int64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int64("sequence", sequence),
	)
}

// LogPublish logs a successful publish.
func LogPublish(logger *slog.Logger, eventID, eventType, sourceModule string, sequence int64) {
	if logger == nil {
		return
	}
	logger.Info("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("source_module_id", sourceModule),
		slog.Int64("sequence", sequence),
	)
}

// LogPublishRejected logs a rejected publish.
func LogPublishRejected(logger *slog.Logger, eventType, sourceModule string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("event_type", eventType),
		slog.String("source_module_id", sourceModule),
		slog.String("error", err.Error()),
	)
}

// LogDelivery logs the outcome of a delivery to one subscriber.
func LogDelivery(logger *slog.Logger, eventID, subscriptionID string, attempts int, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("event delivery failed",
			slog.String("event_id", eventID),
			slog.String("subscription_id", subscriptionID),
			slog.Int("attempts", attempts),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("event delivered",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempts", attempts),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeadLetter logs an event moved to the dead-letter queue.
func LogDeadLetter(logger *slog.Logger, eventID, subscriptionID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogSequenceGap logs a reorder-buffer timeout on a missing sequence.
func LogSequenceGap(logger *slog.Logger, expected, got int64, waited time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("sequence gap in dispatch stream",
		slog.Int64("expected_sequence", expected),
		slog.Int64("next_sequence", got),
		slog.Duration("waited", waited),
	)
}

// TimedOperation returns a function that logs the operation's duration when
// called. Intended for defer.
//
//	defer TimedOperation(logger, "query events")()
func TimedOperation(logger *slog.Logger, operation string) func() {
	if logger == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		logger.Debug("operation completed",
			slog.String("operation", operation),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
		)
	}
}
