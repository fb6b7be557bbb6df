// Package observability provides structured logging and metrics for the
// saga core: log/slog for logging, OpenTelemetry for metrics, with no-op
// fallbacks so instrumentation is always safe to call.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds saga context to a logger. Returns a new logger carrying
// saga_id, step_name, and attempt fields.
func EnrichLogger(logger *slog.Logger, sagaID, stepName string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("saga_id", sagaID),
		slog.String("step_name", stepName),
		slog.Int("attempt", attempt),
	)
}

// LogSagaStart logs the start of a saga execution.
func LogSagaStart(logger *slog.Logger, sagaID, sagaName string) {
	if logger == nil {
		return
	}
	logger.Info("saga starting", slog.String("saga_id", sagaID), slog.String("saga_name", sagaName))
}

// LogSagaComplete logs successful saga completion.
func LogSagaComplete(logger *slog.Logger, sagaID string, durationMs float64, stepCount int) {
	if logger == nil {
		return
	}
	logger.Info("saga completed",
		slog.String("saga_id", sagaID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_executed", stepCount),
	)
}

// LogSagaError logs saga failure.
func LogSagaError(logger *slog.Logger, sagaID string, err error, durationMs float64, lastStep string) {
	if logger == nil {
		return
	}
	logger.Error("saga failed",
		slog.String("saga_id", sagaID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_step", lastStep),
	)
}

// LogStepStart logs step execution start.
func LogStepStart(logger *slog.Logger, stepName string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting", slog.String("step_name", stepName))
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, stepName string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed", slog.String("step_name", stepName), slog.Float64("duration_ms", durationMs))
}

// LogStepError logs step execution error.
func LogStepError(logger *slog.Logger, stepName string, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed", slog.String("step_name", stepName), slog.String("error", err.Error()))
}

// LogCompensation logs a compensation action.
func LogCompensation(logger *slog.Logger, sagaID, stepName string) {
	if logger == nil {
		return
	}
	logger.Info("compensating step", slog.String("saga_id", sagaID), slog.String("step_name", stepName))
}

// LogCompensationError logs a failed compensation action (always terminal).
func LogCompensationError(logger *slog.Logger, sagaID, stepName string, err error) {
	if logger == nil {
		return
	}
	logger.Error("compensation failed",
		slog.String("saga_id", sagaID),
		slog.String("step_name", stepName),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation. Returns a function
// that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
