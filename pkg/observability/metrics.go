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

// MetricsRecorder records saga execution metrics. Use NewMetricsRecorder()
// for OpenTelemetry-backed metrics, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStepExecution records a single step attempt with its duration
	// and error status.
	RecordStepExecution(ctx context.Context, stepName string, duration time.Duration, err error)

	// RecordSagaRun records a saga's terminal outcome.
	RecordSagaRun(ctx context.Context, sagaName string, status string, duration time.Duration)

	// RecordCompensation records a compensation attempt.
	RecordCompensation(ctx context.Context, stepName string, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions    metric.Int64Counter
	stepLatency       metric.Float64Histogram
	stepErrors        metric.Int64Counter
	sagaRuns          metric.Int64Counter
	sagaLatency       metric.Float64Histogram
	compensations     metric.Int64Counter
	compensationFails metric.Int64Counter
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
	meter := otel.Meter("records-saga")

	stepExecutions, err := meter.Int64Counter("saga.step.executions",
		metric.WithDescription("Number of saga step attempts"))
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("saga.step.latency_ms",
		metric.WithDescription("Saga step attempt latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("saga.step.errors",
		metric.WithDescription("Number of saga step attempt errors"))
	if err != nil {
		return nil, err
	}

	sagaRuns, err := meter.Int64Counter("saga.runs",
		metric.WithDescription("Number of saga terminal outcomes"))
	if err != nil {
		return nil, err
	}

	sagaLatency, err := meter.Float64Histogram("saga.run.latency_ms",
		metric.WithDescription("End-to-end saga latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	compensations, err := meter.Int64Counter("saga.compensations",
		metric.WithDescription("Number of compensation attempts"))
	if err != nil {
		return nil, err
	}

	compensationFails, err := meter.Int64Counter("saga.compensation.errors",
		metric.WithDescription("Number of failed compensation attempts"))
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepExecutions:    stepExecutions,
		stepLatency:       stepLatency,
		stepErrors:        stepErrors,
		sagaRuns:          sagaRuns,
		sagaLatency:       sagaLatency,
		compensations:     compensations,
		compensationFails: compensationFails,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by OpenTelemetry. If
// metrics initialization fails, returns a no-op recorder rather than
// failing startup. Configure the global meter provider before calling this
// (otel.SetMeterProvider) if telemetry export is desired.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder", slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStepExecution(ctx context.Context, stepName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("step_name", stepName)}
	m.stepExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *otelMetrics) RecordSagaRun(ctx context.Context, sagaName string, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("saga_name", sagaName),
		attribute.String("status", status),
	}
	m.sagaRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.sagaLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (m *otelMetrics) RecordCompensation(ctx context.Context, stepName string, err error) {
	attrs := []attribute.KeyValue{attribute.String("step_name", stepName)}
	m.compensations.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.compensationFails.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
