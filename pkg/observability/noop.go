package observability

import (
	"context"
	"time"
)

// NoopMetrics is a MetricsRecorder that does nothing. Use when metrics are
// disabled to avoid OTel SDK overhead.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordStepExecution(_ context.Context, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordSagaRun(_ context.Context, _ string, _ string, _ time.Duration)       {}
func (NoopMetrics) RecordCompensation(_ context.Context, _ string, _ error)                    {}
