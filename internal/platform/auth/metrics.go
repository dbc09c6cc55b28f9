package auth

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// NewMeterRecorder reports verifications as an OpenTelemetry counter and latency histogram.
func NewMeterRecorder(meter metric.Meter) (MetricsRecorder, error) {
	if meter == nil {
		return nil, errors.New("auth: meter is required")
	}
	attempts, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Caller verification attempts by kind and outcome."))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.verification.duration",
		metric.WithDescription("Time spent verifying caller credentials."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
		attrs := metric.WithAttributes(
			attribute.String("auth.kind", kind),
			attribute.Bool("auth.success", success),
			attribute.String("auth.reason", reason),
		)
		attempts.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}), nil
}
