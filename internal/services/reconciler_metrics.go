package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const reconcilerMetricNamespace = "github.com/nucleotide-health/orders/internal/services"

// ReconcilerMetrics counts payment signals by source and outcome.
type ReconcilerMetrics struct {
	signals metric.Int64Counter
}

// NewReconcilerMetrics registers the reconciler counters; a nil meter uses the global provider.
func NewReconcilerMetrics(meter metric.Meter) (*ReconcilerMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(reconcilerMetricNamespace)
	}
	signals, err := meter.Int64Counter(
		"orders.payment.signals",
		metric.WithDescription("Payment signals applied to orders by source and outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &ReconcilerMetrics{signals: signals}, nil
}

func (m *ReconcilerMetrics) record(ctx context.Context, source, outcome string) {
	if m == nil || m.signals == nil {
		return
	}
	m.signals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}
