package jobs

import (
	"context"

	"github.com/nucleotide-health/orders/internal/services"
)

// Logger captures the logging contract used by the fallback publisher.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggingOrderEventPublisher records events in the log when no event bus is configured.
type LoggingOrderEventPublisher struct {
	logger Logger
}

// NewLoggingOrderEventPublisher constructs the fallback publisher.
func NewLoggingOrderEventPublisher(logger Logger) *LoggingOrderEventPublisher {
	return &LoggingOrderEventPublisher{logger: logger}
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *LoggingOrderEventPublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	if p != nil && p.logger != nil {
		p.logger.Printf("order event %s order=%s status=%s", event.Type, event.OrderID, event.CurrentStatus)
	}
	return nil
}
