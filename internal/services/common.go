package services

import (
	"context"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	orderEventCreated         = "order.created"
	orderEventPaymentVerified = "order.payment_verified"
	orderEventPaymentFailed   = "order.payment_failed"
	orderEventStatusChanged   = "order.status_changed"

	orderIDPrefix   = "ord_"
	itemIDPrefix    = "itm_"
	historyIDPrefix = "hst_"
)

type logFunc func(ctx context.Context, event string, fields map[string]any)

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func defaultClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}

func defaultIDGenerator(gen func() string) func() string {
	if gen != nil {
		return gen
	}
	return func() string {
		return ulid.Make().String()
	}
}

func defaultLogger(logger func(context.Context, string, map[string]any)) logFunc {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}

func publishEvent(ctx context.Context, events OrderEventPublisher, logger logFunc, event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

// mirrorItemStatus copies a payment-phase status onto items that have not entered fulfillment.
func mirrorItemStatus(items []OrderItem, status OrderStatus, now time.Time) []OrderItem {
	updated := make([]OrderItem, 0, len(items))
	for _, item := range items {
		if item.OrderStatus.IsFulfillment() || item.OrderStatus == status {
			continue
		}
		item.OrderStatus = status
		item.StatusUpdatedAt = now
		updated = append(updated, item)
	}
	return updated
}
