package jobs

import (
	"strings"
	"time"

	"github.com/nucleotide-health/orders/internal/services"
)

// orderEventMessage is the wire form shared by every event bus backend.
type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	PaymentStatus  string         `json:"paymentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func newOrderEventMessage(event services.OrderEvent) orderEventMessage {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return orderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		UserID:         event.UserID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		PaymentStatus:  event.PaymentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     occurred.UTC(),
		Metadata:       event.Metadata,
	}
}

// eventAttributes lists routing metadata carried outside the payload (Pub/Sub attributes, Kafka headers).
func eventAttributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "currentStatus", event.CurrentStatus)
	return attrs
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
