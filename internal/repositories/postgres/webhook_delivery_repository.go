package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nucleotide-health/orders/internal/domain"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

type webhookDeliveryRow struct {
	EventID         string       `db:"event_id"`
	EventType       string       `db:"event_type"`
	GatewayOrderRef string       `db:"gateway_order_ref"`
	OrderID         string       `db:"order_id"`
	Payload         []byte       `db:"payload"`
	SignatureValid  bool         `db:"signature_valid"`
	Outcome         string       `db:"outcome"`
	ProcessingError string       `db:"processing_error"`
	ReceivedAt      time.Time    `db:"received_at"`
	ProcessedAt     sql.NullTime `db:"processed_at"`
}

// WebhookDeliveryRepository logs gateway deliveries in payment_webhook_events.
type WebhookDeliveryRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.WebhookDeliveryRepository = (*WebhookDeliveryRepository)(nil)

// NewWebhookDeliveryRepository constructs a Postgres-backed delivery log.
func NewWebhookDeliveryRepository(provider *ppostgres.Provider) (*WebhookDeliveryRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook delivery repository requires postgres provider")
	}
	return &WebhookDeliveryRepository{provider: provider}, nil
}

// Record inserts the delivery; an existing row with the same event id is left untouched.
func (r *WebhookDeliveryRepository) Record(ctx context.Context, delivery domain.WebhookDelivery) (bool, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return false, err
	}
	row := webhookDeliveryRow{
		EventID:         delivery.EventID,
		EventType:       delivery.EventType,
		GatewayOrderRef: delivery.GatewayOrderRef,
		OrderID:         delivery.OrderID,
		Payload:         delivery.Payload,
		SignatureValid:  delivery.SignatureValid,
		Outcome:         string(delivery.Outcome),
		ProcessingError: delivery.ProcessingError,
		ReceivedAt:      delivery.ReceivedAt.UTC(),
	}
	if delivery.ProcessedAt != nil {
		row.ProcessedAt = sql.NullTime{Time: delivery.ProcessedAt.UTC(), Valid: true}
	}
	res, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO payment_webhook_events (
		event_id, event_type, gateway_order_ref, order_id, payload, signature_valid, outcome,
		processing_error, received_at, processed_at) VALUES (
		:event_id, :event_type, :gateway_order_ref, :order_id, :payload, :signature_valid, :outcome,
		:processing_error, :received_at, :processed_at)
		ON CONFLICT (event_id) DO NOTHING`, row)
	if err != nil {
		return false, ppostgres.WrapError("webhook_deliveries.record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, ppostgres.WrapError("webhook_deliveries.record", err)
	}
	return affected == 1, nil
}

func (r *WebhookDeliveryRepository) MarkProcessed(ctx context.Context, eventID string, outcome domain.WebhookOutcome, orderID string, processingErr string, processedAt time.Time) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE payment_webhook_events
		SET outcome = $2, order_id = COALESCE(NULLIF($3, ''), order_id), processing_error = $4, processed_at = $5
		WHERE event_id = $1`, eventID, string(outcome), orderID, processingErr, processedAt.UTC())
	return expectOneRow("webhook_deliveries.mark_processed", "webhook delivery", res, err)
}
