package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nucleotide-health/orders/internal/platform/httpx"
	"github.com/nucleotide-health/orders/internal/platform/requestctx"
	"github.com/nucleotide-health/orders/internal/services"
)

const maxWebhookBodySize = 1 << 20

// PaymentWebhookHandlers receives gateway webhooks. The gateway signature is the only
// authentication, so the group must not sit behind session or operator auth.
type PaymentWebhookHandlers struct {
	reconciler services.PaymentReconciler
}

// NewPaymentWebhookHandlers constructs the handlers.
func NewPaymentWebhookHandlers(reconciler services.PaymentReconciler) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{reconciler: reconciler}
}

// Routes registers /webhooks/payments (default gateway) and /webhooks/payments/{provider}.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.handlePayment)
	r.Post("/payments/{provider}", h.handlePayment)
}

type webhookAck struct {
	Status string `json:"status"`
}

func (h *PaymentWebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "payment_service")
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.reconciler.ApplyWebhookEvent(ctx, services.PaymentWebhookCommand{
		Provider: strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider"))),
		Payload:  payload,
		Headers:  r.Header.Clone(),
	})
	switch {
	case err == nil:
		requestctx.SetOrder(ctx, result.OrderID, "")
		requestctx.SetWebhookOutcome(ctx, string(result.Outcome))
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Status: "ok"})
	case errors.Is(err, services.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "payment provider is not configured", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("store_unavailable", "order store unavailable, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}
