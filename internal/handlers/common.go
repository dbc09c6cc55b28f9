package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nucleotide-health/orders/internal/platform/auth"
	"github.com/nucleotide-health/orders/internal/platform/httpx"
	"github.com/nucleotide-health/orders/internal/platform/pagination"
	"github.com/nucleotide-health/orders/internal/services"
)

const defaultBodyLimit = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

var orderErrorMappings = []httpx.ErrorMapping{
	{Target: services.ErrInvalidSelector, Code: "invalid_selector", Status: http.StatusBadRequest, Message: "itemId and addressId cannot both be set"},
	{Target: services.ErrOrderInvalidInput, Code: "invalid_request", Status: http.StatusBadRequest, Expose: true},
	{Target: pagination.ErrInvalidPageToken, Code: "invalid_page_token", Status: http.StatusBadRequest, Message: "page token is invalid"},
	{Target: pagination.ErrInvalidPageSize, Code: "invalid_request", Status: http.StatusBadRequest, Expose: true},
	{Target: pagination.ErrInvalidFilter, Code: "invalid_request", Status: http.StatusBadRequest, Expose: true},
	{Target: services.ErrEmptyCart, Code: "empty_cart", Status: http.StatusUnprocessableEntity, Message: "cart is empty"},
	{Target: services.ErrPricingInconsistent, Code: "pricing_inconsistent", Status: http.StatusUnprocessableEntity, Message: "cart totals are inconsistent"},
	{Target: services.ErrOrderNotFound, Code: "order_not_found", Status: http.StatusNotFound, Message: "order not found"},
	{Target: services.ErrItemNotFound, Code: "item_not_found", Status: http.StatusNotFound, Message: "order item not found"},
	{Target: services.ErrInvalidSignature, Code: "invalid_signature", Status: http.StatusUnauthorized, Message: "payment signature could not be verified"},
	{Target: services.ErrGatewayReferenceMismatch, Code: "gateway_reference_mismatch", Status: http.StatusConflict, Message: "payment does not belong to this order"},
	{Target: services.ErrPaymentAlreadyFailed, Code: "payment_failed", Status: http.StatusConflict, Message: "payment for this order has failed"},
	{Target: services.ErrInvalidTransition, Code: "invalid_transition", Status: http.StatusConflict, Expose: true},
	{Target: services.ErrPaymentNotVerified, Code: "payment_not_verified", Status: http.StatusConflict, Message: "payment has not been verified by the gateway"},
	{Target: services.ErrOrderConflict, Code: "order_conflict", Status: http.StatusConflict, Message: "order was modified concurrently, retry the request"},
	{Target: services.ErrGatewayRejected, Code: "gateway_rejected", Status: http.StatusBadGateway, Message: "payment gateway rejected the request"},
	{Target: services.ErrGatewayUnavailable, Code: "gateway_unavailable", Status: http.StatusServiceUnavailable, Message: "payment gateway unavailable"},
	{Target: services.ErrOrderUnavailable, Code: "store_unavailable", Status: http.StatusServiceUnavailable, Message: "order store unavailable"},
	{Target: context.DeadlineExceeded, Code: "timeout", Status: http.StatusServiceUnavailable, Message: "request timed out"},
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	fallback := httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError)
	httpx.WriteError(ctx, w, httpx.MapError(err, fallback, orderErrorMappings...))
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

// decodeJSONBody decodes the body into dst. When optional is set an empty body leaves dst untouched.
func decodeJSONBody(r *http.Request, dst any, optional bool) error {
	data, err := readLimitedBody(r, defaultBodyLimit)
	if err != nil {
		if optional && errors.Is(err, errEmptyBody) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UserID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", strings.ReplaceAll(name, "_", " ")+" unavailable", http.StatusServiceUnavailable))
}
