package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/platform/httpx"
	"github.com/nucleotide-health/orders/internal/services"
)

// FulfillmentHandlers exposes status updates to operators (/admin) and lab partners (/lab).
// Authentication is supplied per group so the same handlers serve both audiences.
type FulfillmentHandlers struct {
	tracker services.FulfillmentStatusTracker
	queries services.OrderQueryService
}

// NewFulfillmentHandlers constructs the handlers.
func NewFulfillmentHandlers(tracker services.FulfillmentStatusTracker, queries services.OrderQueryService) *FulfillmentHandlers {
	return &FulfillmentHandlers{tracker: tracker, queries: queries}
}

// AdminRoutes returns the registrar for /admin guarded by authn.
func (h *FulfillmentHandlers) AdminRoutes(authn func(http.Handler) http.Handler) RouteRegistrar {
	return func(r chi.Router) {
		if authn != nil {
			r.Use(authn)
		}
		r.Put("/orders/{orderID}/status", h.updateStatus)
		r.Get("/orders/{orderID}/tracking", h.getTracking)
		r.Get("/orders/{orderID}/items/{itemID}/tracking", h.getItemTracking)
	}
}

// LabRoutes returns the registrar for /lab guarded by authn.
func (h *FulfillmentHandlers) LabRoutes(authn func(http.Handler) http.Handler) RouteRegistrar {
	return func(r chi.Router) {
		if authn != nil {
			r.Use(authn)
		}
		r.Put("/orders/{orderID}/status", h.updateStatus)
	}
}

type updateStatusRequest struct {
	Status            string  `json:"status"`
	Notes             string  `json:"notes"`
	ItemID            string  `json:"itemId"`
	AddressID         string  `json:"addressId"`
	ScheduledDate     *string `json:"scheduledDate"`
	TechnicianName    *string `json:"technicianName"`
	TechnicianContact *string `json:"technicianContact"`
	LabName           *string `json:"labName"`
}

type updateStatusResponse struct {
	OrderID        string             `json:"orderId"`
	PreviousStatus string             `json:"previousStatus"`
	CurrentStatus  string             `json:"currentStatus"`
	UpdatedItems   []orderItemPayload `json:"updatedItems"`
}

func (h *FulfillmentHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.tracker == nil {
		serviceUnavailable(ctx, w, "fulfillment_service")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := urlParam(w, r, "orderID", "order id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := decodeJSONBody(r, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	status, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}
	scheduling, err := req.scheduling()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "scheduledDate must be an RFC3339 timestamp or YYYY-MM-DD date", http.StatusBadRequest))
		return
	}

	result, err := h.tracker.UpdateStatus(ctx, services.UpdateStatusCommand{
		OrderID:    orderID,
		NewStatus:  status,
		Notes:      req.Notes,
		ItemID:     strings.TrimSpace(req.ItemID),
		AddressID:  strings.TrimSpace(req.AddressID),
		Scheduling: scheduling,
		ActorID:    identity.Actor(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := buildItemPayloads(result.UpdatedItems)
	if items == nil {
		items = []orderItemPayload{}
	}
	httpx.WriteJSON(w, http.StatusOK, updateStatusResponse{
		OrderID:        result.OrderID,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(result.CurrentStatus),
		UpdatedItems:   items,
	})
}

func (req updateStatusRequest) scheduling() (services.SchedulingUpdate, error) {
	update := services.SchedulingUpdate{
		TechnicianName:    trimmedPointer(req.TechnicianName),
		TechnicianContact: trimmedPointer(req.TechnicianContact),
		LabName:           trimmedPointer(req.LabName),
	}
	if req.ScheduledDate == nil || strings.TrimSpace(*req.ScheduledDate) == "" {
		return update, nil
	}
	raw := strings.TrimSpace(*req.ScheduledDate)
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		parsed, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			return services.SchedulingUpdate{}, err
		}
	}
	parsed = parsed.UTC()
	update.ScheduledDate = &parsed
	return update, nil
}

func (h *FulfillmentHandlers) getTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
		return
	}
	orderID, ok := urlParam(w, r, "orderID", "order id")
	if !ok {
		return
	}
	tracking, err := h.queries.GetTracking(ctx, services.OrderQuery{OrderID: orderID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTrackingPayload(tracking))
}

func (h *FulfillmentHandlers) getItemTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
		return
	}
	orderID, ok := urlParam(w, r, "orderID", "order id")
	if !ok {
		return
	}
	itemID, ok := urlParam(w, r, "itemID", "item id")
	if !ok {
		return
	}
	tracking, err := h.queries.GetItemTracking(ctx, services.OrderQuery{OrderID: orderID}, itemID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildItemTrackingPayload(tracking))
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}
