package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nucleotide-health/orders/internal/platform/auth"
	"github.com/nucleotide-health/orders/internal/platform/httpx"
	"github.com/nucleotide-health/orders/internal/platform/idempotency"
	"github.com/nucleotide-health/orders/internal/platform/pagination"
	"github.com/nucleotide-health/orders/internal/platform/requestctx"
	"github.com/nucleotide-health/orders/internal/services"
)

const statusFilterField = "status"

var orderListOptions = pagination.Options{
	DefaultPageSize: pagination.DefaultPageSize,
	MaxPageSize:     pagination.DefaultMaxPageSize,
	FilterFields:    []string{statusFilterField},
}

// OrderHandlerDeps bundles the services behind the customer order endpoints.
type OrderHandlerDeps struct {
	Authenticator *auth.Authenticator
	Carts         services.CartSnapshotReader
	Factory       services.OrderFactory
	Reconciler    services.PaymentReconciler
	Queries       services.OrderQueryService
	// CreateMiddlewares wrap POST /orders only (idempotency replay).
	CreateMiddlewares []func(http.Handler) http.Handler
}

// OrderHandlers exposes the order endpoints for authenticated customers.
type OrderHandlers struct {
	authn      *auth.Authenticator
	carts      services.CartSnapshotReader
	factory    services.OrderFactory
	reconciler services.PaymentReconciler
	queries    services.OrderQueryService
	createMW   []func(http.Handler) http.Handler
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(deps OrderHandlerDeps) *OrderHandlers {
	return &OrderHandlers{
		authn:      deps.Authenticator,
		carts:      deps.Carts,
		factory:    deps.Factory,
		reconciler: deps.Reconciler,
		queries:    deps.Queries,
		createMW:   deps.CreateMiddlewares,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireSession())
	}
	r.With(h.createMW...).Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/by-number/{orderNumber}", h.getOrderByNumber)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/verify-payment", h.verifyPayment)
	r.Get("/{orderID}/tracking", h.getTracking)
	r.Get("/{orderID}/items/{itemID}/tracking", h.getItemTracking)
}

type createOrderRequest struct {
	Provider string `json:"provider"`
}

type createOrderResponse struct {
	Order   orderPayload           `json:"order"`
	Payment checkoutPaymentPayload `json:"payment"`
}

type checkoutPaymentPayload struct {
	Provider        string `json:"provider"`
	GatewayOrderRef string `json:"gatewayOrderRef"`
	Amount          string `json:"amount"`
	AmountMinor     int64  `json:"amountMinor"`
	Currency        string `json:"currency"`
	PublicKey       string `json:"publicKey,omitempty"`
	ClientSecret    string `json:"clientSecret,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.factory == nil || h.carts == nil {
		serviceUnavailable(ctx, w, "order_service")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(r, &req, true); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.ReadSnapshot(ctx, identity.UserID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	result, err := h.factory.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UserID,
		PlacingMemberID: identity.MemberID,
		Cart:            cart,
		Provider:        strings.ToLower(strings.TrimSpace(req.Provider)),
		IdempotencyKey:  idempotency.KeyFromContext(ctx),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	requestctx.SetOrder(ctx, result.Order.ID, result.Order.OrderNumber)

	httpx.WriteJSON(w, http.StatusCreated, createOrderResponse{
		Order: buildOrderPayload(result.Order),
		Payment: checkoutPaymentPayload{
			Provider:        result.Provider,
			GatewayOrderRef: result.GatewayOrderRef,
			Amount:          result.Amount.StringFixed(2),
			AmountMinor:     result.AmountMinor,
			Currency:        result.Currency,
			PublicKey:       result.PublicKey,
			ClientSecret:    result.ClientSecret,
		},
	})
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, orderListOptions)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	rawStatuses := params.FilterValues(statusFilterField)
	rawStatuses = append(rawStatuses, r.URL.Query()["status"]...)
	statuses, invalid := parseStatusFilters(rawStatuses)
	if len(invalid) > 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("unknown order status %q", invalid[0]), http.StatusBadRequest))
		return
	}

	page, err := h.queries.ListOrders(ctx, identity.UserID, services.OrderListFilter{
		Statuses: statuses,
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
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

	order, err := h.queries.GetOrder(ctx, services.OrderQuery{OrderID: orderID, UserID: identity.UserID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderNumber, ok := urlParam(w, r, "orderNumber", "order number")
	if !ok {
		return
	}

	order, err := h.queries.GetOrderByNumber(ctx, strings.ToUpper(orderNumber), identity.UserID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	requestctx.SetOrder(ctx, order.ID, order.OrderNumber)
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// verifyPaymentRequest accepts both the neutral field names and the names returned by the
// Razorpay checkout widget.
type verifyPaymentRequest struct {
	GatewayOrderRef   string `json:"gatewayOrderRef"`
	GatewayPaymentRef string `json:"gatewayPaymentRef"`
	Signature         string `json:"signature"`

	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

func (req verifyPaymentRequest) normalised() (orderRef, paymentRef, signature string) {
	return firstNonEmpty(req.GatewayOrderRef, req.RazorpayOrderID),
		firstNonEmpty(req.GatewayPaymentRef, req.RazorpayPaymentID),
		firstNonEmpty(req.Signature, req.RazorpaySignature)
}

type paymentResultResponse struct {
	OrderID       string `json:"orderId"`
	OrderStatus   string `json:"orderStatus"`
	PaymentStatus string `json:"paymentStatus"`
	Changed       bool   `json:"changed"`
}

func (h *OrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "payment_service")
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

	var req verifyPaymentRequest
	if err := decodeJSONBody(r, &req, false); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	orderRef, paymentRef, signature := req.normalised()
	if orderRef == "" || paymentRef == "" || signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "gatewayOrderRef, gatewayPaymentRef and signature are required", http.StatusBadRequest))
		return
	}

	result, err := h.reconciler.VerifyClientPayment(ctx, services.VerifyClientPaymentCommand{
		OrderID:           orderID,
		UserID:            identity.UserID,
		GatewayOrderRef:   orderRef,
		GatewayPaymentRef: paymentRef,
		Signature:         signature,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentResultResponse{
		OrderID:       result.OrderID,
		OrderStatus:   string(result.OrderStatus),
		PaymentStatus: string(result.PaymentStatus),
		Changed:       result.Changed,
	})
}

func (h *OrderHandlers) getTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
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

	tracking, err := h.queries.GetTracking(ctx, services.OrderQuery{OrderID: orderID, UserID: identity.UserID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTrackingPayload(tracking))
}

func (h *OrderHandlers) getItemTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		serviceUnavailable(ctx, w, "order_service")
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
	itemID, ok := urlParam(w, r, "itemID", "item id")
	if !ok {
		return
	}

	tracking, err := h.queries.GetItemTracking(ctx, services.OrderQuery{OrderID: orderID, UserID: identity.UserID}, itemID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildItemTrackingPayload(tracking))
}

func urlParam(w http.ResponseWriter, r *http.Request, key, label string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, key))
	if value == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", label+" is required", http.StatusBadRequest))
		return "", false
	}
	return value, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
