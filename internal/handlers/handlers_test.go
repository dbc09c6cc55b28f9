package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/platform/auth"
	"github.com/nucleotide-health/orders/internal/services"
)

type stubCartReader struct {
	readFn func(ctx context.Context, userID string) (services.CartSnapshot, error)
}

func (s *stubCartReader) ReadSnapshot(ctx context.Context, userID string) (services.CartSnapshot, error) {
	if s.readFn != nil {
		return s.readFn(ctx, userID)
	}
	return services.CartSnapshot{UserID: userID}, nil
}

type stubOrderFactory struct {
	calls    int
	createFn func(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error)
}

func (s *stubOrderFactory) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	s.calls++
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CreateOrderResult{}, nil
}

type stubReconciler struct {
	verifyFn  func(ctx context.Context, cmd services.VerifyClientPaymentCommand) (services.PaymentResult, error)
	webhookFn func(ctx context.Context, cmd services.PaymentWebhookCommand) (services.WebhookResult, error)
}

func (s *stubReconciler) VerifyClientPayment(ctx context.Context, cmd services.VerifyClientPaymentCommand) (services.PaymentResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, cmd)
	}
	return services.PaymentResult{}, nil
}

func (s *stubReconciler) ApplyWebhookEvent(ctx context.Context, cmd services.PaymentWebhookCommand) (services.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, cmd)
	}
	return services.WebhookResult{}, nil
}

type stubQueries struct {
	getFn          func(ctx context.Context, query services.OrderQuery) (services.Order, error)
	getByNumberFn  func(ctx context.Context, orderNumber, userID string) (services.Order, error)
	listFn         func(ctx context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	trackingFn     func(ctx context.Context, query services.OrderQuery) (services.OrderTracking, error)
	itemTrackingFn func(ctx context.Context, query services.OrderQuery, itemID string) (services.ItemTracking, error)
}

func (s *stubQueries) GetOrder(ctx context.Context, query services.OrderQuery) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, query)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubQueries) GetOrderByNumber(ctx context.Context, orderNumber, userID string) (services.Order, error) {
	if s.getByNumberFn != nil {
		return s.getByNumberFn(ctx, orderNumber, userID)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubQueries) ListOrders(ctx context.Context, userID string, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubQueries) GetTracking(ctx context.Context, query services.OrderQuery) (services.OrderTracking, error) {
	if s.trackingFn != nil {
		return s.trackingFn(ctx, query)
	}
	return services.OrderTracking{}, services.ErrOrderNotFound
}

func (s *stubQueries) GetItemTracking(ctx context.Context, query services.OrderQuery, itemID string) (services.ItemTracking, error) {
	if s.itemTrackingFn != nil {
		return s.itemTrackingFn(ctx, query, itemID)
	}
	return services.ItemTracking{}, services.ErrItemNotFound
}

type stubTracker struct {
	updateFn func(ctx context.Context, cmd services.UpdateStatusCommand) (services.UpdateStatusResult, error)
}

func (s *stubTracker) UpdateStatus(ctx context.Context, cmd services.UpdateStatusCommand) (services.UpdateStatusResult, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return services.UpdateStatusResult{}, nil
}

func customerIdentity() *auth.Identity {
	return &auth.Identity{UserID: "usr_42", MemberID: "mem_7", Roles: []string{auth.RoleCustomer}}
}

// withIdentity stands in for the authentication middleware.
func withIdentity(identity *auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newOrderRouter(identity *auth.Identity, h *OrderHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(withIdentity(identity))
	r.Route("/orders", h.Routes)
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]any](t, rr)
	code, _ := body["error"].(string)
	return code
}
