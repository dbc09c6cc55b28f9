package services

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/payments"
	"github.com/nucleotide-health/orders/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	Order                = domain.Order
	OrderItem            = domain.OrderItem
	OrderStatus          = domain.OrderStatus
	PaymentStatus        = domain.PaymentStatus
	StatusHistoryEntry   = domain.StatusHistoryEntry
	CartSnapshot         = domain.CartSnapshot
	CartLine             = domain.CartLine
	SchedulingDetails    = domain.SchedulingDetails
	OrderTracking        = domain.OrderTracking
	AddressGroupTracking = domain.AddressGroupTracking
	ItemTracking         = domain.ItemTracking
	SystemHealthReport   = domain.SystemHealthReport
)

// CartSnapshotReader reads the caller's priced cart and validates it can become an order.
type CartSnapshotReader interface {
	ReadSnapshot(ctx context.Context, userID string) (CartSnapshot, error)
}

// OrderFactory turns a validated cart snapshot into a persisted order with an open gateway transaction.
type OrderFactory interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
}

// PaymentReconciler applies client-side verification and gateway webhooks to the payment lattice.
type PaymentReconciler interface {
	VerifyClientPayment(ctx context.Context, cmd VerifyClientPaymentCommand) (PaymentResult, error)
	ApplyWebhookEvent(ctx context.Context, cmd PaymentWebhookCommand) (WebhookResult, error)
}

// FulfillmentStatusTracker advances post-payment statuses for an order, an address group or one item.
type FulfillmentStatusTracker interface {
	UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (UpdateStatusResult, error)
}

// StatusHistoryLedger is the append-only audit trail of status transitions.
type StatusHistoryLedger interface {
	Append(ctx context.Context, entries ...StatusHistoryEntry) ([]StatusHistoryEntry, error)
	// ListFor returns the order's entries newest first.
	ListFor(ctx context.Context, orderID string) ([]StatusHistoryEntry, error)
}

// OrderQueryService assembles read views over orders, items and history.
type OrderQueryService interface {
	GetOrder(ctx context.Context, query OrderQuery) (Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string, userID string) (Order, error)
	ListOrders(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[Order], error)
	GetTracking(ctx context.Context, query OrderQuery) (OrderTracking, error)
	GetItemTracking(ctx context.Context, query OrderQuery, itemID string) (ItemTracking, error)
}

// SystemService exposes health information for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentGateways resolves gateway adapters by name; the empty name selects the default.
type PaymentGateways interface {
	Provider(name string) (payments.Provider, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

type CreateOrderCommand struct {
	UserID          string
	PlacingMemberID string
	Cart            CartSnapshot
	// Provider selects the gateway; empty uses the default.
	Provider       string
	IdempotencyKey string
}

type CreateOrderResult struct {
	Order           Order
	GatewayOrderRef string
	Amount          decimal.Decimal
	AmountMinor     int64
	Currency        string
	Provider        string
	PublicKey       string
	ClientSecret    string
}

type VerifyClientPaymentCommand struct {
	OrderID           string
	UserID            string
	GatewayOrderRef   string
	GatewayPaymentRef string
	Signature         string
}

type PaymentResult struct {
	OrderID       string
	OrderStatus   OrderStatus
	PaymentStatus PaymentStatus
	// Changed is false when the call was an idempotent no-op.
	Changed bool
}

type PaymentWebhookCommand struct {
	Provider string
	Payload  []byte
	Headers  http.Header
}

type WebhookResult struct {
	EventID       string
	EventType     string
	OrderID       string
	Outcome       domain.WebhookOutcome
	OrderStatus   OrderStatus
	PaymentStatus PaymentStatus
}

// SchedulingUpdate carries optional scheduling fields; nil leaves the stored value to the clearing rule.
type SchedulingUpdate struct {
	ScheduledDate     *time.Time
	TechnicianName    *string
	TechnicianContact *string
	LabName           *string
}

type UpdateStatusCommand struct {
	OrderID    string
	NewStatus  OrderStatus
	Notes      string
	ItemID     string
	AddressID  string
	Scheduling SchedulingUpdate
	ActorID    string
}

type UpdateStatusResult struct {
	OrderID        string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	UpdatedItems   []OrderItem
}

type OrderQuery struct {
	OrderID string
	// UserID restricts the lookup to orders owned by the user; empty skips the ownership check.
	UserID string
}
