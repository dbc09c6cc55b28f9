package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps paginated results with the cursor for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Order captures one purchase transaction together with its payment state.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	PlacingMemberID string
	Currency        string

	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	CouponCode     string
	CouponDiscount decimal.Decimal
	DeliveryCharge decimal.Decimal
	TotalAmount    decimal.Decimal

	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus
	Payment       PaymentState

	StatusUpdatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Items []OrderItem
}

// PaymentState groups the gateway identifiers that back Order.PaymentStatus.
type PaymentState struct {
	Provider          string
	GatewayOrderRef   string
	GatewayPaymentRef string
	GatewaySignature  string
	Method            string
	PaidAt            *time.Time
}

// IsPaymentConfirmed reports whether the gateway has asserted capture for the order.
func (o Order) IsPaymentConfirmed() bool {
	return o.PaymentStatus == PaymentStatusVerified || o.OrderStatus.IsConfirmedOrLater()
}

// TotalsConsistent reports whether the stored total equals subtotal + delivery - coupon - discount.
func (o Order) TotalsConsistent() bool {
	return o.TotalAmount.Equal(ComputeTotal(o.Subtotal, o.DeliveryCharge, o.CouponDiscount, o.Discount))
}

// ComputeTotal applies the order total formula.
func ComputeTotal(subtotal, delivery, couponDiscount, discount decimal.Decimal) decimal.Decimal {
	return subtotal.Add(delivery).Sub(couponDiscount).Sub(discount)
}

// OrderItem is one (product, member, address, quantity) line within an order.
type OrderItem struct {
	ID              string
	OrderID         string
	ProductID       string
	MemberID        string
	AddressID       string
	GroupID         string
	Quantity        int
	UnitPrice       decimal.Decimal
	TotalPrice      decimal.Decimal
	OrderStatus     OrderStatus
	StatusUpdatedAt time.Time
	Scheduling      SchedulingDetails
	CreatedAt       time.Time
}

// SchedulingDetails holds technician and lab metadata captured alongside fulfillment transitions.
type SchedulingDetails struct {
	ScheduledDate     *time.Time
	TechnicianName    string
	TechnicianContact string
	LabName           string
}

// IsZero reports whether no scheduling field has been populated.
func (s SchedulingDetails) IsZero() bool {
	return s.ScheduledDate == nil && s.TechnicianName == "" && s.TechnicianContact == "" && s.LabName == ""
}

// StatusHistoryEntry is an immutable audit row for a single status change.
type StatusHistoryEntry struct {
	ID             string
	OrderID        string
	OrderItemID    string
	Status         OrderStatus
	PreviousStatus OrderStatus // empty on the creation entry
	PaymentStatus  PaymentStatus
	Notes          string
	ChangedBy      string
	CreatedAt      time.Time
}

// IsOrderLevel reports whether the entry applies to the order rather than a single item.
func (e StatusHistoryEntry) IsOrderLevel() bool {
	return e.OrderItemID == ""
}

// CartSnapshot is the point-in-time view of a user's cart consumed by order creation.
type CartSnapshot struct {
	UserID         string
	Lines          []CartLine
	CouponCode     string
	CouponDiscount decimal.Decimal
}

// CartLine is a single cart row for one member and address.
type CartLine struct {
	CartItemID   string
	ProductID    string
	MemberID     string
	AddressID    string
	GroupID      string
	Quantity     int
	UnitPrice    decimal.Decimal
	SpecialPrice *decimal.Decimal
}

// EffectivePrice returns the special price when present, otherwise the unit price.
func (l CartLine) EffectivePrice() decimal.Decimal {
	if l.SpecialPrice != nil {
		return *l.SpecialPrice
	}
	return l.UnitPrice
}

// PaymentEventType enumerates gateway webhook events that affect order state.
type PaymentEventType string

const (
	// PaymentEventCaptured reports a captured payment.
	PaymentEventCaptured PaymentEventType = "payment.captured"
	// PaymentEventFailed reports a failed payment attempt.
	PaymentEventFailed PaymentEventType = "payment.failed"
	// PaymentEventOrderPaid reports that the gateway order has been fully paid.
	PaymentEventOrderPaid PaymentEventType = "order.paid"
)

// IsSuccess reports whether the event asserts that money moved.
func (t PaymentEventType) IsSuccess() bool {
	return t == PaymentEventCaptured || t == PaymentEventOrderPaid
}

// IsFailure reports whether the event reports a failed attempt.
func (t PaymentEventType) IsFailure() bool {
	return t == PaymentEventFailed
}

// PaymentEvent is a normalised gateway webhook event.
type PaymentEvent struct {
	ID                string
	Type              PaymentEventType
	GatewayOrderRef   string
	GatewayPaymentRef string
	Method            string
	ErrorReason       string
	OccurredAt        time.Time
}

// WebhookOutcome records what the reconciler did with a delivery.
type WebhookOutcome string

const (
	WebhookOutcomeApplied        WebhookOutcome = "applied"
	WebhookOutcomeDuplicate      WebhookOutcome = "duplicate"
	WebhookOutcomeIgnored        WebhookOutcome = "ignored"
	WebhookOutcomeUnknownOrder   WebhookOutcome = "unknown_order"
	WebhookOutcomeProcessingFail WebhookOutcome = "failed"
)

// WebhookDelivery is the persisted log row for a signed gateway delivery.
type WebhookDelivery struct {
	EventID         string
	EventType       string
	GatewayOrderRef string
	OrderID         string
	Payload         []byte
	SignatureValid  bool
	Outcome         WebhookOutcome
	ProcessingError string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// OrderTracking is the read view of an order's progress.
type OrderTracking struct {
	OrderID       string
	OrderNumber   string
	CurrentStatus OrderStatus
	PaymentStatus PaymentStatus
	History       []StatusHistoryEntry
	AddressGroups []AddressGroupTracking
}

// AddressGroupTracking is the derived view of the items delivered to one address.
type AddressGroupTracking struct {
	AddressID     string
	CurrentStatus OrderStatus
	Items         []OrderItem
	History       []StatusHistoryEntry
}

// ItemTracking is the view of a single order item and its history.
type ItemTracking struct {
	OrderID       string
	OrderNumber   string
	Item          OrderItem
	CurrentStatus OrderStatus
	History       []StatusHistoryEntry
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency responded with an error.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency timed out or the probe was cancelled.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for readiness endpoints.
type SystemHealthReport struct {
	Status      string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
