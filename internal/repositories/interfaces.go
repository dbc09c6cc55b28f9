package repositories

import (
	"context"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	OrderItems() OrderItemRepository
	StatusHistory() StatusHistoryRepository
	WebhookDeliveries() WebhookDeliveryRepository
	Carts() CartRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transaction. Repositories called with the
// context passed to fn participate in that transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	// LockByID loads the order row with a row-level lock held until the surrounding transaction ends.
	LockByID(ctx context.Context, orderID string) (domain.Order, error)
	// LockByGatewayOrderRef resolves and locks the order owning the gateway order reference.
	LockByGatewayOrderRef(ctx context.Context, gatewayOrderRef string) (domain.Order, error)
	UpdatePayment(ctx context.Context, order domain.Order) error
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error
	ListByUser(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderItemRepository persists order lines.
type OrderItemRepository interface {
	InsertMany(ctx context.Context, items []domain.OrderItem) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	UpdateStatuses(ctx context.Context, items []domain.OrderItem) error
}

// StatusHistoryRepository is the append-only status ledger.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entries ...domain.StatusHistoryEntry) error
	// ListByOrder returns entries newest first.
	ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error)
}

// WebhookDeliveryRepository records gateway webhook deliveries for diagnosis.
type WebhookDeliveryRepository interface {
	// Record inserts the delivery, returning false when an entry with the same event id exists.
	Record(ctx context.Context, delivery domain.WebhookDelivery) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, outcome domain.WebhookOutcome, orderID string, processingErr string, processedAt time.Time) error
}

// CartRepository is the cart collaborator: it reads the priced cart and clears it after payment.
type CartRepository interface {
	ReadSnapshot(ctx context.Context, userID string) (domain.CartSnapshot, error)
	// Clear removes every cart line of the user; clearing an empty cart succeeds.
	Clear(ctx context.Context, userID string) error
}

// CounterRepository allocates monotonically increasing sequence values.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository reports dependency readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Statuses   []domain.OrderStatus
	Pagination domain.Pagination
}
