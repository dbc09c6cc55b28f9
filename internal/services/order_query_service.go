package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/repositories"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderQueryServiceDeps bundles collaborators required to construct the query service.
type OrderQueryServiceDeps struct {
	Orders repositories.OrderRepository
	Items  repositories.OrderItemRepository
	Ledger StatusHistoryLedger
}

type orderQueryService struct {
	orders repositories.OrderRepository
	items  repositories.OrderItemRepository
	ledger StatusHistoryLedger
}

var _ OrderQueryService = (*orderQueryService)(nil)

// NewOrderQueryService constructs the read-side order service.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order query service: order repository is required")
	case deps.Items == nil:
		return nil, errors.New("order query service: order item repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("order query service: status history ledger is required")
	}
	return &orderQueryService{orders: deps.Orders, items: deps.Items, ledger: deps.Ledger}, nil
}

func (s *orderQueryService) GetOrder(ctx context.Context, query OrderQuery) (Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return s.withItems(ctx, order, query.UserID)
}

func (s *orderQueryService) GetOrderByNumber(ctx context.Context, orderNumber string, userID string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	return s.withItems(ctx, order, userID)
}

func (s *orderQueryService) ListOrders(ctx context.Context, userID string, filter OrderListFilter) (domain.CursorPage[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	switch size := filter.Pagination.PageSize; {
	case size <= 0:
		filter.Pagination.PageSize = defaultOrderPageSize
	case size > maxOrderPageSize:
		filter.Pagination.PageSize = maxOrderPageSize
	}
	page, err := s.orders.ListByUser(ctx, userID, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderQueryService) GetTracking(ctx context.Context, query OrderQuery) (OrderTracking, error) {
	order, err := s.GetOrder(ctx, query)
	if err != nil {
		return OrderTracking{}, err
	}
	history, err := s.ledger.ListFor(ctx, order.ID)
	if err != nil {
		return OrderTracking{}, err
	}
	return buildTracking(order, history), nil
}

func (s *orderQueryService) GetItemTracking(ctx context.Context, query OrderQuery, itemID string) (ItemTracking, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ItemTracking{}, fmt.Errorf("%w: item id is required", ErrOrderInvalidInput)
	}
	order, err := s.GetOrder(ctx, query)
	if err != nil {
		return ItemTracking{}, err
	}
	var (
		item  OrderItem
		found bool
	)
	for _, candidate := range order.Items {
		if candidate.ID == itemID {
			item, found = candidate, true
			break
		}
	}
	if !found {
		return ItemTracking{}, fmt.Errorf("%w: item %s", ErrItemNotFound, itemID)
	}
	history, err := s.ledger.ListFor(ctx, order.ID)
	if err != nil {
		return ItemTracking{}, err
	}
	return ItemTracking{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Item:          item,
		CurrentStatus: item.OrderStatus,
		History:       historyForItems(history, map[string]struct{}{item.ID: {}}),
	}, nil
}

func (s *orderQueryService) withItems(ctx context.Context, order Order, userID string) (Order, error) {
	if userID = strings.TrimSpace(userID); userID != "" && order.UserID != userID {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}
	items, err := s.items.ListByOrder(ctx, order.ID)
	if err != nil {
		return Order{}, mapRepositoryError(err)
	}
	order.Items = items
	return order, nil
}

// buildTracking groups items by address in first-seen order. Each group's status is derived from
// its own items and its history slice holds the entries of those items plus order-level entries.
func buildTracking(order Order, history []StatusHistoryEntry) OrderTracking {
	tracking := OrderTracking{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		History:       history,
	}

	index := make(map[string]int)
	for _, item := range order.Items {
		pos, ok := index[item.AddressID]
		if !ok {
			pos = len(tracking.AddressGroups)
			index[item.AddressID] = pos
			tracking.AddressGroups = append(tracking.AddressGroups, AddressGroupTracking{AddressID: item.AddressID})
		}
		tracking.AddressGroups[pos].Items = append(tracking.AddressGroups[pos].Items, item)
	}

	for i := range tracking.AddressGroups {
		group := &tracking.AddressGroups[i]
		group.CurrentStatus = domain.DeriveOrderStatus(order.OrderStatus, group.Items)
		ids := make(map[string]struct{}, len(group.Items))
		for _, item := range group.Items {
			ids[item.ID] = struct{}{}
		}
		group.History = historyForItems(history, ids)
	}
	return tracking
}

// historyForItems keeps entries for the given items and order-level entries, preserving order.
func historyForItems(history []StatusHistoryEntry, itemIDs map[string]struct{}) []StatusHistoryEntry {
	filtered := make([]StatusHistoryEntry, 0, len(history))
	for _, entry := range history {
		if entry.IsOrderLevel() {
			filtered = append(filtered, entry)
			continue
		}
		if _, ok := itemIDs[entry.OrderItemID]; ok {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
