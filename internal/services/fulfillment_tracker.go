package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/platform/textutil"
	"github.com/nucleotide-health/orders/internal/repositories"
)

// FulfillmentStatusTrackerDeps bundles collaborators required to construct the tracker.
type FulfillmentStatusTrackerDeps struct {
	Orders     repositories.OrderRepository
	Items      repositories.OrderItemRepository
	Ledger     StatusHistoryLedger
	UnitOfWork repositories.UnitOfWork
	Events     OrderEventPublisher
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentStatusTracker struct {
	orders     repositories.OrderRepository
	items      repositories.OrderItemRepository
	ledger     StatusHistoryLedger
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	clock      func() time.Time
	logger     logFunc
}

var _ FulfillmentStatusTracker = (*fulfillmentStatusTracker)(nil)

// NewFulfillmentStatusTracker wires dependencies into a concrete FulfillmentStatusTracker.
func NewFulfillmentStatusTracker(deps FulfillmentStatusTrackerDeps) (FulfillmentStatusTracker, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("fulfillment tracker: order repository is required")
	case deps.Items == nil:
		return nil, errors.New("fulfillment tracker: order item repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("fulfillment tracker: status history ledger is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	return &fulfillmentStatusTracker{
		orders:     deps.Orders,
		items:      deps.Items,
		ledger:     deps.Ledger,
		unitOfWork: unit,
		events:     deps.Events,
		clock:      defaultClock(deps.Clock),
		logger:     defaultLogger(deps.Logger),
	}, nil
}

func (t *fulfillmentStatusTracker) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (UpdateStatusResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return UpdateStatusResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(string(cmd.NewStatus))
	if !ok {
		return UpdateStatusResult{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.NewStatus)
	}
	itemID := strings.TrimSpace(cmd.ItemID)
	addressID := strings.TrimSpace(cmd.AddressID)
	if itemID != "" && addressID != "" {
		return UpdateStatusResult{}, ErrInvalidSelector
	}
	if !target.IsFulfillment() || target == domain.OrderStatusConfirmed {
		return UpdateStatusResult{}, fmt.Errorf("%w: %s is not a fulfillment step", ErrInvalidTransition, target)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = changedBySystemIdentifier
	}
	notes := textutil.SanitizeNotes(cmd.Notes)
	now := t.clock()
	wholeOrder := itemID == "" && addressID == ""

	var (
		result UpdateStatusResult
		order  Order
	)
	err := t.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := t.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		order = locked
		if order.PaymentStatus != domain.PaymentStatusVerified {
			return fmt.Errorf("%w: order %s payment is %s", ErrPaymentNotVerified, order.ID, order.PaymentStatus)
		}

		items, err := t.items.ListByOrder(txCtx, order.ID)
		if err != nil {
			return mapRepositoryError(err)
		}
		targets, err := selectItems(items, itemID, addressID)
		if err != nil {
			return err
		}
		for _, idx := range targets {
			if !domain.CanAdvanceFulfillment(items[idx].OrderStatus, target) {
				return fmt.Errorf("%w: item %s %s -> %s", ErrInvalidTransition, items[idx].ID, items[idx].OrderStatus, target)
			}
		}

		updated := make([]OrderItem, 0, len(targets))
		entries := make([]StatusHistoryEntry, 0, len(targets)+1)
		for _, idx := range targets {
			item := items[idx]
			entries = append(entries, StatusHistoryEntry{
				OrderID:        order.ID,
				OrderItemID:    item.ID,
				Status:         target,
				PreviousStatus: item.OrderStatus,
				PaymentStatus:  order.PaymentStatus,
				Notes:          notes,
				ChangedBy:      actor,
				CreatedAt:      now,
			})
			item.OrderStatus = target
			item.StatusUpdatedAt = now
			item.Scheduling = applyScheduling(item.Scheduling, cmd.Scheduling, target)
			items[idx] = item
			updated = append(updated, item)
		}
		if err := t.items.UpdateStatuses(txCtx, updated); err != nil {
			return mapRepositoryError(err)
		}

		previous := order.OrderStatus
		derived := domain.DeriveOrderStatus(previous, items)
		if wholeOrder {
			entries = append(entries, StatusHistoryEntry{
				OrderID:        order.ID,
				Status:         target,
				PreviousStatus: previous,
				PaymentStatus:  order.PaymentStatus,
				Notes:          notes,
				ChangedBy:      actor,
				CreatedAt:      now,
			})
		}
		if _, err := t.ledger.Append(txCtx, entries...); err != nil {
			return err
		}
		if derived != previous {
			if err := t.orders.UpdateStatus(txCtx, order.ID, derived, now); err != nil {
				return mapRepositoryError(err)
			}
			order.OrderStatus = derived
			order.StatusUpdatedAt = now
		}

		result = UpdateStatusResult{
			OrderID:        order.ID,
			PreviousStatus: previous,
			CurrentStatus:  order.OrderStatus,
			UpdatedItems:   updated,
		}
		return nil
	})
	if err != nil {
		return UpdateStatusResult{}, err
	}

	t.logger(ctx, "order.fulfillment.updated", map[string]any{
		"orderId":   result.OrderID,
		"status":    string(target),
		"items":     len(result.UpdatedItems),
		"addressId": addressID,
		"itemId":    itemID,
		"actor":     actor,
	})

	publishEvent(ctx, t.events, t.logger, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(result.PreviousStatus),
		CurrentStatus:  string(result.CurrentStatus),
		PaymentStatus:  string(order.PaymentStatus),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata: map[string]any{
			"itemStatus": string(target),
			"itemIds":    itemIDs(result.UpdatedItems),
			"addressId":  addressID,
		},
	})

	return result, nil
}

// selectItems resolves the selector to item indexes: all items, one item, or one address group.
func selectItems(items []OrderItem, itemID, addressID string) ([]int, error) {
	var targets []int
	switch {
	case itemID != "":
		for i, item := range items {
			if item.ID == itemID {
				targets = append(targets, i)
				break
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: item %s", ErrItemNotFound, itemID)
		}
	case addressID != "":
		for i, item := range items {
			if item.AddressID == addressID {
				targets = append(targets, i)
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: no items for address %s", ErrItemNotFound, addressID)
		}
	default:
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: order has no items", ErrItemNotFound)
		}
		for i := range items {
			targets = append(targets, i)
		}
	}
	return targets, nil
}

// applyScheduling merges supplied scheduling fields. Technician details and the scheduled date are
// cleared for statuses that do not involve a technician unless supplied; the lab name is kept.
func applyScheduling(current SchedulingDetails, update SchedulingUpdate, status OrderStatus) SchedulingDetails {
	next := current
	if !domain.RequiresTechnician(status) {
		next.TechnicianName = ""
		next.TechnicianContact = ""
		next.ScheduledDate = nil
	}
	if update.ScheduledDate != nil {
		date := update.ScheduledDate.UTC()
		next.ScheduledDate = &date
	}
	if update.TechnicianName != nil {
		next.TechnicianName = strings.TrimSpace(*update.TechnicianName)
	}
	if update.TechnicianContact != nil {
		next.TechnicianContact = strings.TrimSpace(*update.TechnicianContact)
	}
	if update.LabName != nil {
		next.LabName = strings.TrimSpace(*update.LabName)
	}
	return next
}

func itemIDs(items []OrderItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
