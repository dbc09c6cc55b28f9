package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
)

func seedVerifiedOrder(h *testHarness, id string, statuses ...domain.OrderStatus) domain.Order {
	items := make([]domain.OrderItem, 0, len(statuses))
	for i, status := range statuses {
		items = append(items, domain.OrderItem{
			ID:          fmt.Sprintf("itm_%s_%d", id, i),
			OrderID:     id,
			ProductID:   "prd_dna",
			MemberID:    fmt.Sprintf("mem_%d", i),
			AddressID:   fmt.Sprintf("addr_%d", i),
			Quantity:    1,
			OrderStatus: status,
		})
	}
	order := domain.Order{
		ID:            id,
		OrderNumber:   "ORD-2025-" + id,
		UserID:        "usr_1",
		PaymentStatus: domain.PaymentStatusVerified,
		OrderStatus:   domain.DeriveOrderStatus(domain.OrderStatusConfirmed, items),
		Payment:       domain.PaymentState{Provider: "testpay", GatewayOrderRef: "gw_" + id},
		Items:         items,
	}
	h.store.putOrder(order)
	return order
}

func TestFulfillmentStatusTrackerWholeOrderAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.createOrder(t,
		line("prd_dna", "mem_1", "addr_1", 16000),
		line("prd_dna", "mem_2", "addr_2", 16000),
	)
	h.confirm(t, created)

	technician := "Asha"
	contact := "+91-90000-00000"
	date := time.Date(2025, time.May, 3, 8, 0, 0, 0, time.FixedZone("IST", 19800))
	res, err := h.tracker.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   created.Order.ID,
		NewStatus: domain.OrderStatusScheduled,
		Notes:     "<b>morning</b> slot",
		Scheduling: SchedulingUpdate{
			ScheduledDate:     &date,
			TechnicianName:    &technician,
			TechnicianContact: &contact,
		},
		ActorID: "admin:ops",
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if res.PreviousStatus != domain.OrderStatusConfirmed || res.CurrentStatus != domain.OrderStatusScheduled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.UpdatedItems) != 2 {
		t.Fatalf("expected both items updated, got %d", len(res.UpdatedItems))
	}

	for _, item := range h.store.orderItems(created.Order.ID) {
		if item.OrderStatus != domain.OrderStatusScheduled {
			t.Fatalf("item %s not scheduled: %s", item.ID, item.OrderStatus)
		}
		if item.Scheduling.TechnicianName != technician || item.Scheduling.ScheduledDate == nil {
			t.Fatalf("scheduling not stored: %+v", item.Scheduling)
		}
		if item.Scheduling.ScheduledDate.Location() != time.UTC {
			t.Fatalf("scheduled date must be stored in UTC")
		}
	}
	if got := h.store.order(created.Order.ID).OrderStatus; got != domain.OrderStatusScheduled {
		t.Fatalf("order status not derived: %s", got)
	}

	if got := h.store.countHistory(created.Order.ID, domain.OrderStatusScheduled, false); got != 2 {
		t.Fatalf("expected two item entries, got %d", got)
	}
	if got := h.store.countHistory(created.Order.ID, domain.OrderStatusScheduled, true); got != 1 {
		t.Fatalf("expected one order-level entry, got %d", got)
	}
	for _, entry := range h.store.historyFor(created.Order.ID) {
		if entry.Status == domain.OrderStatusScheduled && (entry.Notes != "morning slot" || entry.ChangedBy != "admin:ops") {
			t.Fatalf("unexpected entry: %+v", entry)
		}
	}

	types := h.events.types()
	if types[len(types)-1] != orderEventStatusChanged {
		t.Fatalf("expected status_changed event, got %v", types)
	}
}

func TestFulfillmentStatusTrackerRejectsSkippedStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.createOrder(t)
	h.confirm(t, created)
	before := len(h.store.historyFor(created.Order.ID))

	_, err := h.tracker.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   created.Order.ID,
		NewStatus: domain.OrderStatusSampleCollected,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := h.store.order(created.Order.ID).OrderStatus; got != domain.OrderStatusConfirmed {
		t.Fatalf("order changed after rejected transition: %s", got)
	}
	if after := len(h.store.historyFor(created.Order.ID)); after != before {
		t.Fatalf("rejected transition wrote %d history entries", after-before)
	}
}

func TestFulfillmentStatusTrackerRequiresVerifiedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.createOrder(t)
	if _, err := h.verifyClient(ctx, created, "pay_1"); err != nil {
		t.Fatalf("VerifyClientPayment: %v", err)
	}

	_, err := h.tracker.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   created.Order.ID,
		NewStatus: domain.OrderStatusScheduled,
	})
	if !errors.Is(err, ErrPaymentNotVerified) {
		t.Fatalf("expected ErrPaymentNotVerified for a client-only success, got %v", err)
	}
}

func TestFulfillmentStatusTrackerValidation(t *testing.T) {
	h := newHarness(t)
	order := seedVerifiedOrder(h, "ord_v", domain.OrderStatusConfirmed)

	tests := []struct {
		name string
		cmd  UpdateStatusCommand
		want error
	}{
		{name: "missing order", cmd: UpdateStatusCommand{NewStatus: domain.OrderStatusScheduled}, want: ErrOrderInvalidInput},
		{name: "unknown status", cmd: UpdateStatusCommand{OrderID: order.ID, NewStatus: "shipped"}, want: ErrOrderInvalidInput},
		{name: "payment phase target", cmd: UpdateStatusCommand{OrderID: order.ID, NewStatus: domain.OrderStatusPaymentFailed}, want: ErrInvalidTransition},
		{name: "confirmed target", cmd: UpdateStatusCommand{OrderID: order.ID, NewStatus: domain.OrderStatusConfirmed}, want: ErrInvalidTransition},
		{
			name: "both selectors",
			cmd:  UpdateStatusCommand{OrderID: order.ID, NewStatus: domain.OrderStatusScheduled, ItemID: order.Items[0].ID, AddressID: "addr_0"},
			want: ErrInvalidSelector,
		},
		{name: "unknown item", cmd: UpdateStatusCommand{OrderID: order.ID, NewStatus: domain.OrderStatusScheduled, ItemID: "itm_missing"}, want: ErrItemNotFound},
		{name: "unknown address", cmd: UpdateStatusCommand{OrderID: order.ID, NewStatus: domain.OrderStatusScheduled, AddressID: "addr_missing"}, want: ErrItemNotFound},
		{name: "unknown order", cmd: UpdateStatusCommand{OrderID: "ord_missing", NewStatus: domain.OrderStatusScheduled}, want: ErrOrderNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.tracker.UpdateStatus(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFulfillmentStatusTrackerForwardOnlyGrid(t *testing.T) {
	for _, from := range domain.FulfillmentSequence {
		for _, to := range domain.FulfillmentSequence[1:] {
			from, to := from, to
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				h := newHarness(t)
				order := seedVerifiedOrder(h, "ord_grid", from)

				_, err := h.tracker.UpdateStatus(context.Background(), UpdateStatusCommand{
					OrderID:   order.ID,
					NewStatus: to,
					ItemID:    order.Items[0].ID,
				})
				next, hasNext := domain.NextFulfillmentStatus(from)
				if hasNext && next == to {
					if err != nil {
						t.Fatalf("expected %s -> %s to succeed, got %v", from, to, err)
					}
					if got := h.store.orderItems(order.ID)[0].OrderStatus; got != to {
						t.Fatalf("item status = %s, want %s", got, to)
					}
					return
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected %s -> %s to be rejected, got %v", from, to, err)
				}
				if got := h.store.orderItems(order.ID)[0].OrderStatus; got != from {
					t.Fatalf("rejected transition changed item to %s", got)
				}
			})
		}
	}
}

func TestFulfillmentStatusTrackerAddressScopedDerivesMinimum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.createOrder(t,
		line("prd_dna", "mem_1", "addr_1", 16000),
		line("prd_dna", "mem_2", "addr_2", 16000),
	)
	h.confirm(t, created)

	res, err := h.tracker.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   created.Order.ID,
		NewStatus: domain.OrderStatusScheduled,
		AddressID: "addr_1",
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if res.CurrentStatus != domain.OrderStatusConfirmed {
		t.Fatalf("order status should stay at the least progressed item, got %s", res.CurrentStatus)
	}
	if got := h.store.countHistory(created.Order.ID, domain.OrderStatusScheduled, true); got != 0 {
		t.Fatalf("address-scoped update must not write order-level entries, got %d", got)
	}

	tracking, err := h.queries.GetTracking(ctx, OrderQuery{OrderID: created.Order.ID, UserID: "usr_1"})
	if err != nil {
		t.Fatalf("GetTracking: %v", err)
	}
	if len(tracking.AddressGroups) != 2 {
		t.Fatalf("expected two address groups, got %d", len(tracking.AddressGroups))
	}
	if g := tracking.AddressGroups[0]; g.AddressID != "addr_1" || g.CurrentStatus != domain.OrderStatusScheduled {
		t.Fatalf("unexpected first group: %s %s", g.AddressID, g.CurrentStatus)
	}
	if g := tracking.AddressGroups[1]; g.AddressID != "addr_2" || g.CurrentStatus != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected second group: %s %s", g.AddressID, g.CurrentStatus)
	}

	res, err = h.tracker.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   created.Order.ID,
		NewStatus: domain.OrderStatusScheduled,
		AddressID: "addr_2",
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if res.PreviousStatus != domain.OrderStatusConfirmed || res.CurrentStatus != domain.OrderStatusScheduled {
		t.Fatalf("expected order to advance once every group is scheduled, got %+v", res)
	}
}

func TestFulfillmentStatusTrackerSchedulingCarryOver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := seedVerifiedOrder(h, "ord_sched", domain.OrderStatusSampleCollected)
	date := fixedNow.Add(24 * time.Hour)
	h.store.mu.Lock()
	h.store.items[order.ID][0].Scheduling = domain.SchedulingDetails{
		ScheduledDate:     &date,
		TechnicianName:    "Asha",
		TechnicianContact: "+91-90000-00000",
		LabName:           "Central Lab",
	}
	h.store.mu.Unlock()

	if _, err := h.tracker.UpdateStatus(ctx, UpdateStatusCommand{
		OrderID:   order.ID,
		NewStatus: domain.OrderStatusSampleReceivedByLab,
	}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got := h.store.orderItems(order.ID)[0].Scheduling
	if got.TechnicianName != "" || got.TechnicianContact != "" || got.ScheduledDate != nil {
		t.Fatalf("technician details should be cleared, got %+v", got)
	}
	if got.LabName != "Central Lab" {
		t.Fatalf("lab name should be kept, got %q", got.LabName)
	}
	if status := h.store.order(order.ID).OrderStatus; status != domain.OrderStatusSampleReceivedByLab {
		t.Fatalf("order status = %s", status)
	}
}

func TestFulfillmentStatusTrackerDefaultsActorToSystem(t *testing.T) {
	h := newHarness(t)
	order := seedVerifiedOrder(h, "ord_actor", domain.OrderStatusConfirmed)

	if _, err := h.tracker.UpdateStatus(context.Background(), UpdateStatusCommand{
		OrderID:   order.ID,
		NewStatus: domain.OrderStatusScheduled,
		ItemID:    order.Items[0].ID,
	}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	for _, entry := range h.store.historyFor(order.ID) {
		if entry.ChangedBy != "system" {
			t.Fatalf("expected system actor, got %q", entry.ChangedBy)
		}
	}
}

func TestApplySchedulingKeepsTechnicianForTechnicianSteps(t *testing.T) {
	current := domain.SchedulingDetails{TechnicianName: "Asha", LabName: "Central Lab"}
	got := applyScheduling(current, SchedulingUpdate{}, domain.OrderStatusScheduleConfirmedByLab)
	if got.TechnicianName != "Asha" || got.LabName != "Central Lab" {
		t.Fatalf("unexpected scheduling: %+v", got)
	}

	lab := "  North Lab "
	got = applyScheduling(current, SchedulingUpdate{LabName: &lab}, domain.OrderStatusTestingInProgress)
	if got.TechnicianName != "" || got.LabName != "North Lab" {
		t.Fatalf("unexpected scheduling: %+v", got)
	}
}
