package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanAdvanceFulfillmentOnlyAllowsImmediateSuccessor(t *testing.T) {
	for i, from := range FulfillmentSequence {
		for j, to := range FulfillmentSequence {
			got := CanAdvanceFulfillment(from, to)
			want := j == i+1
			if got != want {
				t.Fatalf("CanAdvanceFulfillment(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanAdvanceFulfillmentRejectsPaymentPhaseStatuses(t *testing.T) {
	paymentPhase := []OrderStatus{OrderStatusCreated, OrderStatusAwaitingPaymentConfirmation, OrderStatusPaymentFailed}
	for _, from := range paymentPhase {
		for _, to := range FulfillmentSequence {
			if CanAdvanceFulfillment(from, to) {
				t.Fatalf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
	if _, ok := NextFulfillmentStatus(OrderStatusReportReady); ok {
		t.Fatalf("report_ready must not have a successor")
	}
}

func TestCanTransitionOrderConfirmedIsSinkForPaymentPhase(t *testing.T) {
	for _, to := range []OrderStatus{OrderStatusCreated, OrderStatusAwaitingPaymentConfirmation, OrderStatusPaymentFailed} {
		if CanTransitionOrder(OrderStatusConfirmed, to) {
			t.Fatalf("confirmed must not move back to %s", to)
		}
	}
	if !CanTransitionOrder(OrderStatusCreated, OrderStatusAwaitingPaymentConfirmation) {
		t.Fatalf("expected created -> awaiting_payment_confirmation to be valid")
	}
	if !CanTransitionOrder(OrderStatusAwaitingPaymentConfirmation, OrderStatusConfirmed) {
		t.Fatalf("expected awaiting_payment_confirmation -> confirmed to be valid")
	}
	if !CanTransitionOrder(OrderStatusConfirmed, OrderStatusScheduled) {
		t.Fatalf("expected confirmed -> scheduled to be valid")
	}
}

func TestCanTransitionPaymentVerifiedIsSink(t *testing.T) {
	for _, to := range []PaymentStatus{PaymentStatusNotInitiated, PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusVerified} {
		if CanTransitionPayment(PaymentStatusVerified, to) {
			t.Fatalf("verified must not transition to %s", to)
		}
	}
	if CanTransitionPayment(PaymentStatusFailed, PaymentStatusSuccess) {
		t.Fatalf("client success must not resurrect a failed payment")
	}
	if !CanTransitionPayment(PaymentStatusSuccess, PaymentStatusVerified) {
		t.Fatalf("expected success -> verified")
	}
}

func TestDeriveOrderStatus(t *testing.T) {
	tests := []struct {
		name    string
		current OrderStatus
		items   []OrderStatus
		want    OrderStatus
	}{
		{name: "all equal", current: OrderStatusConfirmed, items: []OrderStatus{OrderStatusScheduled, OrderStatusScheduled}, want: OrderStatusScheduled},
		{name: "divergent takes least progressed", current: OrderStatusScheduled, items: []OrderStatus{OrderStatusTestingInProgress, OrderStatusScheduled}, want: OrderStatusScheduled},
		{name: "single lagging item", current: OrderStatusConfirmed, items: []OrderStatus{OrderStatusConfirmed, OrderStatusScheduled}, want: OrderStatusConfirmed},
		{name: "payment phase item keeps current", current: OrderStatusCreated, items: []OrderStatus{OrderStatusCreated}, want: OrderStatusCreated},
		{name: "no items", current: OrderStatusConfirmed, want: OrderStatusConfirmed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			items := make([]OrderItem, 0, len(tc.items))
			for _, status := range tc.items {
				items = append(items, OrderItem{OrderStatus: status})
			}
			if got := DeriveOrderStatus(tc.current, items); got != tc.want {
				t.Fatalf("DeriveOrderStatus() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, ok := ParseOrderStatus("  SAMPLE_COLLECTED ")
	if !ok || status != OrderStatusSampleCollected {
		t.Fatalf("expected sample_collected, got %q (ok=%v)", status, ok)
	}
	if _, ok := ParseOrderStatus("shipped"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestComputeTotal(t *testing.T) {
	order := Order{
		Subtotal:       decimal.RequireFromString("16000"),
		DeliveryCharge: decimal.RequireFromString("50"),
		CouponDiscount: decimal.RequireFromString("500.50"),
		Discount:       decimal.RequireFromString("1000"),
	}
	order.TotalAmount = ComputeTotal(order.Subtotal, order.DeliveryCharge, order.CouponDiscount, order.Discount)
	if !order.TotalAmount.Equal(decimal.RequireFromString("14549.50")) {
		t.Fatalf("unexpected total %s", order.TotalAmount)
	}
	if !order.TotalsConsistent() {
		t.Fatalf("expected totals to be consistent")
	}
}
