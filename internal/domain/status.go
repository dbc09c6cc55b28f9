package domain

import "strings"

// OrderStatus enumerates the order and order-item lifecycle states.
type OrderStatus string

const (
	// OrderStatusCreated is the initial state written by order creation.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusAwaitingPaymentConfirmation is a valid intermediate state between creation and confirmation.
	OrderStatusAwaitingPaymentConfirmation OrderStatus = "awaiting_payment_confirmation"
	// OrderStatusPaymentFailed marks an order whose payment attempt failed.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusConfirmed marks an order whose payment the gateway has captured.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusScheduled indicates a sample collection visit has been scheduled.
	OrderStatusScheduled OrderStatus = "scheduled"
	// OrderStatusScheduleConfirmedByLab indicates the lab accepted the schedule.
	OrderStatusScheduleConfirmedByLab OrderStatus = "schedule_confirmed_by_lab"
	// OrderStatusSampleCollected indicates the technician collected the sample.
	OrderStatusSampleCollected OrderStatus = "sample_collected"
	// OrderStatusSampleReceivedByLab indicates the sample arrived at the lab.
	OrderStatusSampleReceivedByLab OrderStatus = "sample_received_by_lab"
	// OrderStatusTestingInProgress indicates the lab is processing the sample.
	OrderStatusTestingInProgress OrderStatus = "testing_in_progress"
	// OrderStatusReportReady indicates the report is available.
	OrderStatusReportReady OrderStatus = "report_ready"
)

// PaymentStatus enumerates payment states for an order.
type PaymentStatus string

const (
	// PaymentStatusNotInitiated is the state before any payment signal has been received.
	PaymentStatusNotInitiated PaymentStatus = "not_initiated"
	// PaymentStatusSuccess is the provisional state asserted by client-side verification.
	PaymentStatusSuccess PaymentStatus = "success"
	// PaymentStatusVerified is the gateway-asserted state; no transition leaves it.
	PaymentStatusVerified PaymentStatus = "verified"
	// PaymentStatusFailed marks a failed payment.
	PaymentStatusFailed PaymentStatus = "failed"
)

// FulfillmentSequence lists the post-payment statuses in their only legal order.
var FulfillmentSequence = []OrderStatus{
	OrderStatusConfirmed,
	OrderStatusScheduled,
	OrderStatusScheduleConfirmedByLab,
	OrderStatusSampleCollected,
	OrderStatusSampleReceivedByLab,
	OrderStatusTestingInProgress,
	OrderStatusReportReady,
}

var fulfillmentRank = func() map[OrderStatus]int {
	ranks := make(map[OrderStatus]int, len(FulfillmentSequence))
	for i, status := range FulfillmentSequence {
		ranks[status] = i
	}
	return ranks
}()

var nextFulfillmentStatus = map[OrderStatus]OrderStatus{
	OrderStatusConfirmed:              OrderStatusScheduled,
	OrderStatusScheduled:              OrderStatusScheduleConfirmedByLab,
	OrderStatusScheduleConfirmedByLab: OrderStatusSampleCollected,
	OrderStatusSampleCollected:        OrderStatusSampleReceivedByLab,
	OrderStatusSampleReceivedByLab:    OrderStatusTestingInProgress,
	OrderStatusTestingInProgress:      OrderStatusReportReady,
}

var paymentPhaseTransitions = map[OrderStatus]map[OrderStatus]struct{}{
	OrderStatusCreated: {
		OrderStatusAwaitingPaymentConfirmation: {},
		OrderStatusConfirmed:                   {},
		OrderStatusPaymentFailed:               {},
	},
	OrderStatusAwaitingPaymentConfirmation: {
		OrderStatusConfirmed:     {},
		OrderStatusPaymentFailed: {},
	},
	// A later attempt on the same gateway order can still be captured.
	OrderStatusPaymentFailed: {
		OrderStatusConfirmed: {},
	},
}

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentStatusNotInitiated: {
		PaymentStatusSuccess:  {},
		PaymentStatusVerified: {},
		PaymentStatusFailed:   {},
	},
	PaymentStatusSuccess: {
		PaymentStatusVerified: {},
		PaymentStatusFailed:   {},
	},
	PaymentStatusFailed: {
		PaymentStatusVerified: {},
	},
	PaymentStatusVerified: {},
}

var knownOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusCreated:                     {},
	OrderStatusAwaitingPaymentConfirmation: {},
	OrderStatusPaymentFailed:               {},
	OrderStatusConfirmed:                   {},
	OrderStatusScheduled:                   {},
	OrderStatusScheduleConfirmedByLab:      {},
	OrderStatusSampleCollected:             {},
	OrderStatusSampleReceivedByLab:         {},
	OrderStatusTestingInProgress:           {},
	OrderStatusReportReady:                 {},
}

// ParseOrderStatus normalises the input and reports whether it names a known status.
func ParseOrderStatus(value string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := knownOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}

// ParsePaymentStatus normalises the input and reports whether it names a known payment status.
func ParsePaymentStatus(value string) (PaymentStatus, bool) {
	status := PaymentStatus(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := paymentTransitions[status]; !ok {
		return "", false
	}
	return status, true
}

// IsFulfillment reports whether the status belongs to the post-payment sequence.
func (s OrderStatus) IsFulfillment() bool {
	_, ok := fulfillmentRank[s]
	return ok
}

// IsConfirmedOrLater reports whether payment has been confirmed for an order in this status.
func (s OrderStatus) IsConfirmedOrLater() bool {
	return s.IsFulfillment()
}

// FulfillmentRank returns the position of the status in FulfillmentSequence.
func (s OrderStatus) FulfillmentRank() (int, bool) {
	rank, ok := fulfillmentRank[s]
	return rank, ok
}

// NextFulfillmentStatus returns the single legal successor of s in the fulfillment sequence.
func NextFulfillmentStatus(s OrderStatus) (OrderStatus, bool) {
	next, ok := nextFulfillmentStatus[s]
	return next, ok
}

// CanAdvanceFulfillment reports whether to is the immediate successor of from.
func CanAdvanceFulfillment(from, to OrderStatus) bool {
	next, ok := nextFulfillmentStatus[from]
	return ok && next == to
}

// CanTransitionOrder reports whether the order-level status may move from one state to another.
func CanTransitionOrder(from, to OrderStatus) bool {
	if allowed, ok := paymentPhaseTransitions[from]; ok {
		_, ok = allowed[to]
		return ok
	}
	return CanAdvanceFulfillment(from, to)
}

// CanTransitionPayment reports whether the payment lattice allows from -> to.
func CanTransitionPayment(from, to PaymentStatus) bool {
	allowed, ok := paymentTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// DeriveOrderStatus summarises item statuses as the least-progressed fulfillment status.
// Items outside the fulfillment sequence leave the current status untouched.
func DeriveOrderStatus(current OrderStatus, items []OrderItem) OrderStatus {
	if len(items) == 0 {
		return current
	}
	derived := OrderStatus("")
	minRank := len(FulfillmentSequence)
	for _, item := range items {
		rank, ok := fulfillmentRank[item.OrderStatus]
		if !ok {
			return current
		}
		if rank < minRank {
			minRank = rank
			derived = item.OrderStatus
		}
	}
	if derived == "" {
		return current
	}
	return derived
}

// RequiresTechnician reports whether a status normally carries technician details.
func RequiresTechnician(s OrderStatus) bool {
	switch s {
	case OrderStatusScheduled, OrderStatusScheduleConfirmedByLab, OrderStatusSampleCollected:
		return true
	default:
		return false
	}
}
