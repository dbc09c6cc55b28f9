package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/payments"
	"github.com/nucleotide-health/orders/internal/repositories"
)

const (
	signalSourceClient  = "client"
	signalSourceWebhook = "webhook"

	signalOutcomeApplied  = "applied"
	signalOutcomeNoop     = "noop"
	signalOutcomeRejected = "rejected"
)

// PaymentReconcilerDeps bundles collaborators required to construct the payment reconciler.
type PaymentReconcilerDeps struct {
	Orders     repositories.OrderRepository
	Items      repositories.OrderItemRepository
	Carts      repositories.CartRepository
	Deliveries repositories.WebhookDeliveryRepository
	Ledger     StatusHistoryLedger
	Gateways   PaymentGateways
	UnitOfWork repositories.UnitOfWork
	Events     OrderEventPublisher
	Metrics    *ReconcilerMetrics
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	orders     repositories.OrderRepository
	items      repositories.OrderItemRepository
	carts      repositories.CartRepository
	deliveries repositories.WebhookDeliveryRepository
	ledger     StatusHistoryLedger
	gateways   PaymentGateways
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	metrics    *ReconcilerMetrics
	clock      func() time.Time
	logger     logFunc
}

var _ PaymentReconciler = (*paymentReconciler)(nil)

// NewPaymentReconciler wires dependencies into a concrete PaymentReconciler implementation.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("payment reconciler: order repository is required")
	case deps.Items == nil:
		return nil, errors.New("payment reconciler: order item repository is required")
	case deps.Carts == nil:
		return nil, errors.New("payment reconciler: cart repository is required")
	case deps.Deliveries == nil:
		return nil, errors.New("payment reconciler: webhook delivery repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("payment reconciler: status history ledger is required")
	case deps.Gateways == nil:
		return nil, errors.New("payment reconciler: payment gateways are required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	return &paymentReconciler{
		orders:     deps.Orders,
		items:      deps.Items,
		carts:      deps.Carts,
		deliveries: deps.Deliveries,
		ledger:     deps.Ledger,
		gateways:   deps.Gateways,
		unitOfWork: unit,
		events:     deps.Events,
		metrics:    deps.Metrics,
		clock:      defaultClock(deps.Clock),
		logger:     defaultLogger(deps.Logger),
	}, nil
}

// VerifyClientPayment records the client-side gateway confirmation. A valid signature only moves
// the payment to SUCCESS; confirmation is left to the gateway webhook.
func (r *paymentReconciler) VerifyClientPayment(ctx context.Context, cmd VerifyClientPaymentCommand) (PaymentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	gatewayOrderRef := strings.TrimSpace(cmd.GatewayOrderRef)
	paymentRef := strings.TrimSpace(cmd.GatewayPaymentRef)
	signature := strings.TrimSpace(cmd.Signature)
	switch {
	case orderID == "":
		return PaymentResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	case gatewayOrderRef == "" || paymentRef == "":
		return PaymentResult{}, fmt.Errorf("%w: gateway order and payment references are required", ErrOrderInvalidInput)
	case signature == "":
		return PaymentResult{}, fmt.Errorf("%w: signature is required", ErrOrderInvalidInput)
	}

	order, err := r.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentResult{}, mapRepositoryError(err)
	}
	if userID := strings.TrimSpace(cmd.UserID); userID != "" && order.UserID != userID {
		return PaymentResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.PaymentStatus == domain.PaymentStatusVerified {
		r.metrics.record(ctx, signalSourceClient, signalOutcomeNoop)
		return paymentResult(order, false), nil
	}
	if order.Payment.GatewayOrderRef != gatewayOrderRef {
		return PaymentResult{}, fmt.Errorf("%w: order %s", ErrGatewayReferenceMismatch, orderID)
	}

	provider, err := r.gateways.Provider(order.Payment.Provider)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	valid, err := provider.VerifyPaymentSignature(ctx, payments.ClientConfirmation{
		OrderRef:   gatewayOrderRef,
		PaymentRef: paymentRef,
		Signature:  signature,
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	now := r.clock()
	changedBy := changedByUserPrefix + order.UserID
	var (
		previous OrderStatus
		changed  bool
	)
	err = r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := r.orders.LockByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err)
		}
		previous = locked.OrderStatus
		if valid {
			changed, err = r.applyClientSuccess(txCtx, &locked, paymentRef, signature, changedBy, now)
		} else {
			changed, err = r.applyClientFailure(txCtx, &locked, changedBy, now)
		}
		order = locked
		return err
	})
	if err != nil {
		return PaymentResult{}, err
	}

	result := paymentResult(order, changed)
	if !valid {
		r.metrics.record(ctx, signalSourceClient, signalOutcomeRejected)
		r.logger(ctx, "payment.client.signature.invalid", map[string]any{
			"orderId":         order.ID,
			"gatewayOrderRef": gatewayOrderRef,
			"changed":         changed,
		})
		if changed {
			r.publishFailure(ctx, order, previous, changedBy, "client signature invalid")
		}
		return result, ErrInvalidSignature
	}

	if changed {
		r.metrics.record(ctx, signalSourceClient, signalOutcomeApplied)
	} else {
		r.metrics.record(ctx, signalSourceClient, signalOutcomeNoop)
	}
	return result, nil
}

func (r *paymentReconciler) applyClientSuccess(ctx context.Context, order *Order, paymentRef, signature, changedBy string, now time.Time) (bool, error) {
	switch {
	case order.IsPaymentConfirmed(), order.PaymentStatus == domain.PaymentStatusSuccess:
		return false, nil
	case order.PaymentStatus == domain.PaymentStatusFailed:
		return false, fmt.Errorf("%w: order %s", ErrPaymentAlreadyFailed, order.ID)
	case !domain.CanTransitionPayment(order.PaymentStatus, domain.PaymentStatusSuccess):
		return false, fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, order.PaymentStatus, domain.PaymentStatusSuccess)
	}

	order.PaymentStatus = domain.PaymentStatusSuccess
	order.Payment.GatewayPaymentRef = paymentRef
	order.Payment.GatewaySignature = signature
	order.UpdatedAt = now
	if err := r.orders.UpdatePayment(ctx, *order); err != nil {
		return false, mapRepositoryError(err)
	}
	_, err := r.ledger.Append(ctx, StatusHistoryEntry{
		OrderID:        order.ID,
		Status:         order.OrderStatus,
		PreviousStatus: order.OrderStatus,
		PaymentStatus:  domain.PaymentStatusSuccess,
		Notes:          "client payment verification succeeded",
		ChangedBy:      changedBy,
		CreatedAt:      now,
	})
	return err == nil, err
}

func (r *paymentReconciler) applyClientFailure(ctx context.Context, order *Order, changedBy string, now time.Time) (bool, error) {
	if order.IsPaymentConfirmed() || isPaymentFailed(*order) {
		return false, nil
	}
	if err := r.failOrder(ctx, order, "client payment signature verification failed", changedBy, now); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyWebhookEvent applies a signed gateway webhook. Every signed delivery is acknowledged
// unless the store is unavailable, so application outcomes never trigger gateway retries.
func (r *paymentReconciler) ApplyWebhookEvent(ctx context.Context, cmd PaymentWebhookCommand) (WebhookResult, error) {
	provider, err := r.gateways.Provider(cmd.Provider)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	if !provider.VerifyWebhookSignature(cmd.Payload, cmd.Headers) {
		r.metrics.record(ctx, signalSourceWebhook, signalOutcomeRejected)
		r.logger(ctx, "payment.webhook.signature.invalid", map[string]any{
			"provider": provider.Name(),
			"bytes":    len(cmd.Payload),
		})
		return WebhookResult{}, ErrInvalidSignature
	}

	receivedAt := r.clock()
	event, parseErr := provider.ParseWebhookEvent(cmd.Payload, cmd.Headers)
	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	delivery := domain.WebhookDelivery{
		EventID:         event.ID,
		EventType:       string(event.Type),
		GatewayOrderRef: event.GatewayOrderRef,
		Payload:         cmd.Payload,
		SignatureValid:  true,
		ReceivedAt:      receivedAt,
	}

	if parseErr != nil {
		result.Outcome = domain.WebhookOutcomeIgnored
		r.logger(ctx, "payment.webhook.ignored", map[string]any{
			"provider":  provider.Name(),
			"eventId":   event.ID,
			"eventType": string(event.Type),
			"reason":    parseErr.Error(),
		})
		if event.ID != "" {
			delivery.Outcome = domain.WebhookOutcomeIgnored
			delivery.ProcessingError = parseErr.Error()
			delivery.ProcessedAt = &receivedAt
			if _, err := r.deliveries.Record(ctx, delivery); err != nil {
				r.logDeliveryError(ctx, event.ID, err)
			}
		}
		r.metrics.record(ctx, signalSourceWebhook, string(domain.WebhookOutcomeIgnored))
		return result, nil
	}

	inserted, err := r.deliveries.Record(ctx, delivery)
	if err != nil {
		mapped := mapRepositoryError(err)
		if isRetryable(mapped) {
			return result, mapped
		}
		r.logDeliveryError(ctx, event.ID, err)
	}
	if err == nil && !inserted {
		r.logger(ctx, "payment.webhook.redelivered", map[string]any{
			"eventId":         event.ID,
			"gatewayOrderRef": event.GatewayOrderRef,
		})
	}

	now := r.clock()
	changedBy := changedByGatewayPrefix + provider.Name()
	var (
		order    Order
		previous OrderStatus
		outcome  domain.WebhookOutcome
	)
	err = r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		locked, err := r.orders.LockByGatewayOrderRef(txCtx, event.GatewayOrderRef)
		if err != nil {
			mapped := mapRepositoryError(err)
			if errors.Is(mapped, ErrOrderNotFound) {
				outcome = domain.WebhookOutcomeUnknownOrder
				return nil
			}
			return mapped
		}
		previous = locked.OrderStatus
		switch {
		case event.Type.IsSuccess():
			outcome, err = r.applyCapture(txCtx, &locked, event, changedBy, now)
		case event.Type.IsFailure():
			outcome, err = r.applyFailure(txCtx, &locked, event, changedBy, now)
		default:
			outcome = domain.WebhookOutcomeIgnored
		}
		order = locked
		return err
	})

	result.OrderID = order.ID
	result.OrderStatus = order.OrderStatus
	result.PaymentStatus = order.PaymentStatus

	if err != nil {
		result.Outcome = domain.WebhookOutcomeProcessingFail
		r.markProcessed(ctx, event.ID, result.Outcome, order.ID, err.Error())
		r.metrics.record(ctx, signalSourceWebhook, string(result.Outcome))
		r.logger(ctx, "payment.webhook.failed", map[string]any{
			"eventId":         event.ID,
			"gatewayOrderRef": event.GatewayOrderRef,
			"error":           err.Error(),
		})
		if isRetryable(err) {
			return result, err
		}
		return result, nil
	}

	result.Outcome = outcome
	r.markProcessed(ctx, event.ID, outcome, order.ID, "")
	r.metrics.record(ctx, signalSourceWebhook, string(outcome))

	switch outcome {
	case domain.WebhookOutcomeUnknownOrder:
		r.logger(ctx, "payment.webhook.unknown_order", map[string]any{
			"eventId":         event.ID,
			"eventType":       string(event.Type),
			"gatewayOrderRef": event.GatewayOrderRef,
		})
	case domain.WebhookOutcomeIgnored:
		if event.Type.IsFailure() {
			r.logger(ctx, "payment.webhook.failure_after_confirmation", map[string]any{
				"eventId":     event.ID,
				"orderId":     order.ID,
				"orderStatus": string(order.OrderStatus),
			})
		}
	case domain.WebhookOutcomeApplied:
		if event.Type.IsSuccess() {
			publishEvent(ctx, r.events, r.logger, OrderEvent{
				Type:           orderEventPaymentVerified,
				OrderID:        order.ID,
				OrderNumber:    order.OrderNumber,
				UserID:         order.UserID,
				PreviousStatus: string(previous),
				CurrentStatus:  string(order.OrderStatus),
				PaymentStatus:  string(order.PaymentStatus),
				ActorID:        changedBy,
				OccurredAt:     now,
				Metadata: map[string]any{
					"eventId":           event.ID,
					"gatewayPaymentRef": order.Payment.GatewayPaymentRef,
					"method":            order.Payment.Method,
				},
			})
		} else {
			r.publishFailure(ctx, order, previous, changedBy, event.ErrorReason)
		}
	}

	return result, nil
}

func (r *paymentReconciler) applyCapture(ctx context.Context, order *Order, event domain.PaymentEvent, changedBy string, now time.Time) (domain.WebhookOutcome, error) {
	if order.OrderStatus.IsConfirmedOrLater() {
		return domain.WebhookOutcomeDuplicate, nil
	}
	if !domain.CanTransitionOrder(order.OrderStatus, domain.OrderStatusConfirmed) {
		return domain.WebhookOutcomeIgnored, nil
	}

	previous := order.OrderStatus
	if order.PaymentStatus != domain.PaymentStatusVerified &&
		!domain.CanTransitionPayment(order.PaymentStatus, domain.PaymentStatusVerified) {
		return domain.WebhookOutcomeIgnored, nil
	}
	order.PaymentStatus = domain.PaymentStatusVerified
	order.OrderStatus = domain.OrderStatusConfirmed
	order.StatusUpdatedAt = now
	order.UpdatedAt = now
	if event.GatewayPaymentRef != "" {
		order.Payment.GatewayPaymentRef = event.GatewayPaymentRef
	}
	if event.Method != "" {
		order.Payment.Method = event.Method
	}
	paidAt := now
	if !event.OccurredAt.IsZero() {
		paidAt = event.OccurredAt.UTC()
	}
	order.Payment.PaidAt = &paidAt

	if err := r.orders.UpdatePayment(ctx, *order); err != nil {
		return "", mapRepositoryError(err)
	}
	if err := r.mirrorItems(ctx, order.ID, domain.OrderStatusConfirmed, now); err != nil {
		return "", err
	}
	if _, err := r.ledger.Append(ctx, StatusHistoryEntry{
		OrderID:        order.ID,
		Status:         domain.OrderStatusConfirmed,
		PreviousStatus: previous,
		PaymentStatus:  domain.PaymentStatusVerified,
		Notes:          fmt.Sprintf("payment captured (%s)", event.Type),
		ChangedBy:      changedBy,
		CreatedAt:      now,
	}); err != nil {
		return "", err
	}
	if err := r.carts.Clear(ctx, order.UserID); err != nil {
		return "", mapRepositoryError(err)
	}
	return domain.WebhookOutcomeApplied, nil
}

func (r *paymentReconciler) applyFailure(ctx context.Context, order *Order, event domain.PaymentEvent, changedBy string, now time.Time) (domain.WebhookOutcome, error) {
	if order.IsPaymentConfirmed() {
		return domain.WebhookOutcomeIgnored, nil
	}
	if isPaymentFailed(*order) {
		return domain.WebhookOutcomeDuplicate, nil
	}
	notes := "payment failed"
	if event.ErrorReason != "" {
		notes = "payment failed: " + event.ErrorReason
	}
	if event.GatewayPaymentRef != "" {
		order.Payment.GatewayPaymentRef = event.GatewayPaymentRef
	}
	if event.Method != "" {
		order.Payment.Method = event.Method
	}
	if err := r.failOrder(ctx, order, notes, changedBy, now); err != nil {
		return "", err
	}
	return domain.WebhookOutcomeApplied, nil
}

// failOrder moves an unconfirmed order to PAYMENT_FAILED and records the transition.
func (r *paymentReconciler) failOrder(ctx context.Context, order *Order, notes, changedBy string, now time.Time) error {
	previous := order.OrderStatus
	if order.PaymentStatus != domain.PaymentStatusFailed {
		if !domain.CanTransitionPayment(order.PaymentStatus, domain.PaymentStatusFailed) {
			return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, order.PaymentStatus, domain.PaymentStatusFailed)
		}
		order.PaymentStatus = domain.PaymentStatusFailed
	}
	if previous != domain.OrderStatusPaymentFailed {
		if !domain.CanTransitionOrder(previous, domain.OrderStatusPaymentFailed) {
			return fmt.Errorf("%w: order %s -> %s", ErrInvalidTransition, previous, domain.OrderStatusPaymentFailed)
		}
		order.OrderStatus = domain.OrderStatusPaymentFailed
		order.StatusUpdatedAt = now
	}
	order.UpdatedAt = now

	if err := r.orders.UpdatePayment(ctx, *order); err != nil {
		return mapRepositoryError(err)
	}
	if err := r.mirrorItems(ctx, order.ID, domain.OrderStatusPaymentFailed, now); err != nil {
		return err
	}
	_, err := r.ledger.Append(ctx, StatusHistoryEntry{
		OrderID:        order.ID,
		Status:         domain.OrderStatusPaymentFailed,
		PreviousStatus: previous,
		PaymentStatus:  domain.PaymentStatusFailed,
		Notes:          notes,
		ChangedBy:      changedBy,
		CreatedAt:      now,
	})
	return err
}

func (r *paymentReconciler) mirrorItems(ctx context.Context, orderID string, status OrderStatus, now time.Time) error {
	items, err := r.items.ListByOrder(ctx, orderID)
	if err != nil {
		return mapRepositoryError(err)
	}
	updated := mirrorItemStatus(items, status, now)
	if len(updated) == 0 {
		return nil
	}
	if err := r.items.UpdateStatuses(ctx, updated); err != nil {
		return mapRepositoryError(err)
	}
	return nil
}

func (r *paymentReconciler) markProcessed(ctx context.Context, eventID string, outcome domain.WebhookOutcome, orderID, processingErr string) {
	if eventID == "" {
		return
	}
	if err := r.deliveries.MarkProcessed(ctx, eventID, outcome, orderID, processingErr, r.clock()); err != nil {
		r.logDeliveryError(ctx, eventID, err)
	}
}

func (r *paymentReconciler) logDeliveryError(ctx context.Context, eventID string, err error) {
	r.logger(ctx, "payment.webhook.log.failed", map[string]any{
		"eventId": eventID,
		"error":   err.Error(),
	})
}

func (r *paymentReconciler) publishFailure(ctx context.Context, order Order, previous OrderStatus, actor, reason string) {
	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	publishEvent(ctx, r.events, r.logger, OrderEvent{
		Type:           orderEventPaymentFailed,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.OrderStatus),
		PaymentStatus:  string(order.PaymentStatus),
		ActorID:        actor,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
}

func isPaymentFailed(order Order) bool {
	return order.PaymentStatus == domain.PaymentStatusFailed && order.OrderStatus == domain.OrderStatusPaymentFailed
}

func paymentResult(order Order, changed bool) PaymentResult {
	return PaymentResult{
		OrderID:       order.ID,
		OrderStatus:   order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		Changed:       changed,
	}
}
