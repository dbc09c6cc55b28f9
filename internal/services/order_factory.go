package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/payments"
	"github.com/nucleotide-health/orders/internal/platform/textutil"
	"github.com/nucleotide-health/orders/internal/repositories"
)

const (
	orderCounterID            = "orders"
	defaultOrderNumberPrefix  = "ORD"
	defaultOrderCurrency      = "INR"
	orderCreatedHistoryNote   = "order created"
	singleLineGroupKeyPrefix  = "line:"
	changedByUserPrefix       = "user:"
	changedByGatewayPrefix    = "gateway:"
	changedBySystemIdentifier = "system"
)

// OrderFactoryDeps bundles collaborators required to construct the order factory.
type OrderFactoryDeps struct {
	Orders      repositories.OrderRepository
	Items       repositories.OrderItemRepository
	Counters    repositories.CounterRepository
	Ledger      StatusHistoryLedger
	Gateways    PaymentGateways
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)

	DeliveryCharge    decimal.Decimal
	Currency          string
	OrderNumberPrefix string
}

type orderFactory struct {
	orders     repositories.OrderRepository
	items      repositories.OrderItemRepository
	counters   repositories.CounterRepository
	ledger     StatusHistoryLedger
	gateways   PaymentGateways
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	clock      func() time.Time
	newID      func() string
	logger     logFunc

	deliveryCharge decimal.Decimal
	currency       string
	numberPrefix   string
}

var _ OrderFactory = (*orderFactory)(nil)

// NewOrderFactory wires dependencies into a concrete OrderFactory implementation.
func NewOrderFactory(deps OrderFactoryDeps) (OrderFactory, error) {
	if deps.Orders == nil {
		return nil, errors.New("order factory: order repository is required")
	}
	if deps.Items == nil {
		return nil, errors.New("order factory: order item repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order factory: counter repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order factory: status history ledger is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("order factory: payment gateways are required")
	}
	if deps.DeliveryCharge.IsNegative() {
		return nil, errors.New("order factory: delivery charge must not be negative")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}
	prefix := strings.TrimSpace(deps.OrderNumberPrefix)
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}

	return &orderFactory{
		orders:         deps.Orders,
		items:          deps.Items,
		counters:       deps.Counters,
		ledger:         deps.Ledger,
		gateways:       deps.Gateways,
		unitOfWork:     unit,
		events:         deps.Events,
		clock:          defaultClock(deps.Clock),
		newID:          defaultIDGenerator(deps.IDGenerator),
		logger:         defaultLogger(deps.Logger),
		deliveryCharge: deps.DeliveryCharge,
		currency:       currency,
		numberPrefix:   prefix,
	}, nil
}

func (f *orderFactory) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	memberID := strings.TrimSpace(cmd.PlacingMemberID)
	if memberID == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: placing member id is required", ErrOrderInvalidInput)
	}
	if owner := strings.TrimSpace(cmd.Cart.UserID); owner != "" && owner != userID {
		return CreateOrderResult{}, fmt.Errorf("%w: cart belongs to another user", ErrOrderInvalidInput)
	}
	if err := validateCartSnapshot(cmd.Cart); err != nil {
		return CreateOrderResult{}, err
	}

	pricing, err := priceCart(cmd.Cart, f.deliveryCharge)
	if err != nil {
		return CreateOrderResult{}, err
	}

	provider, err := f.gateways.Provider(cmd.Provider)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	now := f.clock()
	orderID := orderIDPrefix + f.newID()
	orderNumber, err := f.generateOrderNumber(ctx, now)
	if err != nil {
		return CreateOrderResult{}, err
	}

	txn, err := provider.CreateTransaction(ctx, payments.TransactionRequest{
		Amount:   pricing.Total,
		Currency: f.currency,
		Receipt:  orderNumber,
		Notes: textutil.GatewayNotes(map[string]string{
			"order_id":     orderID,
			"order_number": orderNumber,
			"user_id":      userID,
		}),
		IdempotencyKey: cmd.IdempotencyKey,
	})
	if err != nil {
		f.logger(ctx, "order.gateway.transaction.failed", map[string]any{
			"orderNumber": orderNumber,
			"provider":    provider.Name(),
			"error":       err.Error(),
		})
		if errors.Is(err, payments.ErrProviderRejected) {
			return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}
		return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	order := Order{
		ID:              orderID,
		OrderNumber:     orderNumber,
		UserID:          userID,
		PlacingMemberID: memberID,
		Currency:        f.currency,
		Subtotal:        pricing.Subtotal,
		Discount:        pricing.Discount,
		CouponCode:      strings.TrimSpace(cmd.Cart.CouponCode),
		CouponDiscount:  pricing.CouponDiscount,
		DeliveryCharge:  pricing.DeliveryCharge,
		TotalAmount:     pricing.Total,
		PaymentStatus:   domain.PaymentStatusNotInitiated,
		OrderStatus:     domain.OrderStatusCreated,
		Payment: domain.PaymentState{
			Provider:        provider.Name(),
			GatewayOrderRef: txn.OrderRef,
		},
		StatusUpdatedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.Items = f.buildItems(orderID, cmd.Cart.Lines, pricing, now)

	err = f.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := f.orders.Insert(txCtx, order); err != nil {
			return mapRepositoryError(err)
		}
		if err := f.items.InsertMany(txCtx, order.Items); err != nil {
			return mapRepositoryError(err)
		}
		_, err := f.ledger.Append(txCtx, StatusHistoryEntry{
			OrderID:       order.ID,
			Status:        domain.OrderStatusCreated,
			PaymentStatus: domain.PaymentStatusNotInitiated,
			Notes:         orderCreatedHistoryNote,
			ChangedBy:     changedByUserPrefix + userID,
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		// The gateway transaction stays open; the gateway expires unpaid orders on its side.
		f.logger(ctx, "order.persist.failed", map[string]any{
			"orderNumber":     orderNumber,
			"gatewayOrderRef": txn.OrderRef,
			"error":           err.Error(),
		})
		return CreateOrderResult{}, err
	}

	publishEvent(ctx, f.events, f.logger, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.OrderStatus),
		PaymentStatus: string(order.PaymentStatus),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"totalAmount":     order.TotalAmount.StringFixed(2),
			"currency":        order.Currency,
			"gatewayOrderRef": txn.OrderRef,
			"itemCount":       len(order.Items),
		},
	})

	return CreateOrderResult{
		Order:           order,
		GatewayOrderRef: txn.OrderRef,
		Amount:          order.TotalAmount,
		AmountMinor:     txn.AmountMinor,
		Currency:        order.Currency,
		Provider:        provider.Name(),
		PublicKey:       txn.PublicKey,
		ClientSecret:    txn.ClientSecret,
	}, nil
}

func (f *orderFactory) buildItems(orderID string, lines []CartLine, pricing cartPricing, now time.Time) []OrderItem {
	items := make([]OrderItem, 0, len(lines))
	for i, line := range lines {
		total := decimal.Zero
		if pricing.chargedLines[i] {
			total = line.EffectivePrice().Mul(decimal.NewFromInt(int64(line.Quantity)))
		}
		items = append(items, OrderItem{
			ID:              itemIDPrefix + f.newID(),
			OrderID:         orderID,
			ProductID:       strings.TrimSpace(line.ProductID),
			MemberID:        strings.TrimSpace(line.MemberID),
			AddressID:       strings.TrimSpace(line.AddressID),
			GroupID:         strings.TrimSpace(line.GroupID),
			Quantity:        line.Quantity,
			UnitPrice:       line.EffectivePrice(),
			TotalPrice:      total,
			OrderStatus:     domain.OrderStatusCreated,
			StatusUpdatedAt: now,
			CreatedAt:       now,
		})
	}
	return items
}

func (f *orderFactory) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := f.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", mapRepositoryError(err)
	}
	return fmt.Sprintf("%s-%04d-%06d", f.numberPrefix, now.Year(), seq), nil
}

type cartPricing struct {
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	CouponDiscount decimal.Decimal
	DeliveryCharge decimal.Decimal
	Total          decimal.Decimal
	// chargedLines marks the line that carries the price of its pack; other pack members are free.
	chargedLines []bool
}

// priceCart charges each pack (lines sharing a group id) once, using its first line.
func priceCart(snapshot CartSnapshot, delivery decimal.Decimal) (cartPricing, error) {
	pricing := cartPricing{
		Subtotal:       decimal.Zero,
		Discount:       decimal.Zero,
		CouponDiscount: snapshot.CouponDiscount,
		DeliveryCharge: delivery,
		chargedLines:   make([]bool, len(snapshot.Lines)),
	}
	seen := make(map[string]struct{}, len(snapshot.Lines))
	for i, line := range snapshot.Lines {
		key := strings.TrimSpace(line.GroupID)
		if key == "" {
			key = singleLineGroupKeyPrefix + fmt.Sprint(i)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pricing.chargedLines[i] = true

		qty := decimal.NewFromInt(int64(line.Quantity))
		pricing.Subtotal = pricing.Subtotal.Add(line.UnitPrice.Mul(qty))
		pricing.Discount = pricing.Discount.Add(line.UnitPrice.Sub(line.EffectivePrice()).Mul(qty))
	}
	pricing.Total = domain.ComputeTotal(pricing.Subtotal, pricing.DeliveryCharge, pricing.CouponDiscount, pricing.Discount)
	if pricing.Total.IsNegative() {
		return cartPricing{}, fmt.Errorf("%w: discounts exceed the order value", ErrPricingInconsistent)
	}
	return pricing, nil
}
