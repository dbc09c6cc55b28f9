package handlers

import (
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/services"
)

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"orderNumber"`
	OrderStatus   string `json:"orderStatus"`
	PaymentStatus string `json:"paymentStatus"`
	TotalAmount   string `json:"totalAmount"`
	Currency      string `json:"currency"`
	CreatedAt     string `json:"createdAt"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	OrderNumber     string              `json:"orderNumber"`
	PlacingMemberID string              `json:"placingMemberId"`
	OrderStatus     string              `json:"orderStatus"`
	PaymentStatus   string              `json:"paymentStatus"`
	Currency        string              `json:"currency"`
	Subtotal        string              `json:"subtotal"`
	Discount        string              `json:"discount"`
	CouponCode      string              `json:"couponCode,omitempty"`
	CouponDiscount  string              `json:"couponDiscount"`
	DeliveryCharge  string              `json:"deliveryCharge"`
	TotalAmount     string              `json:"totalAmount"`
	Payment         orderPaymentPayload `json:"payment"`
	Items           []orderItemPayload  `json:"items,omitempty"`
	StatusUpdatedAt string              `json:"statusUpdatedAt,omitempty"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
}

type orderPaymentPayload struct {
	Provider          string `json:"provider,omitempty"`
	GatewayOrderRef   string `json:"gatewayOrderRef,omitempty"`
	GatewayPaymentRef string `json:"gatewayPaymentRef,omitempty"`
	Method            string `json:"method,omitempty"`
	PaidAt            string `json:"paidAt,omitempty"`
}

type orderItemPayload struct {
	ID              string             `json:"id"`
	ProductID       string             `json:"productId"`
	MemberID        string             `json:"memberId"`
	AddressID       string             `json:"addressId"`
	GroupID         string             `json:"groupId,omitempty"`
	Quantity        int                `json:"quantity"`
	UnitPrice       string             `json:"unitPrice"`
	TotalPrice      string             `json:"totalPrice"`
	OrderStatus     string             `json:"orderStatus"`
	StatusUpdatedAt string             `json:"statusUpdatedAt,omitempty"`
	Scheduling      *schedulingPayload `json:"scheduling,omitempty"`
}

type schedulingPayload struct {
	ScheduledDate     string `json:"scheduledDate,omitempty"`
	TechnicianName    string `json:"technicianName,omitempty"`
	TechnicianContact string `json:"technicianContact,omitempty"`
	LabName           string `json:"labName,omitempty"`
}

type historyPayload struct {
	ID             string `json:"id"`
	OrderItemID    string `json:"orderItemId,omitempty"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	PaymentStatus  string `json:"paymentStatus,omitempty"`
	Notes          string `json:"notes,omitempty"`
	ChangedBy      string `json:"changedBy"`
	CreatedAt      string `json:"createdAt"`
}

type addressGroupPayload struct {
	AddressID     string             `json:"addressId"`
	CurrentStatus string             `json:"currentStatus"`
	Items         []orderItemPayload `json:"items"`
	History       []historyPayload   `json:"history"`
}

type trackingPayload struct {
	OrderID       string                `json:"orderId"`
	OrderNumber   string                `json:"orderNumber"`
	CurrentStatus string                `json:"currentStatus"`
	PaymentStatus string                `json:"paymentStatus"`
	History       []historyPayload      `json:"history"`
	AddressGroups []addressGroupPayload `json:"addressGroups"`
}

type itemTrackingPayload struct {
	OrderID       string           `json:"orderId"`
	OrderNumber   string           `json:"orderNumber"`
	CurrentStatus string           `json:"currentStatus"`
	Item          orderItemPayload `json:"item"`
	History       []historyPayload `json:"history"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		OrderStatus:   string(order.OrderStatus),
		PaymentStatus: string(order.PaymentStatus),
		TotalAmount:   order.TotalAmount.StringFixed(2),
		Currency:      order.Currency,
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		PlacingMemberID: order.PlacingMemberID,
		OrderStatus:     string(order.OrderStatus),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Subtotal:        order.Subtotal.StringFixed(2),
		Discount:        order.Discount.StringFixed(2),
		CouponCode:      order.CouponCode,
		CouponDiscount:  order.CouponDiscount.StringFixed(2),
		DeliveryCharge:  order.DeliveryCharge.StringFixed(2),
		TotalAmount:     order.TotalAmount.StringFixed(2),
		Payment: orderPaymentPayload{
			Provider:          order.Payment.Provider,
			GatewayOrderRef:   order.Payment.GatewayOrderRef,
			GatewayPaymentRef: order.Payment.GatewayPaymentRef,
			Method:            order.Payment.Method,
		},
		StatusUpdatedAt: formatTime(order.StatusUpdatedAt),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		Items:           buildItemPayloads(order.Items),
	}
	if order.Payment.PaidAt != nil {
		payload.Payment.PaidAt = formatTime(*order.Payment.PaidAt)
	}
	return payload
}

func buildItemPayloads(items []services.OrderItem) []orderItemPayload {
	if len(items) == 0 {
		return nil
	}
	result := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		result = append(result, buildItemPayload(item))
	}
	return result
}

func buildItemPayload(item services.OrderItem) orderItemPayload {
	payload := orderItemPayload{
		ID:              item.ID,
		ProductID:       item.ProductID,
		MemberID:        item.MemberID,
		AddressID:       item.AddressID,
		GroupID:         item.GroupID,
		Quantity:        item.Quantity,
		UnitPrice:       item.UnitPrice.StringFixed(2),
		TotalPrice:      item.TotalPrice.StringFixed(2),
		OrderStatus:     string(item.OrderStatus),
		StatusUpdatedAt: formatTime(item.StatusUpdatedAt),
	}
	if !item.Scheduling.IsZero() {
		payload.Scheduling = &schedulingPayload{
			TechnicianName:    item.Scheduling.TechnicianName,
			TechnicianContact: item.Scheduling.TechnicianContact,
			LabName:           item.Scheduling.LabName,
		}
		if item.Scheduling.ScheduledDate != nil {
			payload.Scheduling.ScheduledDate = formatTime(*item.Scheduling.ScheduledDate)
		}
	}
	return payload
}

func buildHistoryPayloads(entries []services.StatusHistoryEntry) []historyPayload {
	result := make([]historyPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, historyPayload{
			ID:             entry.ID,
			OrderItemID:    entry.OrderItemID,
			Status:         string(entry.Status),
			PreviousStatus: string(entry.PreviousStatus),
			PaymentStatus:  string(entry.PaymentStatus),
			Notes:          entry.Notes,
			ChangedBy:      entry.ChangedBy,
			CreatedAt:      formatTime(entry.CreatedAt),
		})
	}
	return result
}

func buildTrackingPayload(tracking services.OrderTracking) trackingPayload {
	groups := make([]addressGroupPayload, 0, len(tracking.AddressGroups))
	for _, group := range tracking.AddressGroups {
		items := buildItemPayloads(group.Items)
		if items == nil {
			items = []orderItemPayload{}
		}
		groups = append(groups, addressGroupPayload{
			AddressID:     group.AddressID,
			CurrentStatus: string(group.CurrentStatus),
			Items:         items,
			History:       buildHistoryPayloads(group.History),
		})
	}
	return trackingPayload{
		OrderID:       tracking.OrderID,
		OrderNumber:   tracking.OrderNumber,
		CurrentStatus: string(tracking.CurrentStatus),
		PaymentStatus: string(tracking.PaymentStatus),
		History:       buildHistoryPayloads(tracking.History),
		AddressGroups: groups,
	}
}

func buildItemTrackingPayload(tracking services.ItemTracking) itemTrackingPayload {
	return itemTrackingPayload{
		OrderID:       tracking.OrderID,
		OrderNumber:   tracking.OrderNumber,
		CurrentStatus: string(tracking.CurrentStatus),
		Item:          buildItemPayload(tracking.Item),
		History:       buildHistoryPayloads(tracking.History),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStatusFilters(values []string) ([]domain.OrderStatus, []string) {
	var (
		statuses []domain.OrderStatus
		invalid  []string
	)
	for _, raw := range values {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			invalid = append(invalid, raw)
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, invalid
}
