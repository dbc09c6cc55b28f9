//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	pconfig "github.com/nucleotide-health/orders/internal/platform/config"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

func newIntegrationRegistry(t *testing.T) (*Registry, *ppostgres.Provider) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	dsn := os.Getenv("ORDERS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ORDERS_TEST_DATABASE_URL not set")
	}

	provider := ppostgres.NewProvider(pconfig.DatabaseConfig{DSN: dsn, MaxOpenConns: 8, TxAttempts: 3, TxTimeout: 10 * time.Second})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := Migrate(ctx, provider); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := provider.DB(ctx)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE orders, order_items, payment_webhook_events, counters, carts, cart_items CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	reg, err := NewRegistry(RegistryDeps{Provider: provider})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg, provider
}

func sampleOrder(id, number, user string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:              id,
		OrderNumber:     number,
		UserID:          user,
		PlacingMemberID: "mem_1",
		Currency:        "INR",
		Subtotal:        decimal.RequireFromString("16000"),
		DeliveryCharge:  decimal.RequireFromString("50"),
		TotalAmount:     decimal.RequireFromString("16050"),
		PaymentStatus:   domain.PaymentStatusNotInitiated,
		OrderStatus:     domain.OrderStatusCreated,
		Payment:         domain.PaymentState{Provider: "razorpay", GatewayOrderRef: "gw_" + id},
		StatusUpdatedAt: createdAt,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestRegistryOrderLifecycleIntegration(t *testing.T) {
	reg, _ := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Date(2025, time.May, 1, 9, 30, 0, 0, time.UTC)

	order := sampleOrder("ord_1", "ORD-2025-000001", "usr_1", now)
	item := domain.OrderItem{
		ID: "itm_1", OrderID: order.ID, ProductID: "prd_1", MemberID: "mem_1", AddressID: "adr_1",
		Quantity: 1, UnitPrice: order.Subtotal, TotalPrice: order.Subtotal,
		OrderStatus: domain.OrderStatusCreated, StatusUpdatedAt: now, CreatedAt: now,
	}
	err := reg.RunInTx(ctx, func(ctx context.Context) error {
		if err := reg.Orders().Insert(ctx, order); err != nil {
			return err
		}
		if err := reg.OrderItems().InsertMany(ctx, []domain.OrderItem{item}); err != nil {
			return err
		}
		return reg.StatusHistory().Append(ctx, domain.StatusHistoryEntry{
			ID: "hst_1", OrderID: order.ID, Status: domain.OrderStatusCreated,
			PaymentStatus: domain.PaymentStatusNotInitiated, ChangedBy: "user:usr_1", CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	paidAt := now.Add(time.Minute)
	err = reg.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := reg.Orders().LockByGatewayOrderRef(ctx, "gw_ord_1")
		if err != nil {
			return err
		}
		locked.PaymentStatus = domain.PaymentStatusVerified
		locked.OrderStatus = domain.OrderStatusConfirmed
		locked.Payment.GatewayPaymentRef = "pay_1"
		locked.Payment.PaidAt = &paidAt
		locked.StatusUpdatedAt = paidAt
		locked.UpdatedAt = paidAt
		if err := reg.Orders().UpdatePayment(ctx, locked); err != nil {
			return err
		}
		return reg.StatusHistory().Append(ctx, domain.StatusHistoryEntry{
			ID: "hst_2", OrderID: order.ID, Status: domain.OrderStatusConfirmed, PreviousStatus: domain.OrderStatusCreated,
			PaymentStatus: domain.PaymentStatusVerified, ChangedBy: "gateway:razorpay", CreatedAt: paidAt,
		})
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	stored, err := reg.Orders().FindByNumber(ctx, "ORD-2025-000001")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.PaymentStatus != domain.PaymentStatusVerified || stored.Payment.PaidAt == nil || !stored.TotalAmount.Equal(order.TotalAmount) {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	history, err := reg.StatusHistory().ListByOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != "hst_2" {
		t.Fatalf("expected newest-first history, got %+v", history)
	}
	if history[1].PreviousStatus != "" || history[0].PreviousStatus != domain.OrderStatusCreated {
		t.Fatalf("unexpected previous statuses %q, %q", history[1].PreviousStatus, history[0].PreviousStatus)
	}

	_, err = reg.Orders().FindByID(ctx, "ord_missing")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryRollbackIntegration(t *testing.T) {
	reg, _ := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := reg.RunInTx(ctx, func(ctx context.Context) error {
		if err := reg.Orders().Insert(ctx, sampleOrder("ord_rb", "ORD-2025-000099", "usr_1", now)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := reg.Orders().FindByID(ctx, "ord_rb"); err == nil {
		t.Fatalf("expected insert to be rolled back")
	}
}

func TestListByUserPagingIntegration(t *testing.T) {
	reg, _ := newIntegrationRegistry(t)
	ctx := context.Background()
	base := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		order := sampleOrder(fmt.Sprintf("ord_%d", i), fmt.Sprintf("ORD-2025-%06d", i), "usr_page", base.Add(time.Duration(i)*time.Hour))
		if err := reg.Orders().Insert(ctx, order); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	var seen []string
	token := ""
	for pages := 0; pages < 5; pages++ {
		page, err := reg.Orders().ListByUser(ctx, "usr_page", repositories.OrderListFilter{
			Pagination: domain.Pagination{PageSize: 2, PageToken: token},
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, order := range page.Items {
			seen = append(seen, order.ID)
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	want := []string{"ord_5", "ord_4", "ord_3", "ord_2", "ord_1"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("unexpected paging order %v", seen)
	}
}

func TestWebhookDeliveryRecordIntegration(t *testing.T) {
	reg, _ := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	delivery := domain.WebhookDelivery{EventID: "evt_1", EventType: "payment.captured", Payload: []byte(`{}`), SignatureValid: true, ReceivedAt: now}

	inserted, err := reg.WebhookDeliveries().Record(ctx, delivery)
	if err != nil || !inserted {
		t.Fatalf("first record inserted=%v err=%v", inserted, err)
	}
	inserted, err = reg.WebhookDeliveries().Record(ctx, delivery)
	if err != nil || inserted {
		t.Fatalf("duplicate record inserted=%v err=%v", inserted, err)
	}
	if err := reg.WebhookDeliveries().MarkProcessed(ctx, "evt_1", domain.WebhookOutcomeApplied, "ord_1", "", now); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	err = reg.WebhookDeliveries().MarkProcessed(ctx, "evt_missing", domain.WebhookOutcomeApplied, "", "", now)
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found for unknown delivery, got %v", err)
	}
}

func TestCartSnapshotIntegration(t *testing.T) {
	reg, provider := newIntegrationRegistry(t)
	ctx := context.Background()
	db, err := provider.DB(ctx)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO carts (user_id, coupon_code, coupon_discount) VALUES ('usr_cart', 'WELCOME', 500)`); err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO cart_items (id, user_id, product_id, member_id, address_id, quantity, unit_price, special_price)
		VALUES ('crt_1', 'usr_cart', 'prd_1', 'mem_1', 'adr_1', 1, 16000, 15000)`); err != nil {
		t.Fatalf("seed cart item: %v", err)
	}

	snapshot, err := reg.Carts().ReadSnapshot(ctx, "usr_cart")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snapshot.CouponCode != "WELCOME" || len(snapshot.Lines) != 1 || snapshot.Lines[0].SpecialPrice == nil {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if !snapshot.Lines[0].EffectivePrice().Equal(decimal.RequireFromString("15000")) {
		t.Fatalf("unexpected effective price %s", snapshot.Lines[0].EffectivePrice())
	}

	if err := reg.Carts().Clear(ctx, "usr_cart"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := reg.Carts().Clear(ctx, "usr_cart"); err != nil {
		t.Fatalf("clear empty: %v", err)
	}
	snapshot, err = reg.Carts().ReadSnapshot(ctx, "usr_cart")
	if err != nil || len(snapshot.Lines) != 0 {
		t.Fatalf("expected empty cart, got %+v err=%v", snapshot, err)
	}
}

func TestCounterRepositoryIntegration(t *testing.T) {
	reg, _ := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const workers = 16
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			value, err := reg.Counters().Next(ctx, "orders", 1)
			if err != nil {
				t.Errorf("next(%d): %v", idx, err)
				return
			}
			results[idx] = value
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, value := range results {
		if value != int64(i+1) {
			t.Fatalf("expected contiguous sequence, got %v", results)
		}
	}
}
