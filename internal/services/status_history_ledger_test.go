package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/platform/textutil"
)

func TestStatusHistoryLedgerAppendAssignsIdentity(t *testing.T) {
	store := newMemoryStore()
	ledger, err := NewStatusHistoryLedger(StatusHistoryLedgerDeps{
		History:     memHistory{store},
		Clock:       func() time.Time { return fixedNow },
		IDGenerator: func() string { return "01TEST" },
	})
	if err != nil {
		t.Fatalf("NewStatusHistoryLedger: %v", err)
	}

	entries, err := ledger.Append(context.Background(), StatusHistoryEntry{
		OrderID:   " ord_1 ",
		Status:    domain.OrderStatusScheduled,
		Notes:     "<script>alert(1)</script>visit   at 9am",
		ChangedBy: " admin:ops ",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	got := entries[0]
	if got.ID != "hst_01TEST" || got.OrderID != "ord_1" || !got.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected entry identity: %+v", got)
	}
	if got.Notes != "visit at 9am" {
		t.Fatalf("notes not sanitised: %q", got.Notes)
	}
	if got.ChangedBy != "admin:ops" {
		t.Fatalf("actor not trimmed: %q", got.ChangedBy)
	}
	if len(store.history) != 1 {
		t.Fatalf("expected entry persisted")
	}
}

func TestStatusHistoryLedgerTruncatesNotes(t *testing.T) {
	store := newMemoryStore()
	ledger, err := NewStatusHistoryLedger(StatusHistoryLedgerDeps{History: memHistory{store}})
	if err != nil {
		t.Fatalf("NewStatusHistoryLedger: %v", err)
	}
	entries, err := ledger.Append(context.Background(), StatusHistoryEntry{
		OrderID: "ord_1",
		Status:  domain.OrderStatusCreated,
		Notes:   strings.Repeat("a", textutil.MaxNotesLength+50),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(entries[0].Notes) != textutil.MaxNotesLength {
		t.Fatalf("expected notes truncated to %d, got %d", textutil.MaxNotesLength, len(entries[0].Notes))
	}
	if !strings.HasPrefix(entries[0].ID, historyIDPrefix) {
		t.Fatalf("expected generated id, got %q", entries[0].ID)
	}
}

func TestStatusHistoryLedgerValidation(t *testing.T) {
	store := newMemoryStore()
	ledger, err := NewStatusHistoryLedger(StatusHistoryLedgerDeps{History: memHistory{store}})
	if err != nil {
		t.Fatalf("NewStatusHistoryLedger: %v", err)
	}

	if _, err := ledger.Append(context.Background(), StatusHistoryEntry{Status: domain.OrderStatusCreated}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for missing order, got %v", err)
	}
	if _, err := ledger.Append(context.Background(), StatusHistoryEntry{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for missing status, got %v", err)
	}
	if _, err := ledger.ListFor(context.Background(), ""); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for missing order id, got %v", err)
	}
	if len(store.history) != 0 {
		t.Fatalf("invalid entries must not be persisted")
	}
}

func TestStatusHistoryLedgerListNewestFirst(t *testing.T) {
	h := newHarness(t)
	created := h.createOrder(t)
	h.confirm(t, created)

	entries, err := h.ledger.ListFor(context.Background(), created.Order.ID)
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].Status != domain.OrderStatusConfirmed || entries[1].Status != domain.OrderStatusCreated {
		t.Fatalf("expected newest first, got %s then %s", entries[0].Status, entries[1].Status)
	}
	if entries[0].PreviousStatus != domain.OrderStatusCreated {
		t.Fatalf("expected previous status created, got %s", entries[0].PreviousStatus)
	}
}
