package postgres

import (
	"testing"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
)

func TestEncodeHistoryEntryStoresCreationPreviousStatusAsNull(t *testing.T) {
	createdAt := time.Date(2025, time.May, 1, 15, 0, 0, 0, time.FixedZone("IST", 19800))
	row := encodeHistoryEntry(domain.StatusHistoryEntry{
		ID:            "hst_1",
		OrderID:       "ord_1",
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusNotInitiated,
		ChangedBy:     "user:usr_1",
		CreatedAt:     createdAt,
	})
	if row.PreviousStatus.Valid {
		t.Fatalf("expected creation entry previous status to be NULL, got %q", row.PreviousStatus.String)
	}
	if row.OrderItemID.Valid {
		t.Fatalf("expected order-level entry item id to be NULL")
	}
	if row.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %s", row.CreatedAt.Location())
	}

	entry := decodeHistoryRow(encodeHistoryEntry(domain.StatusHistoryEntry{
		ID:             "hst_2",
		OrderID:        "ord_1",
		OrderItemID:    "itm_1",
		Status:         domain.OrderStatusScheduled,
		PreviousStatus: domain.OrderStatusConfirmed,
		ChangedBy:      "operator:support@nucleotide.example",
		CreatedAt:      createdAt,
	}))
	if entry.PreviousStatus != domain.OrderStatusConfirmed || entry.OrderItemID != "itm_1" {
		t.Fatalf("unexpected decoded entry %+v", entry)
	}
}
