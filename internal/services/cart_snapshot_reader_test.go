package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
)

type stubCartRepository struct {
	snapshot domain.CartSnapshot
	err      error
	userID   string
}

func (s *stubCartRepository) ReadSnapshot(_ context.Context, userID string) (domain.CartSnapshot, error) {
	s.userID = userID
	return s.snapshot, s.err
}

func (s *stubCartRepository) Clear(context.Context, string) error { return nil }

func TestCartSnapshotReaderReadSnapshot(t *testing.T) {
	repo := &stubCartRepository{snapshot: domain.CartSnapshot{Lines: []domain.CartLine{line("prd_dna", "mem_1", "addr_1", 16000)}}}
	reader, err := NewCartSnapshotReader(CartSnapshotReaderDeps{Carts: repo})
	if err != nil {
		t.Fatalf("NewCartSnapshotReader: %v", err)
	}

	snapshot, err := reader.ReadSnapshot(context.Background(), " usr_1 ")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if repo.userID != "usr_1" || snapshot.UserID != "usr_1" {
		t.Fatalf("expected trimmed user id, got repo=%q snapshot=%q", repo.userID, snapshot.UserID)
	}
}

func TestCartSnapshotReaderErrors(t *testing.T) {
	reader, err := NewCartSnapshotReader(CartSnapshotReaderDeps{Carts: &stubCartRepository{}})
	if err != nil {
		t.Fatalf("NewCartSnapshotReader: %v", err)
	}
	if _, err := reader.ReadSnapshot(context.Background(), "usr_1"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if _, err := reader.ReadSnapshot(context.Background(), ""); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}

	down, err := NewCartSnapshotReader(CartSnapshotReaderDeps{Carts: &stubCartRepository{err: memUnavailable()}})
	if err != nil {
		t.Fatalf("NewCartSnapshotReader: %v", err)
	}
	if _, err := down.ReadSnapshot(context.Background(), "usr_1"); !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
}

func TestValidateCartSnapshotPackPrices(t *testing.T) {
	first := line("prd_family", "mem_1", "addr_1", 20000)
	first.GroupID = "pack"
	second := line("prd_family", "mem_2", "addr_1", 18000)
	second.GroupID = "pack"

	err := validateCartSnapshot(domain.CartSnapshot{Lines: []domain.CartLine{first, second}})
	if !errors.Is(err, ErrPricingInconsistent) {
		t.Fatalf("expected ErrPricingInconsistent for disagreeing pack, got %v", err)
	}

	special := decimal.NewFromInt(25000)
	over := line("prd_dna", "mem_1", "addr_1", 20000)
	over.SpecialPrice = &special
	if err := validateCartSnapshot(domain.CartSnapshot{Lines: []domain.CartLine{over}}); !errors.Is(err, ErrPricingInconsistent) {
		t.Fatalf("expected ErrPricingInconsistent for special above unit price, got %v", err)
	}

	zero := line("prd_dna", "mem_1", "addr_1", 20000)
	zero.Quantity = 0
	if err := validateCartSnapshot(domain.CartSnapshot{Lines: []domain.CartLine{zero}}); !errors.Is(err, ErrPricingInconsistent) {
		t.Fatalf("expected ErrPricingInconsistent for zero quantity, got %v", err)
	}
}
