package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/repositories"
)

// CartSnapshotReaderDeps bundles collaborators required to construct the cart reader.
type CartSnapshotReaderDeps struct {
	Carts repositories.CartRepository
}

type cartSnapshotReader struct {
	carts repositories.CartRepository
}

var _ CartSnapshotReader = (*cartSnapshotReader)(nil)

// NewCartSnapshotReader constructs a reader over the cart collaborator.
func NewCartSnapshotReader(deps CartSnapshotReaderDeps) (CartSnapshotReader, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart snapshot reader: cart repository is required")
	}
	return &cartSnapshotReader{carts: deps.Carts}, nil
}

func (r *cartSnapshotReader) ReadSnapshot(ctx context.Context, userID string) (CartSnapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CartSnapshot{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	snapshot, err := r.carts.ReadSnapshot(ctx, userID)
	if err != nil {
		return CartSnapshot{}, mapRepositoryError(err)
	}
	if snapshot.UserID == "" {
		snapshot.UserID = userID
	}
	if err := validateCartSnapshot(snapshot); err != nil {
		return CartSnapshot{}, err
	}
	return snapshot, nil
}

// validateCartSnapshot checks that the snapshot is non-empty and internally consistent.
func validateCartSnapshot(snapshot CartSnapshot) error {
	if len(snapshot.Lines) == 0 {
		return ErrEmptyCart
	}
	groupPrices := make(map[string]decimal.Decimal)
	for i, line := range snapshot.Lines {
		switch {
		case strings.TrimSpace(line.ProductID) == "":
			return fmt.Errorf("%w: line %d has no product", ErrPricingInconsistent, i)
		case strings.TrimSpace(line.MemberID) == "" || strings.TrimSpace(line.AddressID) == "":
			return fmt.Errorf("%w: line %d has no member or address", ErrPricingInconsistent, i)
		case line.Quantity <= 0:
			return fmt.Errorf("%w: line %d quantity must be positive", ErrPricingInconsistent, i)
		case line.UnitPrice.IsNegative():
			return fmt.Errorf("%w: line %d unit price is negative", ErrPricingInconsistent, i)
		}
		if line.SpecialPrice != nil && (line.SpecialPrice.IsNegative() || line.SpecialPrice.GreaterThan(line.UnitPrice)) {
			return fmt.Errorf("%w: line %d special price must be between 0 and the unit price", ErrPricingInconsistent, i)
		}
		if group := strings.TrimSpace(line.GroupID); group != "" {
			price := line.EffectivePrice().Mul(decimal.NewFromInt(int64(line.Quantity)))
			if existing, ok := groupPrices[group]; ok && !existing.Equal(price) {
				return fmt.Errorf("%w: pack %s lines disagree on price", ErrPricingInconsistent, group)
			}
			groupPrices[group] = price
		}
	}
	if snapshot.CouponDiscount.IsNegative() {
		return fmt.Errorf("%w: coupon discount is negative", ErrPricingInconsistent)
	}
	return nil
}
