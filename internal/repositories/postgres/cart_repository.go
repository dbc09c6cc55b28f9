package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

type cartHeaderRow struct {
	CouponCode     string          `db:"coupon_code"`
	CouponDiscount decimal.Decimal `db:"coupon_discount"`
}

type cartLineRow struct {
	ID           string              `db:"id"`
	ProductID    string              `db:"product_id"`
	MemberID     string              `db:"member_id"`
	AddressID    string              `db:"address_id"`
	GroupID      string              `db:"group_id"`
	Quantity     int                 `db:"quantity"`
	UnitPrice    decimal.Decimal     `db:"unit_price"`
	SpecialPrice decimal.NullDecimal `db:"special_price"`
}

// CartRepository reads priced carts from the carts and cart_items tables.
type CartRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Postgres-backed cart repository.
func NewCartRepository(provider *ppostgres.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires postgres provider")
	}
	return &CartRepository{provider: provider}, nil
}

// ReadSnapshot returns the user's cart lines; a user without a cart gets an empty snapshot.
func (r *CartRepository) ReadSnapshot(ctx context.Context, userID string) (domain.CartSnapshot, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	snapshot := domain.CartSnapshot{UserID: userID}
	var header cartHeaderRow
	err = q.GetContext(ctx, &header, `SELECT coupon_code, coupon_discount FROM carts WHERE user_id = $1`, userID)
	switch {
	case err == nil:
		snapshot.CouponCode = header.CouponCode
		snapshot.CouponDiscount = header.CouponDiscount
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.CartSnapshot{}, ppostgres.WrapError("carts.read", err)
	}

	var rows []cartLineRow
	if err := q.SelectContext(ctx, &rows, `SELECT id, product_id, member_id, address_id, group_id, quantity,
		unit_price, special_price FROM cart_items WHERE user_id = $1 ORDER BY created_at, id`, userID); err != nil {
		return domain.CartSnapshot{}, ppostgres.WrapError("carts.read_lines", err)
	}
	snapshot.Lines = make([]domain.CartLine, 0, len(rows))
	for _, row := range rows {
		line := domain.CartLine{
			CartItemID: row.ID,
			ProductID:  row.ProductID,
			MemberID:   row.MemberID,
			AddressID:  row.AddressID,
			GroupID:    row.GroupID,
			Quantity:   row.Quantity,
			UnitPrice:  row.UnitPrice,
		}
		if row.SpecialPrice.Valid {
			special := row.SpecialPrice.Decimal
			line.SpecialPrice = &special
		}
		snapshot.Lines = append(snapshot.Lines, line)
	}
	return snapshot, nil
}

// Clear deletes the user's cart lines and coupon.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return ppostgres.WrapError("carts.clear_lines", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM carts WHERE user_id = $1`, userID); err != nil {
		return ppostgres.WrapError("carts.clear", err)
	}
	return nil
}
