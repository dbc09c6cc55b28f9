package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/platform/pagination"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

const orderColumns = `id, order_number, user_id, placing_member_id, currency, subtotal, discount, coupon_code,
	coupon_discount, delivery_charge, total_amount, payment_status, order_status, gateway_provider,
	gateway_order_ref, gateway_payment_ref, gateway_signature, payment_method, paid_at,
	status_updated_at, created_at, updated_at`

const defaultListPageSize = 20

type orderRow struct {
	ID                string          `db:"id"`
	OrderNumber       string          `db:"order_number"`
	UserID            string          `db:"user_id"`
	PlacingMemberID   string          `db:"placing_member_id"`
	Currency          string          `db:"currency"`
	Subtotal          decimal.Decimal `db:"subtotal"`
	Discount          decimal.Decimal `db:"discount"`
	CouponCode        string          `db:"coupon_code"`
	CouponDiscount    decimal.Decimal `db:"coupon_discount"`
	DeliveryCharge    decimal.Decimal `db:"delivery_charge"`
	TotalAmount       decimal.Decimal `db:"total_amount"`
	PaymentStatus     string          `db:"payment_status"`
	OrderStatus       string          `db:"order_status"`
	GatewayProvider   string          `db:"gateway_provider"`
	GatewayOrderRef   sql.NullString  `db:"gateway_order_ref"`
	GatewayPaymentRef string          `db:"gateway_payment_ref"`
	GatewaySignature  string          `db:"gateway_signature"`
	PaymentMethod     string          `db:"payment_method"`
	PaidAt            sql.NullTime    `db:"paid_at"`
	StatusUpdatedAt   time.Time       `db:"status_updated_at"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func encodeOrder(order domain.Order) orderRow {
	row := orderRow{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		UserID:            order.UserID,
		PlacingMemberID:   order.PlacingMemberID,
		Currency:          order.Currency,
		Subtotal:          order.Subtotal,
		Discount:          order.Discount,
		CouponCode:        order.CouponCode,
		CouponDiscount:    order.CouponDiscount,
		DeliveryCharge:    order.DeliveryCharge,
		TotalAmount:       order.TotalAmount,
		PaymentStatus:     string(order.PaymentStatus),
		OrderStatus:       string(order.OrderStatus),
		GatewayProvider:   order.Payment.Provider,
		GatewayPaymentRef: order.Payment.GatewayPaymentRef,
		GatewaySignature:  order.Payment.GatewaySignature,
		PaymentMethod:     order.Payment.Method,
		StatusUpdatedAt:   order.StatusUpdatedAt.UTC(),
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	if ref := strings.TrimSpace(order.Payment.GatewayOrderRef); ref != "" {
		row.GatewayOrderRef = sql.NullString{String: ref, Valid: true}
	}
	if order.Payment.PaidAt != nil {
		row.PaidAt = sql.NullTime{Time: order.Payment.PaidAt.UTC(), Valid: true}
	}
	return row
}

func decodeOrder(row orderRow) domain.Order {
	order := domain.Order{
		ID:              row.ID,
		OrderNumber:     row.OrderNumber,
		UserID:          row.UserID,
		PlacingMemberID: row.PlacingMemberID,
		Currency:        row.Currency,
		Subtotal:        row.Subtotal,
		Discount:        row.Discount,
		CouponCode:      row.CouponCode,
		CouponDiscount:  row.CouponDiscount,
		DeliveryCharge:  row.DeliveryCharge,
		TotalAmount:     row.TotalAmount,
		PaymentStatus:   domain.PaymentStatus(row.PaymentStatus),
		OrderStatus:     domain.OrderStatus(row.OrderStatus),
		Payment: domain.PaymentState{
			Provider:          row.GatewayProvider,
			GatewayOrderRef:   row.GatewayOrderRef.String,
			GatewayPaymentRef: row.GatewayPaymentRef,
			GatewaySignature:  row.GatewaySignature,
			Method:            row.PaymentMethod,
		},
		StatusUpdatedAt: row.StatusUpdatedAt.UTC(),
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if row.PaidAt.Valid {
		paidAt := row.PaidAt.Time.UTC()
		order.Payment.PaidAt = &paidAt
	}
	return order
}

// OrderRepository implements repositories.OrderRepository on the orders table.
type OrderRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(provider *ppostgres.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires postgres provider")
	}
	return &OrderRepository{provider: provider}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, q, `INSERT INTO orders (`+orderColumns+`) VALUES (
		:id, :order_number, :user_id, :placing_member_id, :currency, :subtotal, :discount, :coupon_code,
		:coupon_discount, :delivery_charge, :total_amount, :payment_status, :order_status, :gateway_provider,
		:gateway_order_ref, :gateway_payment_ref, :gateway_signature, :payment_method, :paid_at,
		:status_updated_at, :created_at, :updated_at)`, encodeOrder(order))
	return ppostgres.WrapError("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.getOne(ctx, "orders.find", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.getOne(ctx, "orders.find_by_number", `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
}

func (r *OrderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	if !ppostgres.InTx(ctx) {
		return domain.Order{}, errors.New("orders.lock: a transaction is required")
	}
	return r.getOne(ctx, "orders.lock", `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
}

func (r *OrderRepository) LockByGatewayOrderRef(ctx context.Context, gatewayOrderRef string) (domain.Order, error) {
	if !ppostgres.InTx(ctx) {
		return domain.Order{}, errors.New("orders.lock_by_gateway_ref: a transaction is required")
	}
	return r.getOne(ctx, "orders.lock_by_gateway_ref",
		`SELECT `+orderColumns+` FROM orders WHERE gateway_order_ref = $1 FOR UPDATE`, gatewayOrderRef)
}

func (r *OrderRepository) UpdatePayment(ctx context.Context, order domain.Order) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, q, `UPDATE orders SET
		payment_status = :payment_status,
		order_status = :order_status,
		gateway_provider = :gateway_provider,
		gateway_order_ref = :gateway_order_ref,
		gateway_payment_ref = :gateway_payment_ref,
		gateway_signature = :gateway_signature,
		payment_method = :payment_method,
		paid_at = :paid_at,
		status_updated_at = :status_updated_at,
		updated_at = :updated_at
		WHERE id = :id`, encodeOrder(order))
	return expectOneRow("orders.update_payment", "order", res, err)
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE orders SET order_status = $2, status_updated_at = $3, updated_at = $3 WHERE id = $1`,
		orderID, string(status), updatedAt.UTC())
	return expectOneRow("orders.update_status", "order", res, err)
}

// ListByUser pages through a user's orders newest first using a (created_at, id) keyset cursor.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultListPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}

	clauses := []string{"user_id = $1"}
	args := []any{userID}
	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}
	if len(statuses) > 0 {
		args = append(args, pq.Array(statuses))
		clauses = append(clauses, fmt.Sprintf("order_status = ANY($%d)", len(args)))
	}
	scope := pagination.ScopeKey(statuses...)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeOrderCursor(token, scope)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		args = append(args, cursor.CreatedAt, cursor.ID)
		clauses = append(clauses, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, pageSize+1)

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		orderColumns, strings.Join(clauses, " AND "), len(args))

	var rows []orderRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return domain.CursorPage[domain.Order]{}, ppostgres.WrapError("orders.list_by_user", err)
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(rows), pageSize))}
	for i, row := range rows {
		if i == pageSize {
			last := page.Items[len(page.Items)-1]
			next, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID, Scope: scope})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = next
			break
		}
		page.Items = append(page.Items, decodeOrder(row))
	}
	return page, nil
}

func decodeOrderCursor(token, scope string) (pagination.Cursor, error) {
	cursor, err := pagination.DecodeScopedToken(token, scope)
	if err != nil {
		return pagination.Cursor{}, err
	}
	if cursor.IsZero() {
		return pagination.Cursor{}, pagination.ErrInvalidPageToken
	}
	return cursor, nil
}

func (r *OrderRepository) getOne(ctx context.Context, op, query string, args ...any) (domain.Order, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return domain.Order{}, err
	}
	var row orderRow
	if err := q.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, ppostgres.NotFound(op, "order")
		}
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	return decodeOrder(row), nil
}
