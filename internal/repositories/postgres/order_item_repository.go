package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

const orderItemColumns = `id, order_id, product_id, member_id, address_id, group_id, quantity, unit_price,
	total_price, order_status, status_updated_at, scheduled_date, technician_name, technician_contact,
	lab_name, created_at`

type orderItemRow struct {
	ID                string          `db:"id"`
	OrderID           string          `db:"order_id"`
	ProductID         string          `db:"product_id"`
	MemberID          string          `db:"member_id"`
	AddressID         string          `db:"address_id"`
	GroupID           string          `db:"group_id"`
	Quantity          int             `db:"quantity"`
	UnitPrice         decimal.Decimal `db:"unit_price"`
	TotalPrice        decimal.Decimal `db:"total_price"`
	OrderStatus       string          `db:"order_status"`
	StatusUpdatedAt   time.Time       `db:"status_updated_at"`
	ScheduledDate     sql.NullTime    `db:"scheduled_date"`
	TechnicianName    string          `db:"technician_name"`
	TechnicianContact string          `db:"technician_contact"`
	LabName           string          `db:"lab_name"`
	CreatedAt         time.Time       `db:"created_at"`
}

func encodeOrderItem(item domain.OrderItem) orderItemRow {
	row := orderItemRow{
		ID:                item.ID,
		OrderID:           item.OrderID,
		ProductID:         item.ProductID,
		MemberID:          item.MemberID,
		AddressID:         item.AddressID,
		GroupID:           item.GroupID,
		Quantity:          item.Quantity,
		UnitPrice:         item.UnitPrice,
		TotalPrice:        item.TotalPrice,
		OrderStatus:       string(item.OrderStatus),
		StatusUpdatedAt:   item.StatusUpdatedAt.UTC(),
		TechnicianName:    item.Scheduling.TechnicianName,
		TechnicianContact: item.Scheduling.TechnicianContact,
		LabName:           item.Scheduling.LabName,
		CreatedAt:         item.CreatedAt.UTC(),
	}
	if item.Scheduling.ScheduledDate != nil {
		row.ScheduledDate = sql.NullTime{Time: item.Scheduling.ScheduledDate.UTC(), Valid: true}
	}
	return row
}

func decodeOrderItem(row orderItemRow) domain.OrderItem {
	item := domain.OrderItem{
		ID:              row.ID,
		OrderID:         row.OrderID,
		ProductID:       row.ProductID,
		MemberID:        row.MemberID,
		AddressID:       row.AddressID,
		GroupID:         row.GroupID,
		Quantity:        row.Quantity,
		UnitPrice:       row.UnitPrice,
		TotalPrice:      row.TotalPrice,
		OrderStatus:     domain.OrderStatus(row.OrderStatus),
		StatusUpdatedAt: row.StatusUpdatedAt.UTC(),
		Scheduling: domain.SchedulingDetails{
			TechnicianName:    row.TechnicianName,
			TechnicianContact: row.TechnicianContact,
			LabName:           row.LabName,
		},
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.ScheduledDate.Valid {
		date := row.ScheduledDate.Time.UTC()
		item.Scheduling.ScheduledDate = &date
	}
	return item
}

// OrderItemRepository implements repositories.OrderItemRepository on the order_items table.
type OrderItemRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.OrderItemRepository = (*OrderItemRepository)(nil)

// NewOrderItemRepository constructs a Postgres-backed order item repository.
func NewOrderItemRepository(provider *ppostgres.Provider) (*OrderItemRepository, error) {
	if provider == nil {
		return nil, errors.New("order item repository requires postgres provider")
	}
	return &OrderItemRepository{provider: provider}, nil
}

func (r *OrderItemRepository) InsertMany(ctx context.Context, items []domain.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	rows := make([]orderItemRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, encodeOrderItem(item))
	}
	_, err = sqlx.NamedExecContext(ctx, q, `INSERT INTO order_items (`+orderItemColumns+`) VALUES (
		:id, :order_id, :product_id, :member_id, :address_id, :group_id, :quantity, :unit_price,
		:total_price, :order_status, :status_updated_at, :scheduled_date, :technician_name,
		:technician_contact, :lab_name, :created_at)`, rows)
	return ppostgres.WrapError("order_items.insert", err)
}

func (r *OrderItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	var rows []orderItemRow
	if err := q.SelectContext(ctx, &rows,
		`SELECT `+orderItemColumns+` FROM order_items WHERE order_id = $1 ORDER BY created_at, id`, orderID); err != nil {
		return nil, ppostgres.WrapError("order_items.list", err)
	}
	items := make([]domain.OrderItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, decodeOrderItem(row))
	}
	return items, nil
}

// UpdateStatuses writes status and scheduling fields for each item.
func (r *OrderItemRepository) UpdateStatuses(ctx context.Context, items []domain.OrderItem) error {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	for _, item := range items {
		res, err := sqlx.NamedExecContext(ctx, q, `UPDATE order_items SET
			order_status = :order_status,
			status_updated_at = :status_updated_at,
			scheduled_date = :scheduled_date,
			technician_name = :technician_name,
			technician_contact = :technician_contact,
			lab_name = :lab_name
			WHERE id = :id AND order_id = :order_id`, encodeOrderItem(item))
		if err := expectOneRow("order_items.update_status", "order item", res, err); err != nil {
			return err
		}
	}
	return nil
}
