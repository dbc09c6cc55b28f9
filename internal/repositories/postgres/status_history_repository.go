package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nucleotide-health/orders/internal/domain"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

const historyColumns = `id, order_id, order_item_id, status, previous_status, payment_status, notes, changed_by, created_at`

type historyRow struct {
	ID             string         `db:"id"`
	OrderID        string         `db:"order_id"`
	OrderItemID    sql.NullString `db:"order_item_id"`
	Status         string         `db:"status"`
	PreviousStatus sql.NullString `db:"previous_status"`
	PaymentStatus  string         `db:"payment_status"`
	Notes          string         `db:"notes"`
	ChangedBy      string         `db:"changed_by"`
	CreatedAt      time.Time      `db:"created_at"`
}

// StatusHistoryRepository implements the append-only order_status_history ledger.
type StatusHistoryRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.StatusHistoryRepository = (*StatusHistoryRepository)(nil)

// NewStatusHistoryRepository constructs a Postgres-backed history repository.
func NewStatusHistoryRepository(provider *ppostgres.Provider) (*StatusHistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("status history repository requires postgres provider")
	}
	return &StatusHistoryRepository{provider: provider}, nil
}

func (r *StatusHistoryRepository) Append(ctx context.Context, entries ...domain.StatusHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q, err := querier(ctx, r.provider)
	if err != nil {
		return err
	}
	rows := make([]historyRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, encodeHistoryEntry(entry))
	}
	_, err = sqlx.NamedExecContext(ctx, q, `INSERT INTO order_status_history (`+historyColumns+`) VALUES (
		:id, :order_id, :order_item_id, :status, :previous_status, :payment_status, :notes, :changed_by, :created_at)`, rows)
	return ppostgres.WrapError("status_history.append", err)
}

func (r *StatusHistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	q, err := querier(ctx, r.provider)
	if err != nil {
		return nil, err
	}
	var rows []historyRow
	if err := q.SelectContext(ctx, &rows,
		`SELECT `+historyColumns+` FROM order_status_history WHERE order_id = $1 ORDER BY created_at DESC, id DESC`, orderID); err != nil {
		return nil, ppostgres.WrapError("status_history.list", err)
	}
	entries := make([]domain.StatusHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, decodeHistoryRow(row))
	}
	return entries, nil
}

// encodeHistoryEntry stores an empty item id or previous status as NULL.
func encodeHistoryEntry(entry domain.StatusHistoryEntry) historyRow {
	return historyRow{
		ID:             entry.ID,
		OrderID:        entry.OrderID,
		OrderItemID:    nullString(entry.OrderItemID),
		Status:         string(entry.Status),
		PreviousStatus: nullString(string(entry.PreviousStatus)),
		PaymentStatus:  string(entry.PaymentStatus),
		Notes:          entry.Notes,
		ChangedBy:      entry.ChangedBy,
		CreatedAt:      entry.CreatedAt.UTC(),
	}
}

func decodeHistoryRow(row historyRow) domain.StatusHistoryEntry {
	return domain.StatusHistoryEntry{
		ID:             row.ID,
		OrderID:        row.OrderID,
		OrderItemID:    row.OrderItemID.String,
		Status:         domain.OrderStatus(row.Status),
		PreviousStatus: domain.OrderStatus(row.PreviousStatus.String),
		PaymentStatus:  domain.PaymentStatus(row.PaymentStatus),
		Notes:          row.Notes,
		ChangedBy:      row.ChangedBy,
		CreatedAt:      row.CreatedAt.UTC(),
	}
}
