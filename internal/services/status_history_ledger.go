package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nucleotide-health/orders/internal/platform/textutil"
	"github.com/nucleotide-health/orders/internal/repositories"
)

// StatusHistoryLedgerDeps bundles collaborators required to construct the ledger.
type StatusHistoryLedgerDeps struct {
	History     repositories.StatusHistoryRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type statusHistoryLedger struct {
	history repositories.StatusHistoryRepository
	clock   func() time.Time
	newID   func() string
}

var _ StatusHistoryLedger = (*statusHistoryLedger)(nil)

// NewStatusHistoryLedger constructs the append-only ledger.
func NewStatusHistoryLedger(deps StatusHistoryLedgerDeps) (StatusHistoryLedger, error) {
	if deps.History == nil {
		return nil, errors.New("status history ledger: history repository is required")
	}
	return &statusHistoryLedger{
		history: deps.History,
		clock:   defaultClock(deps.Clock),
		newID:   defaultIDGenerator(deps.IDGenerator),
	}, nil
}

// Append assigns ids and timestamps and writes the entries in the caller's transaction.
func (l *statusHistoryLedger) Append(ctx context.Context, entries ...StatusHistoryEntry) ([]StatusHistoryEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	now := l.clock()
	prepared := make([]StatusHistoryEntry, 0, len(entries))
	for _, entry := range entries {
		entry.OrderID = strings.TrimSpace(entry.OrderID)
		if entry.OrderID == "" {
			return nil, fmt.Errorf("%w: history entry requires an order id", ErrOrderInvalidInput)
		}
		if entry.Status == "" {
			return nil, fmt.Errorf("%w: history entry requires a status", ErrOrderInvalidInput)
		}
		if entry.ID == "" {
			entry.ID = historyIDPrefix + l.newID()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.Notes = textutil.SanitizeNotes(entry.Notes)
		entry.ChangedBy = strings.TrimSpace(entry.ChangedBy)
		prepared = append(prepared, entry)
	}
	if err := l.history.Append(ctx, prepared...); err != nil {
		return nil, mapRepositoryError(err)
	}
	return prepared, nil
}

func (l *statusHistoryLedger) ListFor(ctx context.Context, orderID string) ([]StatusHistoryEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	entries, err := l.history.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return entries, nil
}
