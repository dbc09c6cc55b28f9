package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nucleotide-health/orders/internal/platform/config"
)

func TestWrapErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{name: "no rows", err: sql.ErrNoRows, notFound: true},
		{name: "wrapped no rows", err: fmt.Errorf("scan: %w", sql.ErrNoRows), notFound: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, conflict: true},
		{name: "foreign key", err: &pq.Error{Code: "23503"}, conflict: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, conflict: true},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, conflict: true},
		{name: "lock not available", err: &pq.Error{Code: "55P03"}, conflict: true},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, unavailable: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, unavailable: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, unavailable: true},
		{name: "bad conn", err: driver.ErrBadConn, unavailable: true},
		{name: "syntax error", err: &pq.Error{Code: "42601"}},
		{name: "plain", err: errors.New("boom")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := WrapError("orders.insert", tc.err)
			var repoErr *Error
			if !errors.As(err, &repoErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification notFound=%v conflict=%v unavailable=%v",
					repoErr.IsNotFound(), repoErr.IsConflict(), repoErr.IsUnavailable())
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected wrapped error to unwrap to the driver error")
			}
		})
	}
}

func TestWrapErrorPassesThroughContextAndNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if err := WrapError("op", context.Canceled); err != context.Canceled {
		t.Fatalf("expected context.Canceled passthrough, got %v", err)
	}
	deadline := fmt.Errorf("query: %w", context.DeadlineExceeded)
	if err := WrapError("op", deadline); err != deadline {
		t.Fatalf("expected deadline passthrough, got %v", err)
	}
}

func TestWrapErrorKeepsExistingRepositoryError(t *testing.T) {
	original := NotFound("", "order")
	wrapped := WrapError("orders.find", original)
	if wrapped != original {
		t.Fatalf("expected the same error instance")
	}
	if wrapped.Error() != "orders.find: order not found" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})) {
		t.Fatalf("expected unique violation")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a unique violation")
	}
}

func TestRetryableTxError(t *testing.T) {
	if !isRetryableTxError(WrapError("commit", &pq.Error{Code: "40001"})) {
		t.Fatalf("serialization failure should be retried")
	}
	if isRetryableTxError(WrapError("commit", &pq.Error{Code: "23505"})) {
		t.Fatalf("unique violation should not be retried")
	}
}

func TestProviderRequiresDSN(t *testing.T) {
	provider := NewProvider(config.DatabaseConfig{})
	if _, err := provider.DB(context.Background()); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestProviderOpenFailureIsWrapped(t *testing.T) {
	provider := NewProvider(config.DatabaseConfig{DSN: "postgres://localhost/orders"})
	provider.open = func(string, string) (*sqlx.DB, error) {
		return nil, driver.ErrBadConn
	}
	_, err := provider.DB(context.Background())
	var repoErr *Error
	if !errors.As(err, &repoErr) || !repoErr.IsUnavailable() {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if err := provider.RunInTx(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected RunInTx to surface the open failure")
	}
}

func TestProviderClosed(t *testing.T) {
	provider := NewProvider(config.DatabaseConfig{DSN: "postgres://localhost/orders"})
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := provider.DB(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func TestRunTransactionValidatesArguments(t *testing.T) {
	if err := RunTransaction(context.Background(), nil, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if err := RunTransaction(context.Background(), &sqlx.DB{}, nil); err == nil {
		t.Fatalf("expected error for nil fn")
	}
}

func TestQuerierFromFallsBackToDB(t *testing.T) {
	db := &sqlx.DB{}
	if QuerierFrom(context.Background(), db) != Querier(db) {
		t.Fatalf("expected db querier outside a transaction")
	}
	if InTx(context.Background()) {
		t.Fatalf("background context must not report a transaction")
	}
}
