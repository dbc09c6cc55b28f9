package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 10 * time.Second
)

// TxFunc is executed within a database transaction; repositories called with ctx join it.
type TxFunc func(ctx context.Context) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides how many times a transaction is retried after a serialization failure.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

type txKey struct{}

// Querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// QuerierFrom returns the transaction bound to ctx, falling back to db.
func QuerierFrom(ctx context.Context, db *sqlx.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return ok && tx != nil
}

// RunTransaction executes fn within a read-committed transaction on db. Nested calls join the
// outer transaction. Serialization failures and deadlocks are retried.
func RunTransaction(ctx context.Context, db *sqlx.DB, fn TxFunc, opts ...TxOption) error {
	if db == nil {
		return WrapError("transaction", errors.New("postgres: database is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if InTx(ctx) {
		return fn(ctx)
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	if cfg.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > cfg.timeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		err = runOnce(txnCtx, db, fn)
		if err == nil || !isRetryableTxError(err) || txnCtx.Err() != nil {
			break
		}
	}
	if err != nil {
		var repoErr *Error
		if errors.As(err, &repoErr) || isRetryableTxError(err) {
			return WrapError("transaction", err)
		}
	}
	return err
}

func runOnce(ctx context.Context, db *sqlx.DB, fn TxFunc) (err error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return WrapError("transaction.commit", err)
	}
	return nil
}
