package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nucleotide-health/orders/internal/platform/config"
)

const (
	driverName         = "postgres"
	defaultDialTimeout = 10 * time.Second
)

var ErrProviderClosed = errors.New("postgres: provider is closed")

type initResult struct {
	db  *sqlx.DB
	err error
}

// Provider lazily opens a shared connection pool and runs transactions against it.
type Provider struct {
	cfg         config.DatabaseConfig
	dialTimeout time.Duration
	open        func(driver, dsn string) (*sqlx.DB, error)

	stateMu sync.Mutex
	initCh  chan initResult
	db      *sqlx.DB

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout overrides the timeout used for the initial ping.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithDB installs an already opened pool, skipping lazy initialisation.
func WithDB(db *sqlx.DB) ProviderOption {
	return func(p *Provider) {
		p.db = db
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{
		cfg:         cfg,
		dialTimeout: defaultDialTimeout,
		open:        sqlx.Open,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// DB returns the lazily opened pool. Concurrent callers share one initialisation attempt.
func (p *Provider) DB(ctx context.Context) (*sqlx.DB, error) {
	if ctx == nil {
		return nil, errors.New("postgres: context is required")
	}

	for {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}

		p.stateMu.Lock()
		if p.db != nil {
			db := p.db
			p.stateMu.Unlock()
			return db, nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-waitCh:
				if res.err != nil {
					return nil, res.err
				}
				continue
			}
		}

		waitCh := make(chan initResult, 1)
		p.initCh = waitCh
		p.stateMu.Unlock()

		db, err := p.connect(ctx)

		p.stateMu.Lock()
		if err == nil {
			if p.closed.Load() {
				_ = db.Close()
				err = ErrProviderClosed
			} else {
				p.db = db
			}
		}
		p.initCh = nil
		p.stateMu.Unlock()

		waitCh <- initResult{db: db, err: err}
		close(waitCh)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func (p *Provider) connect(ctx context.Context) (*sqlx.DB, error) {
	dsn := strings.TrimSpace(p.cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := p.open(driverName, dsn)
	if err != nil {
		return nil, WrapError("open", err)
	}
	if p.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	}
	if p.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, WrapError("ping", err)
	}
	return db, nil
}

// Ping verifies the database is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}
	return WrapError("ping", db.PingContext(ctx))
}

// RunInTx implements repositories.UnitOfWork using the configured attempts and timeout.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, db, fn, WithTxAttempts(p.cfg.TxAttempts), WithTxTimeout(p.cfg.TxTimeout))
}

// Close releases the pool. Subsequent calls to DB fail with ErrProviderClosed.
func (p *Provider) Close(context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.stateMu.Lock()
	db := p.db
	p.db = nil
	p.stateMu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}
