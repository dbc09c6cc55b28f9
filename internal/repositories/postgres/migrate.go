package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending schema migration. An up-to-date schema is not an error.
func Migrate(ctx context.Context, provider *ppostgres.Provider) error {
	if provider == nil {
		return errors.New("migrate: postgres provider is required")
	}
	db, err := provider.DB(ctx)
	if err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: load migrations: %w", err)
	}
	// A dedicated connection keeps m.Close from closing the shared pool.
	conn, err := db.Conn(ctx)
	if err != nil {
		return ppostgres.WrapError("migrate.conn", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("migrate: init driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}
