package postgres

import (
	"context"
	"database/sql"
	"errors"

	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
)

// querier returns the transaction carried by ctx or the shared pool.
func querier(ctx context.Context, provider *ppostgres.Provider) (ppostgres.Querier, error) {
	if provider == nil {
		return nil, errors.New("postgres repository not initialised")
	}
	db, err := provider.DB(ctx)
	if err != nil {
		return nil, ppostgres.WrapError("connect", err)
	}
	return ppostgres.QuerierFrom(ctx, db), nil
}

func expectOneRow(op, what string, res sql.Result, err error) error {
	if err != nil {
		return ppostgres.WrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ppostgres.WrapError(op, err)
	}
	if affected == 0 {
		return ppostgres.NotFound(op, what)
	}
	return nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
