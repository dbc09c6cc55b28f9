package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

// CounterRepository allocates sequence values with a single upsert per call.
type CounterRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Postgres-backed counter repository.
func NewCounterRepository(provider *ppostgres.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires postgres provider")
	}
	return &CounterRepository{provider: provider}, nil
}

// Next atomically increments the counter identified by counterID and returns the new value.
// A step of zero is treated as one.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, errors.New("counters.next: counter id is required")
	}
	if step < 0 {
		return 0, fmt.Errorf("counters.next: step must be positive, got %d", step)
	}
	if step == 0 {
		step = 1
	}

	q, err := querier(ctx, r.provider)
	if err != nil {
		return 0, err
	}
	var value int64
	err = q.GetContext(ctx, &value, `INSERT INTO counters (id, value) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value
		RETURNING value`, id, step)
	if err != nil {
		return 0, ppostgres.WrapError("counters.next", err)
	}
	return value, nil
}
