package postgres

import (
	"context"
	"errors"
	"fmt"

	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/repositories"
)

// RegistryDeps bundles the collaborators used to assemble the Postgres registry.
type RegistryDeps struct {
	Provider *ppostgres.Provider
	// Checks are probed alongside the database on readiness requests.
	Checks []repositories.DependencyCheck
}

// Registry implements repositories.Registry with Postgres-backed repositories sharing one pool.
type Registry struct {
	provider *ppostgres.Provider

	orders     *OrderRepository
	items      *OrderItemRepository
	history    *StatusHistoryRepository
	deliveries *WebhookDeliveryRepository
	carts      *CartRepository
	counters   *CounterRepository
	health     repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	provider := deps.Provider
	if provider == nil {
		return nil, errors.New("postgres registry requires provider")
	}

	reg := &Registry{provider: provider}
	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.items, err = NewOrderItemRepository(provider); err != nil {
		return nil, err
	}
	if reg.history, err = NewStatusHistoryRepository(provider); err != nil {
		return nil, err
	}
	if reg.deliveries, err = NewWebhookDeliveryRepository(provider); err != nil {
		return nil, err
	}
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{{
		Name:  "database",
		Check: provider.Ping,
	}}, deps.Checks...)
	if reg.health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
		return nil, fmt.Errorf("postgres registry: %w", err)
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) OrderItems() repositories.OrderItemRepository { return r.items }
func (r *Registry) StatusHistory() repositories.StatusHistoryRepository { return r.history }
func (r *Registry) WebhookDeliveries() repositories.WebhookDeliveryRepository { return r.deliveries }
func (r *Registry) Carts() repositories.CartRepository { return r.carts }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository { return r.health }
