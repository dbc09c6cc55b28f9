package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/nucleotide-health/orders/internal/platform/config"
	"github.com/nucleotide-health/orders/internal/platform/observability"
	"github.com/nucleotide-health/orders/internal/repositories"
	"github.com/nucleotide-health/orders/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Carts       services.CartSnapshotReader
	Factory     services.OrderFactory
	Reconciler  services.PaymentReconciler
	Fulfillment services.FulfillmentStatusTracker
	Ledger      services.StatusHistoryLedger
	Queries     services.OrderQueryService
	System      services.SystemService
}

// Infrastructure carries the process-level collaborators built in main before the container.
type Infrastructure struct {
	Gateways services.PaymentGateways
	Events   services.OrderEventPublisher
	Logger   *zap.Logger
	Meter    metric.Meter
	Build    services.BuildInfo
	Clock    func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Gateways == nil {
		return nil, errors.New("payment gateways are required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository pool.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}

	ledger, err := services.NewStatusHistoryLedger(services.StatusHistoryLedgerDeps{
		History: reg.StatusHistory(),
		Clock:   clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build status history ledger: %w", err)
	}
	svc.Ledger = ledger

	carts, err := services.NewCartSnapshotReader(services.CartSnapshotReaderDeps{Carts: reg.Carts()})
	if err != nil {
		return Services{}, fmt.Errorf("build cart snapshot reader: %w", err)
	}
	svc.Carts = carts

	factory, err := services.NewOrderFactory(services.OrderFactoryDeps{
		Orders:            reg.Orders(),
		Items:             reg.OrderItems(),
		Counters:          reg.Counters(),
		Ledger:            ledger,
		Gateways:          infra.Gateways,
		UnitOfWork:        reg,
		Events:            infra.Events,
		Clock:             clock,
		Logger:            observability.EventLogger(logger.Named("orders")),
		DeliveryCharge:    cfg.Orders.DeliveryCharge,
		Currency:          cfg.Payments.Currency,
		OrderNumberPrefix: cfg.Orders.NumberPrefix,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order factory: %w", err)
	}
	svc.Factory = factory

	metrics, err := services.NewReconcilerMetrics(infra.Meter)
	if err != nil {
		return Services{}, fmt.Errorf("build reconciler metrics: %w", err)
	}
	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:     reg.Orders(),
		Items:      reg.OrderItems(),
		Carts:      reg.Carts(),
		Deliveries: reg.WebhookDeliveries(),
		Ledger:     ledger,
		Gateways:   infra.Gateways,
		UnitOfWork: reg,
		Events:     infra.Events,
		Metrics:    metrics,
		Clock:      clock,
		Logger:     observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	tracker, err := services.NewFulfillmentStatusTracker(services.FulfillmentStatusTrackerDeps{
		Orders:     reg.Orders(),
		Items:      reg.OrderItems(),
		Ledger:     ledger,
		UnitOfWork: reg,
		Events:     infra.Events,
		Clock:      clock,
		Logger:     observability.EventLogger(logger.Named("fulfillment")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment tracker: %w", err)
	}
	svc.Fulfillment = tracker

	queries, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{
		Orders: reg.Orders(),
		Items:  reg.OrderItems(),
		Ledger: ledger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order query service: %w", err)
	}
	svc.Queries = queries

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
