package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/nucleotide-health/orders/internal/di"
	"github.com/nucleotide-health/orders/internal/handlers"
	"github.com/nucleotide-health/orders/internal/payments"
	"github.com/nucleotide-health/orders/internal/platform/auth"
	"github.com/nucleotide-health/orders/internal/platform/config"
	"github.com/nucleotide-health/orders/internal/platform/idempotency"
	"github.com/nucleotide-health/orders/internal/platform/jobs"
	"github.com/nucleotide-health/orders/internal/platform/observability"
	ppostgres "github.com/nucleotide-health/orders/internal/platform/postgres"
	"github.com/nucleotide-health/orders/internal/platform/secrets"
	"github.com/nucleotide-health/orders/internal/repositories"
	pgrepo "github.com/nucleotide-health/orders/internal/repositories/postgres"
	"github.com/nucleotide-health/orders/internal/services"
)

const meterName = "github.com/nucleotide-health/orders"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["ORDERS_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)
	meter := otel.GetMeterProvider().Meter(meterName)

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(strings.TrimSpace(envValues["ORDERS_SECRETS_PROJECT_ID"])),
		secrets.WithFallbackFile(secretFallbackFile(envValues)),
		secrets.WithMeter(meter),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	provider := ppostgres.NewProvider(cfg.Database)
	if _, err := provider.DB(ctx); err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if cfg.Database.MigrateOnStart {
		if err := pgrepo.Migrate(ctx, provider); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	redisClient := newRedisClient(cfg.Redis)
	var checks []repositories.DependencyCheck
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	} else {
		logger.Warn("redis not configured; idempotency keys and lab nonces are process-local")
	}

	registry, err := pgrepo.NewRegistry(pgrepo.RegistryDeps{Provider: provider, Checks: checks})
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	gateways, err := newPaymentGateways(cfg.Payments, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg.Events, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	defer closePublisher()

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Gateways: gateways,
		Events:   publisher,
		Logger:   logger,
		Meter:    meter,
		Build:    buildInfo,
		Clock:    time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("postgres close error", zap.Error(err))
		}
	}()
	svc := container.Services

	authLogger := logger.Named("auth")
	authMetrics, err := auth.NewMeterRecorder(meter)
	if err != nil {
		logger.Fatal("failed to initialise auth metrics", zap.Error(err))
	}
	sessionVerifier, err := auth.NewSessionVerifier(cfg.Security.Session)
	if err != nil {
		logger.Fatal("failed to initialise session verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(sessionVerifier, auth.WithMetrics(authMetrics))
	operatorMiddleware := buildOperatorMiddleware(authLogger, authMetrics, cfg.Security.OIDC)
	labMiddleware, err := buildLabMiddleware(authLogger, authMetrics, cfg, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise lab partner authentication", zap.Error(err))
	}

	idempotencyMiddleware, err := buildIdempotencyMiddleware(logger.Named("idempotency"), cfg, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(handlers.OrderHandlerDeps{
		Authenticator:     authenticator,
		Carts:             svc.Carts,
		Factory:           svc.Factory,
		Reconciler:        svc.Reconciler,
		Queries:           svc.Queries,
		CreateMiddlewares: []func(http.Handler) http.Handler{idempotencyMiddleware},
	})
	fulfillmentHandlers := handlers.NewFulfillmentHandlers(svc.Fulfillment, svc.Queries)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Reconciler)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithBasePath(cfg.Server.BasePath),
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(fulfillmentHandlers.AdminRoutes(operatorMiddleware)),
		handlers.WithLabRoutes(fulfillmentHandlers.LabRoutes(labMiddleware)),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("orders api listening",
			zap.String("version", buildInfo.Version),
			zap.String("environment", buildInfo.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["ORDERS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func secretFallbackFile(env map[string]string) string {
	if path := strings.TrimSpace(env["ORDERS_SECRETS_FALLBACK_FILE"]); path != "" {
		return path
	}
	return ".secrets.local"
}

// requiredSecretNames lists the config fields that must resolve to a non-empty value for the
// selected payment provider.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Database.DSN", "Security.Session.Secret"}
	switch strings.ToLower(strings.TrimSpace(env["ORDERS_PAYMENTS_PROVIDER"])) {
	case "stripe":
		required = append(required, "Payments.Stripe.APIKey", "Payments.Stripe.WebhookSecret")
	default:
		required = append(required, "Payments.Razorpay.KeySecret", "Payments.Razorpay.WebhookSecret")
	}
	return required
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// newPaymentGateways registers every gateway with credentials; the configured provider is the default.
func newPaymentGateways(cfg config.PaymentsConfig, logger *zap.Logger) (*payments.Manager, error) {
	var providers []payments.Provider
	if strings.TrimSpace(cfg.Razorpay.KeyID) != "" {
		razorpay, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:         cfg.Razorpay.KeyID,
			KeySecret:     cfg.Razorpay.KeySecret,
			WebhookSecret: cfg.Razorpay.WebhookSecret,
			BaseURL:       cfg.Razorpay.BaseURL,
			Timeout:       cfg.Timeout,
			Logger:        observability.EventLogger(logger.Named("razorpay")),
		})
		if err != nil {
			return nil, fmt.Errorf("razorpay: %w", err)
		}
		providers = append(providers, razorpay)
	}
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.Stripe.APIKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Logger:        observability.EventLogger(logger.Named("stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers = append(providers, stripe)
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(cfg.Provider))
}

// newEventPublisher selects the order event bus; the returned func releases its clients.
func newEventPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (services.OrderEventPublisher, func(), error) {
	switch cfg.Backend {
	case config.EventsBackendKafka:
		publisher, err := jobs.NewKafkaOrderEventPublisher(cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka publisher close error", zap.Error(err))
			}
		}, nil
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Topic)
		topic.EnableMessageOrdering = true
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("pubsub publisher close error", zap.Error(err))
			}
			if err := client.Close(); err != nil {
				logger.Warn("pubsub client close error", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("order events are logged only", zap.String("backend", cfg.Backend))
		return jobs.NewLoggingOrderEventPublisher(observability.NewPrintfAdapter(logger)), func() {}, nil
	}
}

func buildOperatorMiddleware(logger *zap.Logger, metrics auth.MetricsRecorder, cfg config.OIDCConfig) func(http.Handler) http.Handler {
	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter), auth.WithOIDCMetrics(metrics))

	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; admin routes will reject requests")
	}
	return validator.RequireOperator(audience, cfg.Issuers)
}

// buildLabMiddleware maps each configured partner to its "lab/<partner>" signing secret.
func buildLabMiddleware(logger *zap.Logger, metrics auth.MetricsRecorder, cfg config.Config, client *redis.Client) (func(http.Handler) http.Handler, error) {
	partnerSecrets := make(auth.StaticSecrets, len(cfg.Security.HMAC.Secrets))
	for partner, secret := range cfg.Security.HMAC.Secrets {
		partner = strings.ToLower(strings.TrimSpace(partner))
		if partner == "" || strings.TrimSpace(secret) == "" {
			continue
		}
		partnerSecrets["lab/"+strings.TrimPrefix(partner, "lab/")] = secret
	}
	if len(partnerSecrets) == 0 {
		logger.Warn("auth: no lab partner secrets configured; lab routes will reject requests")
	}

	var nonces auth.NonceStore = auth.NewInMemoryNonceStore()
	if client != nil {
		store, err := auth.NewRedisNonceStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		nonces = store
	}

	hmacCfg := cfg.Security.HMAC
	validator := auth.NewHMACValidator(partnerSecrets, nonces,
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACMetrics(metrics),
		auth.WithHMACHeaders(hmacCfg.SignatureHeader, hmacCfg.TimestampHeader, hmacCfg.NonceHeader),
		auth.WithHMACClockSkew(hmacCfg.ClockSkew),
		auth.WithHMACNonceTTL(hmacCfg.NonceTTL),
	)
	return validator.RequireLabPartner(), nil
}

// buildIdempotencyMiddleware guards order creation; requests without the header pass through.
func buildIdempotencyMiddleware(logger *zap.Logger, cfg config.Config, client *redis.Client) (func(http.Handler) http.Handler, error) {
	var store idempotency.Store = idempotency.NewMemoryStore()
	if client != nil {
		redisStore, err := idempotency.NewRedisStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		store = redisStore
	}
	return idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithMethods(http.MethodPost),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger)),
	), nil
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Secrets.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Events.ProjectID)
}
