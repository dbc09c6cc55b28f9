package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultBasePath            = "/api/v1"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 15 * time.Second
	defaultDBMaxOpenConns      = 20
	defaultDBMaxIdleConns      = 5
	defaultDBConnMaxLifetime   = 30 * time.Minute
	defaultDBTxTimeout         = 10 * time.Second
	defaultDBTxAttempts        = 3
	defaultRedisKeyPrefix      = "orders"
	defaultEventsBackend       = EventsBackendKafka
	defaultEventsTopic         = "order-events"
	defaultPaymentsProvider    = "razorpay"
	defaultPaymentsCurrency    = "INR"
	defaultPaymentsTimeout     = 10 * time.Second
	defaultOrderNumberPrefix   = "ORD"
	defaultDeliveryCharge      = "0"
	defaultSecurityEnvironment = "local"
	defaultSessionIssuer       = "nucleotide-auth"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultSecretsFallbackFile = ".secrets.local"
)

// Event bus backends supported by the publisher wiring.
const (
	EventsBackendKafka  = "kafka"
	EventsBackendPubSub = "pubsub"
	EventsBackendNone   = "none"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Events      EventsConfig
	Payments    PaymentsConfig
	Orders      OrdersConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Secrets     SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	BasePath        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
	TxTimeout       time.Duration
	TxAttempts      int
}

// RedisConfig configures the shared Redis client used for idempotency keys and HMAC nonces.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// EventsConfig selects the order event bus.
type EventsConfig struct {
	Backend   string
	Brokers   []string
	Topic     string
	ProjectID string
}

// PaymentsConfig configures the payment gateways.
type PaymentsConfig struct {
	Provider string
	Currency string
	Timeout  time.Duration
	Razorpay RazorpayConfig
	Stripe   StripeConfig
}

// RazorpayConfig holds Razorpay credentials.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// OrdersConfig carries order pricing and numbering parameters.
type OrdersConfig struct {
	DeliveryCharge decimal.Decimal
	NumberPrefix   string
}

// SecurityConfig groups caller authentication settings.
type SecurityConfig struct {
	Environment string
	Session     SessionConfig
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// SessionConfig controls customer session token verification.
type SessionConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// OIDCConfig controls operator token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures lab partner signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretsConfig configures secret:// resolution.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

// RedactedNames returns hashed identifiers safe to log.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Payments.Razorpay.KeySecret") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < process env < explicit map) so
// callers can initialise the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	src, err := newEnvSource(options)
	if err != nil {
		return nil, err
	}
	return src.merged(), nil
}

// Load assembles the application configuration from defaults, .env overrides, environment
// variables and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            src.str("ORDERS_SERVER_PORT", defaultPort),
			BasePath:        src.str("ORDERS_SERVER_BASE_PATH", defaultBasePath),
			ReadTimeout:     src.duration("ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    src.duration("ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     src.duration("ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: src.duration("ORDERS_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			DSN:             src.str("ORDERS_DATABASE_URL", ""),
			MaxOpenConns:    src.integer("ORDERS_DATABASE_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    src.integer("ORDERS_DATABASE_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: src.duration("ORDERS_DATABASE_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
			MigrateOnStart:  src.boolean("ORDERS_DATABASE_MIGRATE", true),
			TxTimeout:       src.duration("ORDERS_DATABASE_TX_TIMEOUT", defaultDBTxTimeout),
			TxAttempts:      src.integer("ORDERS_DATABASE_TX_ATTEMPTS", defaultDBTxAttempts),
		},
		Redis: RedisConfig{
			Addr:      src.str("ORDERS_REDIS_ADDR", ""),
			Password:  src.str("ORDERS_REDIS_PASSWORD", ""),
			DB:        src.integer("ORDERS_REDIS_DB", 0),
			KeyPrefix: src.str("ORDERS_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Events: EventsConfig{
			Backend:   strings.ToLower(src.str("ORDERS_EVENTS_BACKEND", defaultEventsBackend)),
			Brokers:   src.csv("ORDERS_EVENTS_KAFKA_BROKERS"),
			Topic:     src.str("ORDERS_EVENTS_TOPIC", defaultEventsTopic),
			ProjectID: src.str("ORDERS_EVENTS_PUBSUB_PROJECT_ID", ""),
		},
		Payments: PaymentsConfig{
			Provider: strings.ToLower(src.str("ORDERS_PAYMENTS_PROVIDER", defaultPaymentsProvider)),
			Currency: strings.ToUpper(src.str("ORDERS_PAYMENTS_CURRENCY", defaultPaymentsCurrency)),
			Timeout:  src.duration("ORDERS_PAYMENTS_TIMEOUT", defaultPaymentsTimeout),
			Razorpay: RazorpayConfig{
				KeyID:         src.str("ORDERS_RAZORPAY_KEY_ID", ""),
				KeySecret:     src.str("ORDERS_RAZORPAY_KEY_SECRET", ""),
				WebhookSecret: src.str("ORDERS_RAZORPAY_WEBHOOK_SECRET", ""),
				BaseURL:       src.str("ORDERS_RAZORPAY_BASE_URL", ""),
			},
			Stripe: StripeConfig{
				APIKey:        src.str("ORDERS_STRIPE_API_KEY", ""),
				WebhookSecret: src.str("ORDERS_STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Orders: OrdersConfig{
			NumberPrefix: src.str("ORDERS_NUMBER_PREFIX", defaultOrderNumberPrefix),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("ORDERS_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			Session: SessionConfig{
				Secret:   src.str("ORDERS_SESSION_SECRET", ""),
				Issuer:   src.str("ORDERS_SESSION_ISSUER", defaultSessionIssuer),
				Audience: src.str("ORDERS_SESSION_AUDIENCE", ""),
			},
			OIDC: OIDCConfig{
				JWKSURL:   src.str("ORDERS_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  src.str("ORDERS_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: src.keyValues("ORDERS_SECURITY_OIDC_AUDIENCES"),
				Issuers:   src.csv("ORDERS_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         src.keyValues("ORDERS_SECURITY_HMAC_SECRETS"),
				SignatureHeader: src.str("ORDERS_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: src.str("ORDERS_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     src.str("ORDERS_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       src.duration("ORDERS_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        src.duration("ORDERS_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: src.str("ORDERS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    src.duration("ORDERS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Secrets: SecretsConfig{
			ProjectID:    src.str("ORDERS_SECRETS_PROJECT_ID", ""),
			FallbackFile: src.str("ORDERS_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	var invalid []string
	charge, err := decimal.NewFromString(src.str("ORDERS_DELIVERY_CHARGE", defaultDeliveryCharge))
	if err != nil {
		invalid = append(invalid, "Orders.DeliveryCharge")
	}
	cfg.Orders.DeliveryCharge = charge

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Redis.Password", &cfg.Redis.Password},
		{"Payments.Razorpay.KeySecret", &cfg.Payments.Razorpay.KeySecret},
		{"Payments.Razorpay.WebhookSecret", &cfg.Payments.Razorpay.WebhookSecret},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.WebhookSecret", &cfg.Payments.Stripe.WebhookSecret},
		{"Security.Session.Secret", &cfg.Security.Session.Secret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}
	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, resolver)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = secret
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if !strings.HasPrefix(cfg.Server.BasePath, "/") {
		invalid = append(invalid, "Server.BasePath")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		invalid = append(invalid, "Database.DSN")
	}
	if cfg.Database.TxAttempts <= 0 {
		invalid = append(invalid, "Database.TxAttempts")
	}
	switch cfg.Events.Backend {
	case EventsBackendKafka:
		if len(cfg.Events.Brokers) == 0 {
			invalid = append(invalid, "Events.Brokers")
		}
	case EventsBackendPubSub:
		if cfg.Events.ProjectID == "" {
			invalid = append(invalid, "Events.ProjectID")
		}
	case EventsBackendNone:
	default:
		invalid = append(invalid, "Events.Backend")
	}
	if _, err := currency.ParseISO(cfg.Payments.Currency); err != nil {
		invalid = append(invalid, "Payments.Currency")
	}
	switch cfg.Payments.Provider {
	case "razorpay":
		if cfg.Payments.Razorpay.KeyID == "" {
			invalid = append(invalid, "Payments.Razorpay.KeyID")
		}
	case "stripe":
	default:
		invalid = append(invalid, "Payments.Provider")
	}
	if cfg.Orders.DeliveryCharge.IsNegative() {
		invalid = append(invalid, "Orders.DeliveryCharge")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &MissingSecretsError{names: names}
}

func systemEnvironment() map[string]string {
	values := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		values[strings.TrimSpace(key)] = value
	}
	return values
}
