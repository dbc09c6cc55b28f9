package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/nucleotide-health/orders/internal/platform/secrets"
)

var (
	// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file holds the secret.
	ErrSecretNotFound = errors.New("secrets: secret not found")

	newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessor, error) {
		return secretmanager.NewClient(ctx, opts...)
	}
)

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references (gateway keys, webhook secrets, partner HMAC secrets)
// against Google Secret Manager, caching values for a bounded time and falling back to a
// local KEY=VALUE file when Secret Manager cannot be reached.
type Fetcher struct {
	client     accessor
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cachedSecret

	latency metric.Float64Histogram
	lookups metric.Int64Counter
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	meter        metric.Meter
	client       accessor
	clientOpts   []option.ClientOption
	ttl          time.Duration
	now          func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithProject sets the Secret Manager project used when a reference names none.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the local fallback file path; an empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = meter }
}

// WithCacheTTL bounds how long a resolved value is served from memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClientOptions passes options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClient(client accessor) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func withClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher builds a Fetcher. When no project is configured, or the Secret Manager client
// cannot be created, the fetcher serves values from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		ttl:          defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:       cfg.logger,
		project:      cfg.project,
		ttl:          cfg.ttl,
		now:          cfg.now,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cachedSecret),
	}

	var err error
	if f.latency, err = meter.Float64Histogram("orders.secrets.fetch.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret Manager access latency")); err != nil {
		return nil, fmt.Errorf("secrets: register latency histogram: %w", err)
	}
	if f.lookups, err = meter.Int64Counter("orders.secrets.lookups",
		metric.WithDescription("Secret lookups by source")); err != nil {
		return nil, fmt.Errorf("secrets: register lookup counter: %w", err)
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	case f.project != "":
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
			break
		}
		f.client = client
		f.ownsClient = true
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref, e.g. secret://razorpay-key-secret or
// secret://lab-genelab-hmac?version=3&project=nucleotide-prod.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.key()

	if value, ok := f.cached(key); ok {
		f.count(ctx, parsed, "cache")
		return value, nil
	}

	if f.client != nil {
		value, err := f.access(ctx, parsed)
		if err == nil {
			f.count(ctx, parsed, "secret_manager")
			f.store(key, value)
			return value, nil
		}
		if !canFallBack(err) {
			return "", fmt.Errorf("secrets: access %s: %w", maskReference(key), err)
		}
		f.logger.Warn("secrets: secret manager access failed, trying fallback file",
			zap.String("secret", maskReference(key)),
			zap.Error(err),
		)
	}

	value, ok := f.lookupFallback(parsed)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, maskReference(key))
	}
	f.count(ctx, parsed, "fallback")
	f.store(key, value)
	return value, nil
}

// Invalidate drops a cached value so the next Resolve goes back to Secret Manager.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, parsed.key())
	f.mu.Unlock()
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !f.now().Before(entry.expiresAt) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
}

func (f *Fetcher) access(ctx context.Context, ref reference) (string, error) {
	project := ref.project
	if project == "" {
		project = f.project
	}
	if project == "" {
		return "", status.Error(codes.FailedPrecondition, "no secret manager project configured")
	}
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)

	start := f.now()
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	f.latency.Record(ctx, float64(f.now().Sub(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("code", status.Code(err).String())))
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", ref.name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) count(ctx context.Context, ref reference, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", maskReference(ref.key())),
	))
}

func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(func() {
		values, err := readFallbackFile(f.fallbackPath)
		if err != nil {
			f.logger.Warn("secrets: unable to read fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
		}
		f.fallback = values
	})
	if value, ok := f.fallback[ref.name+"@"+ref.version]; ok {
		return value, true
	}
	if ref.version == "latest" {
		value, ok := f.fallback[ref.name]
		return value, ok
	}
	return "", false
}

// readFallbackFile parses lines of the form name=value or name@version=value.
func readFallbackFile(path string) (map[string]string, error) {
	values := map[string]string{}
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return values, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		name = strings.TrimPrefix(strings.TrimSpace(name), "secret://")
		if !ok || name == "" {
			continue
		}
		values[name] = strings.TrimSpace(value)
	}
	return values, scanner.Err()
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	if r.version == "latest" && r.project == "" {
		return r.name
	}
	return r.project + "/" + r.name + "@" + r.version
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return reference{}, fmt.Errorf("secrets: invalid secret name in %q", maskReference(ref))
	}
	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{name: name, version: version, project: strings.TrimSpace(query.Get("project"))}, nil
}

func canFallBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:6])
}
