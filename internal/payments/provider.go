package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/nucleotide-health/orders/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrProviderUnavailable wraps transport failures and 5xx responses from the gateway.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
	// ErrProviderRejected indicates the gateway refused the request.
	ErrProviderRejected = errors.New("payments: provider rejected request")
	// ErrMalformedEvent indicates a webhook payload could not be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
	// ErrUnsupportedEvent indicates a well-formed webhook event the reconciler does not act on.
	ErrUnsupportedEvent = errors.New("payments: unsupported webhook event")
)

// TransactionRequest opens a gateway transaction for an order total.
type TransactionRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Receipt        string
	Notes          map[string]string
	IdempotencyKey string
}

// Transaction is the gateway-side record returned to the client for checkout.
type Transaction struct {
	Provider     string
	OrderRef     string
	AmountMinor  int64
	Currency     string
	PublicKey    string
	ClientSecret string
}

// ClientConfirmation carries the identifiers returned by the gateway's client checkout.
type ClientConfirmation struct {
	OrderRef   string
	PaymentRef string
	Signature  string
}

// Provider is implemented by each gateway adapter.
type Provider interface {
	Name() string
	CreateTransaction(ctx context.Context, req TransactionRequest) (Transaction, error)
	VerifyPaymentSignature(ctx context.Context, confirmation ClientConfirmation) (bool, error)
	VerifyWebhookSignature(payload []byte, headers http.Header) bool
	ParseWebhookEvent(payload []byte, headers http.Header) (domain.PaymentEvent, error)
}

// Manager routes calls to the configured default provider or a named one.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when none is named.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseProviderKey(provider)
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registered")
		}
		key := normaliseProviderKey(p.Name())
		if key == "" {
			return nil, errors.New("payments: provider name is required")
		}
		if _, exists := registered[key]; exists {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		registered[key] = p
	}

	m := &Manager{providers: registered}
	if len(providers) == 1 {
		m.defaultProvider = normaliseProviderKey(providers[0].Name())
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.defaultProvider != "" {
		if _, ok := m.providers[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %q", ErrUnsupportedProvider, m.defaultProvider)
		}
	}
	return m, nil
}

// Provider returns the named provider, or the default when name is empty.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	key := normaliseProviderKey(name)
	if key == "" {
		key = m.defaultProvider
	}
	if p, ok := m.providers[key]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
}

// Default returns the default provider.
func (m *Manager) Default() (Provider, error) {
	return m.Provider("")
}

func normaliseProviderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ToMinorUnits converts a decimal amount to the currency's smallest unit (paise for INR).
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("payments: invalid currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	minor := amount.Shift(int32(scale))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("payments: amount %s has more precision than %s allows", amount, unit)
	}
	return minor.IntPart(), nil
}
