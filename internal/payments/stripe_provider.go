package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/nucleotide-health/orders/internal/domain"
)

const (
	stripeProviderName     = "stripe"
	stripeSignatureHeader  = "Stripe-Signature"
	stripeEventSucceeded   = "payment_intent.succeeded"
	stripeEventFailed      = "payment_intent.payment_failed"
	stripeDefaultTolerance = 5 * time.Minute
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Tolerance     time.Duration
	Backends      *stripe.Backends
	Logger        StripeLogger
	Intents       stripePaymentIntentAPI
}

// StripeProvider implements Provider on top of Stripe Payment Intents.
type StripeProvider struct {
	intents       stripePaymentIntentAPI
	webhookSecret string
	account       string
	tolerance     time.Duration
	logger        StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = stripeDefaultTolerance
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:       intents,
		webhookSecret: secret,
		account:       strings.TrimSpace(cfg.AccountID),
		tolerance:     tolerance,
		logger:        logger,
	}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return stripeProviderName }

// CreateTransaction creates a Payment Intent for the order total.
func (p *StripeProvider) CreateTransaction(ctx context.Context, req TransactionRequest) (Transaction, error) {
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrProviderRejected)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.Metadata = make(map[string]string, len(req.Notes)+1)
	for k, v := range req.Notes {
		params.Metadata[k] = v
	}
	if req.Receipt != "" {
		params.Metadata["receipt"] = req.Receipt
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Transaction{}, classifyStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return Transaction{
		Provider:     stripeProviderName,
		OrderRef:     intent.ID,
		AmountMinor:  intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		ClientSecret: intent.ClientSecret,
	}, nil
}

// VerifyPaymentSignature treats the intent client secret as the client-side proof and requires the
// intent to have succeeded.
func (p *StripeProvider) VerifyPaymentSignature(ctx context.Context, confirmation ClientConfirmation) (bool, error) {
	intentID := strings.TrimSpace(confirmation.OrderRef)
	secret := strings.TrimSpace(confirmation.Signature)
	if intentID == "" || secret == "" {
		return false, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.intents.Get(intentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, classifyStripeError("lookup payment intent", err)
	}
	if intent.ClientSecret != secret {
		return false, nil
	}
	if ref := strings.TrimSpace(confirmation.PaymentRef); ref != "" && ref != intent.ID && stripeChargeID(intent) != ref {
		return false, nil
	}
	// A matching secret proves the confirmation is authentic; settlement is left to the webhook.
	return intent.Status != stripe.PaymentIntentStatusCanceled, nil
}

// VerifyWebhookSignature validates the Stripe-Signature header.
func (p *StripeProvider) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	header := headers.Get(stripeSignatureHeader)
	if header == "" {
		return false
	}
	return webhook.ValidatePayloadWithTolerance(payload, header, p.webhookSecret, p.tolerance) == nil
}

// ParseWebhookEvent decodes payment_intent.succeeded and payment_intent.payment_failed events.
func (p *StripeProvider) ParseWebhookEvent(payload []byte, _ http.Header) (domain.PaymentEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.ID == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	event := domain.PaymentEvent{ID: evt.ID}
	if evt.Created > 0 {
		event.OccurredAt = time.Unix(evt.Created, 0).UTC()
	}

	switch string(evt.Type) {
	case stripeEventSucceeded:
		event.Type = domain.PaymentEventCaptured
	case stripeEventFailed:
		event.Type = domain.PaymentEventFailed
	default:
		event.Type = domain.PaymentEventType(evt.Type)
		return event, fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.Type)
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return event, fmt.Errorf("%w: missing payment intent", ErrMalformedEvent)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
		return event, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, err)
	}
	if intent.ID == "" {
		return event, fmt.Errorf("%w: missing payment intent id", ErrMalformedEvent)
	}

	event.GatewayOrderRef = intent.ID
	event.GatewayPaymentRef = stripeChargeID(&intent)
	if event.GatewayPaymentRef == "" {
		event.GatewayPaymentRef = intent.ID
	}
	if intent.PaymentMethod != nil {
		event.Method = string(intent.PaymentMethod.Type)
	} else if len(intent.PaymentMethodTypes) > 0 {
		event.Method = intent.PaymentMethodTypes[0]
	}
	if intent.LastPaymentError != nil {
		event.ErrorReason = strings.TrimSpace(string(intent.LastPaymentError.Code) + " " + intent.LastPaymentError.Msg)
	}
	return event, nil
}

func stripeChargeID(intent *stripe.PaymentIntent) string {
	if intent == nil || intent.LatestCharge == nil {
		return ""
	}
	return intent.LatestCharge.ID
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusBadRequest && stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
			stripeErr.HTTPStatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: stripe %s: %s", ErrProviderRejected, op, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrProviderUnavailable, op, err)
}
