package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
)

const (
	razorpayProviderName     = "razorpay"
	defaultRazorpayBaseURL   = "https://api.razorpay.com"
	razorpaySignatureHeader  = "X-Razorpay-Signature"
	razorpayEventIDHeader    = "X-Razorpay-Event-Id"
	defaultRazorpayTimeout   = 10 * time.Second
	maxRazorpayResponseBytes = 1 << 20
)

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	HTTPClient    httpDoer
	Logger        RazorpayLogger
}

// RazorpayProvider talks to the Razorpay Orders API and verifies its HMAC signatures.
type RazorpayProvider struct {
	keyID         string
	keySecret     []byte
	webhookSecret []byte
	baseURL       string
	client        httpDoer
	logger        RazorpayLogger
}

var _ Provider = (*RazorpayProvider)(nil)

// NewRazorpayProvider constructs a Razorpay Provider.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || keySecret == "" {
		return nil, errors.New("razorpay: key id and key secret are required")
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errors.New("razorpay: webhook secret is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultRazorpayBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRazorpayTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		keyID:         keyID,
		keySecret:     []byte(keySecret),
		webhookSecret: []byte(webhookSecret),
		baseURL:       baseURL,
		client:        client,
		logger:        logger,
	}, nil
}

// Name implements Provider.
func (p *RazorpayProvider) Name() string { return razorpayProviderName }

type razorpayOrderRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt,omitempty"`
	Notes          map[string]string `json:"notes,omitempty"`
	PaymentCapture int               `json:"payment_capture"`
}

type razorpayOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type razorpayErrorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateTransaction creates a Razorpay order with automatic capture.
func (p *RazorpayProvider) CreateTransaction(ctx context.Context, req TransactionRequest) (Transaction, error) {
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrProviderRejected)
	}

	body, err := json.Marshal(razorpayOrderRequest{
		Amount:         amount,
		Currency:       strings.ToUpper(req.Currency),
		Receipt:        req.Receipt,
		Notes:          req.Notes,
		PaymentCapture: 1,
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("razorpay: encode order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return Transaction{}, fmt.Errorf("razorpay: build order request: %w", err)
	}
	httpReq.SetBasicAuth(p.keyID, string(p.keySecret))
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		httpReq.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRazorpayResponseBytes))
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return Transaction{}, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		var apiErr razorpayErrorResponse
		_ = json.Unmarshal(payload, &apiErr)
		return Transaction{}, fmt.Errorf("%w: %s %s", ErrProviderRejected, apiErr.Error.Code, apiErr.Error.Description)
	}

	var order razorpayOrderResponse
	if err := json.Unmarshal(payload, &order); err != nil {
		return Transaction{}, fmt.Errorf("%w: decode order response: %v", ErrProviderUnavailable, err)
	}
	if order.ID == "" {
		return Transaction{}, fmt.Errorf("%w: order response missing id", ErrProviderUnavailable)
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"gatewayOrderRef": order.ID,
		"amount":          order.Amount,
		"currency":        order.Currency,
		"receipt":         order.Receipt,
	})

	return Transaction{
		Provider:    razorpayProviderName,
		OrderRef:    order.ID,
		AmountMinor: order.Amount,
		Currency:    order.Currency,
		PublicKey:   p.keyID,
	}, nil
}

// VerifyPaymentSignature checks hex(HMAC_SHA256(key_secret, order_id|payment_id)).
func (p *RazorpayProvider) VerifyPaymentSignature(_ context.Context, confirmation ClientConfirmation) (bool, error) {
	orderRef := strings.TrimSpace(confirmation.OrderRef)
	paymentRef := strings.TrimSpace(confirmation.PaymentRef)
	if orderRef == "" || paymentRef == "" || strings.TrimSpace(confirmation.Signature) == "" {
		return false, nil
	}
	expected := signHex(p.keySecret, []byte(orderRef+"|"+paymentRef))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(confirmation.Signature)))), nil
}

// VerifyWebhookSignature checks the X-Razorpay-Signature header against the raw body.
func (p *RazorpayProvider) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	signature := strings.ToLower(strings.TrimSpace(headers.Get(razorpaySignatureHeader)))
	if signature == "" || len(payload) == 0 {
		return false
	}
	expected := signHex(p.webhookSecret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type razorpayWebhookPayload struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity razorpayPaymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type razorpayPaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Method           string `json:"method"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// ParseWebhookEvent decodes a Razorpay webhook into a PaymentEvent.
func (p *RazorpayProvider) ParseWebhookEvent(payload []byte, headers http.Header) (domain.PaymentEvent, error) {
	var raw razorpayWebhookPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	eventID := strings.TrimSpace(headers.Get(razorpayEventIDHeader))
	if eventID == "" {
		eventID = strings.TrimSpace(raw.ID)
	}
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = "sha256:" + hex.EncodeToString(sum[:])
	}

	event := domain.PaymentEvent{
		ID:   eventID,
		Type: domain.PaymentEventType(strings.TrimSpace(raw.Event)),
	}
	if raw.CreatedAt > 0 {
		event.OccurredAt = time.Unix(raw.CreatedAt, 0).UTC()
	}

	if raw.Payload.Payment != nil {
		entity := raw.Payload.Payment.Entity
		event.GatewayPaymentRef = entity.ID
		event.GatewayOrderRef = entity.OrderID
		event.Method = entity.Method
		if entity.ErrorDescription != "" {
			event.ErrorReason = strings.TrimSpace(entity.ErrorCode + " " + entity.ErrorDescription)
		}
	}
	if raw.Payload.Order != nil && raw.Payload.Order.Entity.ID != "" {
		event.GatewayOrderRef = raw.Payload.Order.Entity.ID
	}

	switch event.Type {
	case domain.PaymentEventCaptured, domain.PaymentEventFailed, domain.PaymentEventOrderPaid:
	case "":
		return event, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	default:
		return event, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
	}
	if event.GatewayOrderRef == "" {
		return event, fmt.Errorf("%w: missing order reference", ErrMalformedEvent)
	}
	return event, nil
}

func signHex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
