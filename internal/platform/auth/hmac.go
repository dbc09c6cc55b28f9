package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	// LabPartnerHeader names the partner whose shared secret signed the request.
	LabPartnerHeader = "X-Lab-Partner"

	labSecretPrefix = "lab/"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves secrets already resolved at configuration time.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := s[strings.ToLower(strings.TrimSpace(name))]; ok && secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("auth: secret %q not configured", name)
}

// HMACValidator verifies requests signed by lab partners. The signed message is
// METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)).
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// HMACMetadata describes the verified signature for downstream handlers.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacContextKey struct{}

// HMACMetadataFromContext retrieves metadata stored by the middleware.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

type hmacFailure struct {
	status int
	code   string
	reason string
}

func (f *hmacFailure) message() string {
	return strings.ReplaceAll(f.code, "_", " ")
}

// RequireLabPartner resolves the partner from LabPartnerHeader, verifies the request with the
// partner's secret ("lab/<partner>") and attaches a lab Identity.
func (v *HMACValidator) RequireLabPartner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			partner := strings.ToLower(strings.TrimSpace(r.Header.Get(LabPartnerHeader)))
			if partner == "" || strings.ContainsAny(partner, "/ ") {
				v.record(ctx, false, "partner_unknown", start)
				respondAuthError(w, http.StatusUnauthorized, "unknown_partner", "lab partner not recognised")
				return
			}

			meta, failure := v.verify(r, labSecretPrefix+partner)
			if failure != nil {
				v.record(ctx, false, failure.reason, start)
				respondAuthError(w, failure.status, failure.code, failure.message())
				return
			}

			identity := &Identity{UserID: partner, Roles: []string{RoleLab}}
			ctx = context.WithValue(WithIdentity(ctx, identity), hmacContextKey{}, meta)
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireHMAC verifies the request with a fixed secret name.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			meta, failure := v.verify(r, secretName)
			if failure != nil {
				v.record(r.Context(), false, failure.reason, start)
				respondAuthError(w, failure.status, failure.code, failure.message())
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), hmacContextKey{}, meta)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, secretName string) (*HMACMetadata, *hmacFailure) {
	ctx := r.Context()
	if secretName == "" {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "secret_not_configured"}
	}
	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		v.logf("auth: hmac secret lookup failed for %s: %v", secretName, err)
		return nil, &hmacFailure{http.StatusUnauthorized, "unknown_partner", "secret_unavailable"}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	switch {
	case signatureValue == "":
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_missing", "signature_missing"}
	case timestampValue == "":
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_missing", "timestamp_missing"}
	case nonce == "":
		return nil, &hmacFailure{http.StatusUnauthorized, "nonce_missing", "nonce_missing"}
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid"}
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_skew", "timestamp_skew"}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, &hmacFailure{http.StatusBadRequest, "invalid_body", "body_unreadable"}
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_invalid", "signature_invalid"}
	}
	if !hmac.Equal(signature, computeHMAC(secret, buildCanonicalString(r, body, timestampValue, nonce))) {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_mismatch", "signature_mismatch"}
	}

	if v.nonces == nil {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_unavailable"}
	}
	// Retain the nonce until the signed timestamp leaves the acceptance window.
	ttl := timestamp.Add(v.nonceTTL).Sub(now)
	if ttl <= 0 {
		ttl = v.nonceTTL
	}
	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, ttl)
	if err != nil {
		v.logf("auth: nonce store error: %v", err)
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_error"}
	}
	if !stored {
		return nil, &hmacFailure{http.StatusUnauthorized, "nonce_replay", "nonce_replay"}
	}

	return &HMACMetadata{SecretName: secretName, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *HMACValidator) logf(format string, args ...any) {
	if v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	if cached, ok := v.secretCache.Load(name); ok {
		return cached.([]byte), nil
	}
	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}
	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
