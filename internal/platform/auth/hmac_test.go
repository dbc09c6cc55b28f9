package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

type failingNonceStore struct{}

func (failingNonceStore) UseNonce(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis unavailable")
}

type recordingNonceStore struct {
	ttls []time.Duration
}

func (s *recordingNonceStore) UseNonce(_ context.Context, _, _ string, ttl time.Duration) (bool, error) {
	s.ttls = append(s.ttls, ttl)
	return true, nil
}

type signedRequest struct {
	method    string
	path      string
	body      []byte
	secret    string
	partner   string
	nonce     string
	timestamp string
}

func (s signedRequest) build() *http.Request {
	req := httptest.NewRequest(s.method, s.path, bytes.NewReader(s.body))
	signature := computeHMAC([]byte(s.secret), buildCanonicalString(req, s.body, s.timestamp, s.nonce))
	req.Header.Set(defaultSignatureHeader, hex.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, s.timestamp)
	req.Header.Set(defaultNonceHeader, s.nonce)
	if s.partner != "" {
		req.Header.Set(LabPartnerHeader, s.partner)
	}
	return req
}

func newLabValidator(now time.Time, nonces NonceStore, metrics MetricsRecorder) *HMACValidator {
	return NewHMACValidator(StaticSecrets{"lab/genelab": "genelab-secret"}, nonces,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)
}

func TestRequireLabPartnerAttachesIdentity(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	metrics := &recordingMetrics{}
	validator := newLabValidator(now, NewInMemoryNonceStore(), metrics)

	body := []byte(`{"status":"SAMPLE_RECEIVED_BY_LAB","item_id":"itm_1"}`)
	req := signedRequest{
		method:    http.MethodPut,
		path:      "/api/v1/lab/orders/ord_1/status",
		body:      body,
		secret:    "genelab-secret",
		partner:   "GeneLab",
		nonce:     "n-1",
		timestamp: strconv.FormatInt(now.Unix(), 10),
	}.build()

	rr := httptest.NewRecorder()
	validator.RequireLabPartner()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.HasRole(RoleLab) {
			t.Fatalf("expected lab identity, got %+v", identity)
		}
		if got := identity.Actor(); got != "lab:genelab" {
			t.Fatalf("unexpected actor %q", got)
		}
		meta, ok := HMACMetadataFromContext(r.Context())
		if !ok || meta.SecretName != "lab/genelab" || meta.Nonce != "n-1" {
			t.Fatalf("unexpected metadata %+v", meta)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		if !bytes.Equal(buf.Bytes(), body) {
			t.Fatalf("expected body to be restored for the handler")
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if record := metrics.last(t); !record.success || record.kind != "hmac" {
		t.Fatalf("unexpected metric %+v", record)
	}
}

func TestRequireLabPartnerRejectsReplay(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	metrics := &recordingMetrics{}
	validator := newLabValidator(now, NewInMemoryNonceStore(), metrics)
	handler := validator.RequireLabPartner()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	signed := signedRequest{
		method:    http.MethodPut,
		path:      "/api/v1/lab/orders/ord_1/status",
		body:      []byte(`{"status":"SAMPLE_PROCESSING_STARTED"}`),
		secret:    "genelab-secret",
		partner:   "genelab",
		nonce:     "dup",
		timestamp: now.Format(time.RFC3339),
	}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signed.build())
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signed.build())
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", second.Code)
	}
	if record := metrics.last(t); record.reason != "nonce_replay" {
		t.Fatalf("expected nonce_replay metric, got %+v", record)
	}
}

func TestRequireLabPartnerFailures(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	base := signedRequest{
		method:    http.MethodPut,
		path:      "/api/v1/lab/orders/ord_1/status",
		body:      []byte(`{"status":"REPORT_READY"}`),
		secret:    "genelab-secret",
		partner:   "genelab",
		nonce:     "n-2",
		timestamp: strconv.FormatInt(now.Unix(), 10),
	}

	tests := []struct {
		name       string
		mutate     func(*signedRequest)
		request    func(signedRequest) *http.Request
		nonces     NonceStore
		wantStatus int
		wantReason string
	}{
		{
			name:       "unknown partner",
			mutate:     func(s *signedRequest) { s.partner = "otherlab" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "secret_unavailable",
		},
		{
			name:       "missing partner header",
			mutate:     func(s *signedRequest) { s.partner = "" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "partner_unknown",
		},
		{
			name:       "wrong secret",
			mutate:     func(s *signedRequest) { s.secret = "guess" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "signature_mismatch",
		},
		{
			name:       "stale timestamp",
			mutate:     func(s *signedRequest) { s.timestamp = strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10) },
			wantStatus: http.StatusUnauthorized,
			wantReason: "timestamp_skew",
		},
		{
			name: "tampered body",
			request: func(s signedRequest) *http.Request {
				req := s.build()
				req.Body = http.NoBody
				return req
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: "signature_mismatch",
		},
		{
			name: "missing nonce",
			request: func(s signedRequest) *http.Request {
				req := s.build()
				req.Header.Del(defaultNonceHeader)
				return req
			},
			wantStatus: http.StatusUnauthorized,
			wantReason: "nonce_missing",
		},
		{
			name:       "nonce store down",
			nonces:     failingNonceStore{},
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "nonce_store_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			signed := base
			if tc.mutate != nil {
				tc.mutate(&signed)
			}
			var req *http.Request
			if tc.request != nil {
				req = tc.request(signed)
			} else {
				req = signed.build()
			}
			nonces := tc.nonces
			if nonces == nil {
				nonces = NewInMemoryNonceStore()
			}
			metrics := &recordingMetrics{}
			validator := newLabValidator(now, nonces, metrics)

			rr := httptest.NewRecorder()
			validator.RequireLabPartner()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not be called")
			})).ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rr.Code)
			}
			if record := metrics.last(t); record.success || record.reason != tc.wantReason {
				t.Fatalf("expected reason %q, got %+v", tc.wantReason, record)
			}
		})
	}
}

func TestRequireHMACAcceptsBase64Signature(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	validator := NewHMACValidator(SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if name != "ops/replay" {
			return "", errors.New("unexpected secret")
		}
		return "replay-secret", nil
	}), NewInMemoryNonceStore(), WithHMACLogger(noopLogger{}), WithHMACClock(func() time.Time { return now }))

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/replay", bytes.NewReader(body))
	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := computeHMAC([]byte("replay-secret"), buildCanonicalString(req, body, timestamp, "n"))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, "n")

	rr := httptest.NewRecorder()
	validator.RequireHMAC("ops/replay")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestInMemoryNonceStoreExpires(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	store := NewInMemoryNonceStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, err := store.UseNonce(ctx, "lab/genelab", "n", time.Minute); err != nil || !ok {
		t.Fatalf("expected first use to be stored, ok=%v err=%v", ok, err)
	}
	if ok, _ := store.UseNonce(ctx, "lab/genelab", "n", time.Minute); ok {
		t.Fatalf("expected replay within ttl to be rejected")
	}
	if ok, _ := store.UseNonce(ctx, "lab/otherlab", "n", time.Minute); !ok {
		t.Fatalf("expected nonce scoped per secret")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := store.UseNonce(ctx, "lab/genelab", "n", time.Minute); !ok {
		t.Fatalf("expected nonce to be reusable after expiry")
	}
	if _, err := store.UseNonce(ctx, "lab/genelab", "n2", 0); err == nil {
		t.Fatalf("expected non-positive ttl to be rejected")
	}
}

func TestRequireLabPartnerNonceTTLFollowsValidatorClock(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		signed  time.Time
		wantTTL time.Duration
	}{
		{name: "current timestamp", signed: now, wantTTL: defaultNonceTTL},
		{name: "older timestamp", signed: now.Add(-2 * time.Minute), wantTTL: defaultNonceTTL - 2*time.Minute},
		{name: "timestamp at skew edge", signed: now.Add(-defaultClockSkew), wantTTL: defaultNonceTTL},
		{name: "future timestamp", signed: now.Add(time.Minute), wantTTL: defaultNonceTTL + time.Minute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nonces := &recordingNonceStore{}
			validator := newLabValidator(now, nonces, &recordingMetrics{})
			req := signedRequest{
				method:    http.MethodPut,
				path:      "/lab/orders/ord_1/status",
				body:      []byte(`{"status":"sample_received_by_lab"}`),
				secret:    "genelab-secret",
				partner:   "genelab",
				nonce:     "n-ttl",
				timestamp: strconv.FormatInt(tc.signed.Unix(), 10),
			}.build()

			rr := httptest.NewRecorder()
			validator.RequireLabPartner()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if len(nonces.ttls) != 1 || nonces.ttls[0] != tc.wantTTL {
				t.Fatalf("expected nonce ttl %s, got %v", tc.wantTTL, nonces.ttls)
			}
		})
	}
}
