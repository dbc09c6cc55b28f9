package auth

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// OIDCValidator authenticates operators (support staff, ops tooling) presenting identity-provider
// tokens, typically forwarded by an identity-aware proxy.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock (primarily for testing).
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator backed by cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:  cache,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

type oidcFailure struct {
	status  int
	code    string
	reason  string
	message string
}

// RequireOperator verifies the token's signature, issuer and audience and attaches an operator Identity.
func (v *OIDCValidator) RequireOperator(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := make([]string, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers = append(allowedIssuers, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			identity, failure := v.authenticate(ctx, r, expectedAudience, allowedIssuers)
			if failure != nil {
				v.record(ctx, false, failure.reason, start)
				respondAuthError(w, failure.status, failure.code, failure.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) authenticate(ctx context.Context, r *http.Request, audience string, issuers []string) (*Identity, *oidcFailure) {
	if audience == "" {
		return nil, &oidcFailure{http.StatusServiceUnavailable, "verification_unavailable", "audience_not_configured", "oidc audience not configured"}
	}
	tokenStr := extractOperatorToken(r)
	if tokenStr == "" {
		return nil, &oidcFailure{http.StatusUnauthorized, "unauthenticated", "token_missing", "oidc token missing"}
	}
	if v.cache == nil {
		return nil, &oidcFailure{http.StatusServiceUnavailable, "verification_unavailable", "cache_unavailable", "oidc verification unavailable"}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
		v.logf("auth: oidc verification failed: %v", err)
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, &oidcFailure{http.StatusServiceUnavailable, "invalid_token", "jwks_unavailable", "oidc token verification failed"}
		}
		return nil, &oidcFailure{http.StatusUnauthorized, "invalid_token", "token_invalid", "oidc token verification failed"}
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		v.logf("auth: oidc issuer mismatch, got %q", issuer)
		return nil, &oidcFailure{http.StatusUnauthorized, "invalid_token", "issuer_mismatch", "oidc issuer mismatch"}
	}
	if !claims.VerifyAudience(audience, true) {
		v.logf("auth: oidc audience mismatch, expected %q", audience)
		return nil, &oidcFailure{http.StatusUnauthorized, "invalid_token", "audience_mismatch", "oidc audience mismatch"}
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if strings.TrimSpace(subject) == "" && strings.TrimSpace(email) == "" {
		return nil, &oidcFailure{http.StatusUnauthorized, "invalid_token", "subject_missing", "oidc token has no subject"}
	}

	copied := make(map[string]any, len(claims))
	for key, value := range claims {
		copied[key] = value
	}
	return &Identity{
		UserID: strings.TrimSpace(subject),
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Roles:  []string{RoleOperator},
		Claims: copied,
	}, nil
}

func (v *OIDCValidator) logf(format string, args ...any) {
	if v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

func extractOperatorToken(r *http.Request) string {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
