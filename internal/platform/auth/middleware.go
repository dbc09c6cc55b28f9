package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals that the session token has expired.
	ErrTokenExpired = errors.New("auth: session token expired")
	// ErrTokenInvalid signals that the session token failed verification for other reasons.
	ErrTokenInvalid = errors.New("auth: session token invalid")
)

// SessionTokenVerifier verifies customer session tokens.
type SessionTokenVerifier interface {
	VerifySession(ctx context.Context, token string) (*SessionClaims, error)
}

// Authenticator wires session verification into HTTP middleware.
type Authenticator struct {
	verifier SessionTokenVerifier
	metrics  MetricsRecorder
	now      func() time.Time
	timeout  time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithMetrics records each verification outcome.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(a *Authenticator) {
		a.metrics = recorder
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier SessionTokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		now:      time.Now,
		timeout:  defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireSession verifies the bearer session token and attaches a customer Identity. Tokens
// without an active member are rejected because orders are always placed on behalf of a member.
func (a *Authenticator) RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			if a != nil {
				start = a.now()
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(r.Context(), false, "token_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "session verification unavailable")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			claims, err := a.verifier.VerifySession(ctx, tokenStr)
			cancel()
			if err != nil {
				switch {
				case errors.Is(err, ErrTokenExpired):
					a.record(r.Context(), false, "token_expired", start)
					respondAuthError(w, http.StatusUnauthorized, "token_expired", "session token expired")
				default:
					a.record(r.Context(), false, "token_invalid", start)
					respondAuthError(w, http.StatusUnauthorized, "invalid_token", "session token invalid")
				}
				return
			}

			memberID := strings.TrimSpace(claims.MemberID)
			if memberID == "" {
				a.record(r.Context(), false, "member_missing", start)
				respondAuthError(w, http.StatusForbidden, "member_required", "session has no active member")
				return
			}

			identity := &Identity{
				UserID:   strings.TrimSpace(claims.Subject),
				MemberID: memberID,
				Email:    strings.TrimSpace(claims.Email),
				Roles:    uniqueRoles(append([]string{RoleCustomer}, claims.Roles...)),
			}

			a.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole rejects requests whose identity lacks every listed role.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			if len(roles) > 0 && !identity.HasAnyRole(roles...) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a == nil || a.metrics == nil {
		return
	}
	a.metrics.RecordVerification(ctx, "session", success, reason, a.now().Sub(start))
}

func uniqueRoles(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		role := normaliseRole(value)
		if role == "" {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
