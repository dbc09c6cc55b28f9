package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/nucleotide-health/orders/internal/platform/config"
)

const defaultLeeway = 30 * time.Second

// SessionClaims are the claims carried by session tokens issued by the login service.
type SessionClaims struct {
	MemberID string   `json:"member_id,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// SessionVerifier validates HS256 session tokens against the shared session secret.
type SessionVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// SessionOption customises SessionVerifier instances.
type SessionOption func(*SessionVerifier)

// WithSessionClock injects a custom clock (primarily for tests).
func WithSessionClock(now func() time.Time) SessionOption {
	return func(v *SessionVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewSessionVerifier constructs a verifier from the session configuration.
func NewSessionVerifier(cfg config.SessionConfig, opts ...SessionOption) (*SessionVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: session secret is required")
	}
	verifier := &SessionVerifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

// VerifySession parses the token and checks signature, expiry, issuer and audience.
func (v *SessionVerifier) VerifySession(_ context.Context, token string) (*SessionClaims, error) {
	if v == nil {
		return nil, errors.New("auth: session verifier not initialised")
	}

	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now()
	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Time.Add(defaultLeeway)) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Add(defaultLeeway).Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	return claims, nil
}

// IssueSession signs a session token; used by tests and local tooling.
func (v *SessionVerifier) IssueSession(userID, memberID string, roles []string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := SessionClaims{
		MemberID: memberID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
