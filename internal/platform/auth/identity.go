package auth

import (
	"context"
	"strings"

	"github.com/nucleotide-health/orders/internal/platform/requestctx"
)

// Role constants checked at route boundaries.
const (
	RoleCustomer = "customer"
	RoleOperator = "operator"
	RoleLab      = "lab"
)

const (
	actorUserPrefix     = "user:"
	actorOperatorPrefix = "operator:"
	actorLabPrefix      = "lab:"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	// UserID is the customer account id, or the operator/lab principal for non-customer callers.
	UserID string
	// MemberID is the active household member selected in the customer's session.
	MemberID string
	Email    string
	Roles    []string

	Claims map[string]any
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// Actor renders the principal in the form recorded as changed_by in the status history.
func (i *Identity) Actor() string {
	if i == nil {
		return ""
	}
	switch {
	case i.HasRole(RoleLab):
		return actorLabPrefix + i.UserID
	case i.HasRole(RoleOperator):
		principal := i.Email
		if principal == "" {
			principal = i.UserID
		}
		return actorOperatorPrefix + principal
	default:
		return actorUserPrefix + i.UserID
	}
}

type contextKey string

const identityContextKey contextKey = "github.com/nucleotide-health/orders/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers and
// reports its actor to the request log.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	requestctx.SetActor(ctx, identity.Actor())
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
