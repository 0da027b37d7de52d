// Package auth authenticates callers: Firebase ID tokens for people, Google-signed OIDC
// tokens for schedulers, and a PIN gate for irreversible reservation changes.
package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles carried in the "role" custom claim.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
	RoleAdmin    = "admin"
)

// Identity is the authenticated person behind a request.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity carries role. Matching ignores case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.Contains(i.Roles, role)
}

// IsStaff reports whether the identity may operate the shop side of the API.
func (i *Identity) IsStaff() bool {
	return i.HasRole(RoleStaff) || i.HasRole(RoleAdmin)
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
