package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/platform/requestctx"
)

const (
	roleClaim            = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// ErrTokenExpired lets test verifiers simulate an expired token.
var ErrTokenExpired = errors.New("auth: firebase id token expired")

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator wraps verifier.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// RequireFirebaseAuth rejects requests without a valid ID token. When roles are given the
// identity must hold at least one of them. Tokens without a role claim act as customers.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication unavailable", http.StatusServiceUnavailable))
				return
			}
			decoded, err := a.verifier.VerifyIDToken(ctx, token)
			if err != nil {
				code, message := "invalid_token", "firebase id token invalid"
				if errors.Is(err, ErrTokenExpired) || firebaseauth.IsIDTokenExpired(err) {
					code, message = "token_expired", "firebase id token expired"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusUnauthorized))
				return
			}

			identity := &Identity{
				UID:   decoded.UID,
				Roles: rolesFromClaims(decoded.Claims),
			}
			if email, ok := decoded.Claims["email"].(string); ok {
				identity.Email = strings.TrimSpace(email)
			}
			if len(identity.Roles) == 0 {
				identity.Roles = []string{RoleCustomer}
			}
			if len(allowed) > 0 && !identity.hasAny(allowed) {
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
				return
			}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithActor(ctx, identity.UID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (i *Identity) hasAny(roles []string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// rolesFromClaims accepts the role claim as a string, a list, or a map of role to bool.
func rolesFromClaims(claims map[string]any) []string {
	var raw []string
	switch v := claims[roleClaim].(type) {
	case string:
		raw = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for role, on := range v {
			if enabled, ok := on.(bool); ok && enabled {
				raw = append(raw, role)
			}
		}
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, role := range raw {
		role = normaliseRole(role)
		if _, dup := seen[role]; role == "" || dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
