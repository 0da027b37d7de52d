package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/torquebay/api/internal/platform/requestctx"
)

type stubVerifier struct {
	verifyFn func(ctx context.Context, token string) (*firebaseauth.Token, error)
}

func (s stubVerifier) VerifyIDToken(ctx context.Context, token string) (*firebaseauth.Token, error) {
	return s.verifyFn(ctx, token)
}

func tokenWithRole(role any) stubVerifier {
	return stubVerifier{verifyFn: func(_ context.Context, token string) (*firebaseauth.Token, error) {
		claims := map[string]any{"email": "staff@torquebay.test"}
		if role != nil {
			claims["role"] = role
		}
		return &firebaseauth.Token{UID: "uid-" + token, Claims: claims}, nil
	}}
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, header string) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		if requestctx.Actor(r.Context()) != seen.UID {
			t.Fatalf("expected actor to mirror identity")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireFirebaseAuthDefaultsToCustomer(t *testing.T) {
	authn := NewAuthenticator(tokenWithRole(nil))
	rec, identity := serve(t, authn.RequireFirebaseAuth(), "Bearer abc")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected success, got %d", rec.Code)
	}
	if identity.UID != "uid-abc" || !identity.HasRole(RoleCustomer) || identity.IsStaff() {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestRequireFirebaseAuthEnforcesRoles(t *testing.T) {
	cases := []struct {
		name string
		role any
		want int
	}{
		{"staff string", "Staff", http.StatusNoContent},
		{"admin list", []any{"admin", "admin"}, http.StatusNoContent},
		{"role map", map[string]any{"staff": true, "admin": false}, http.StatusNoContent},
		{"customer", "customer", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(tokenWithRole(tc.role))
			rec, _ := serve(t, authn.RequireFirebaseAuth(RoleStaff, RoleAdmin), "Bearer abc")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRequireFirebaseAuthRejectsBadTokens(t *testing.T) {
	authn := NewAuthenticator(tokenWithRole(nil))
	if rec, _ := serve(t, authn.RequireFirebaseAuth(), ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", rec.Code)
	}
	if rec, _ := serve(t, authn.RequireFirebaseAuth(), "Basic abc"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for basic auth, got %d", rec.Code)
	}

	expired := NewAuthenticator(stubVerifier{verifyFn: func(context.Context, string) (*firebaseauth.Token, error) {
		return nil, ErrTokenExpired
	}})
	rec, _ := serve(t, expired.RequireFirebaseAuth(), "Bearer abc")
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "token_expired") {
		t.Fatalf("expected token_expired, got %d %s", rec.Code, rec.Body.String())
	}

	broken := NewAuthenticator(stubVerifier{verifyFn: func(context.Context, string) (*firebaseauth.Token, error) {
		return nil, errors.New("bad signature")
	}})
	rec, _ = serve(t, broken.RequireFirebaseAuth(), "Bearer abc")
	if !strings.Contains(rec.Body.String(), "invalid_token") {
		t.Fatalf("expected invalid_token, got %s", rec.Body.String())
	}
}
