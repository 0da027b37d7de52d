package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/platform/requestctx"
)

var (
	// ErrJWKSKeyNotFound is returned when no key matches the token's kid.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding failures while refreshing keys.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const defaultJWKSValidity = 15 * time.Minute

// JWKSCache fetches signing keys lazily and keeps them for the Cache-Control max-age.
// An unknown kid forces one refresh so key rotation is picked up immediately.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// NewJWKSCache builds a cache for url. A nil client uses a 10s timeout client.
func NewJWKSCache(url string, client *http.Client, now func() time.Time) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	return &JWKSCache{url: url, client: client, now: now}
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 || !c.now().Before(c.expiry) {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := defaultJWKSValidity
	if maxAge := maxAge(resp.Header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}
	c.keys = keys
	c.expiry = c.now().Add(validity)
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the verified caller of an internal endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// ServiceIdentityFromContext returns the caller verified by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator guards internal endpoints invoked by Cloud Scheduler.
type OIDCValidator struct {
	keys   *JWKSCache
	logger *zap.Logger
}

// NewOIDCValidator validates tokens against keys.
func NewOIDCValidator(keys *JWKSCache, logger *zap.Logger) *OIDCValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OIDCValidator{keys: keys, logger: logger}
}

// RequireOIDC accepts RS256 tokens issued by one of issuers for audience.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if audience == "" || v == nil || v.keys == nil {
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "oidc verification not configured", http.StatusServiceUnavailable))
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "oidc token missing", http.StatusUnauthorized))
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("auth: token missing kid header")
				}
				return v.keys.Key(ctx, kid)
			})
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrJWKSFetchFailed) {
					status = http.StatusServiceUnavailable
				}
				v.logger.Warn("oidc verification failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "oidc token verification failed", status))
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "oidc issuer mismatch", http.StatusUnauthorized))
				return
			}
			if !claims.VerifyAudience(audience, true) {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "oidc audience mismatch", http.StatusUnauthorized))
				return
			}

			identity := &ServiceIdentity{Issuer: issuer}
			identity.Subject, _ = claims["sub"].(string)
			identity.Email, _ = claims["email"].(string)
			ctx = context.WithValue(ctx, serviceIdentityKey{}, identity)
			ctx = requestctx.WithActor(ctx, "service:"+identity.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
