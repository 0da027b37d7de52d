// Package secrets resolves secret:// configuration references through Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

const (
	scheme              = "secret://"
	defaultFallbackFile = ".secrets.local"
	meterName           = "github.com/torquebay/api/internal/platform/secrets"
)

// ErrInvalidReference is returned for references that are not secret://NAME[@VERSION]
// or secret://projects/P/secrets/NAME[/versions/V].
var ErrInvalidReference = errors.New("secrets: invalid reference")

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver fetches secret payloads, caching them for the process lifetime. Outside
// production a missing or unreachable Secret Manager falls back to a local KEY=VALUE file.
type Resolver struct {
	client       accessor
	ownsClient   bool
	projectID    string
	allowLocal   bool
	fallbackPath string
	logger       *zap.Logger
	retry        gax.CallOption
	lookups      metric.Int64Counter

	mu    sync.Mutex
	cache map[string]string
	local map[string]string
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClient injects a Secret Manager client.
func WithClient(client accessor) Option {
	return func(r *Resolver) { r.client = client }
}

// WithFallbackFile overrides the local fallback path.
func WithFallbackFile(path string) Option {
	return func(r *Resolver) { r.fallbackPath = path }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a resolver for projectID. environment "local" or "dev" enables the
// fallback file.
func NewResolver(ctx context.Context, projectID, environment string, opts ...Option) (*Resolver, error) {
	env := strings.ToLower(strings.TrimSpace(environment))
	r := &Resolver{
		projectID:    strings.TrimSpace(projectID),
		allowLocal:   env == "" || env == "local" || env == "dev",
		fallbackPath: defaultFallbackFile,
		logger:       zap.NewNop(),
		cache:        make(map[string]string),
		retry: gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	counter, err := otel.Meter(meterName).Int64Counter("secrets.lookups",
		metric.WithDescription("Secret lookups by source"))
	if err == nil {
		r.lookups = counter
	}

	if r.client == nil {
		client, err := secretmanager.NewClient(ctx, option.WithUserAgent("torquebay-api"))
		switch {
		case err == nil:
			r.client, r.ownsClient = client, true
		case r.allowLocal:
			r.logger.Warn("secret manager unavailable; using local fallback", zap.Error(err))
		default:
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
	}
	return r, nil
}

// Close releases the owned client.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the payload for ref.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, local, addressable, err := r.resourceName(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	value, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		r.count(ctx, "cache")
		return value, nil
	}

	if r.client != nil && addressable {
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, r.retry)
		if err == nil {
			value = string(resp.GetPayload().GetData())
			r.store(name, value)
			r.count(ctx, "remote")
			return value, nil
		}
		if !r.allowLocal {
			return "", fmt.Errorf("secrets: access %s: %w", name, err)
		}
		r.logger.Debug("secret manager lookup failed; trying local fallback", zap.String("secret", local), zap.Error(err))
	}

	if !r.allowLocal {
		return "", fmt.Errorf("secrets: no client for %s", name)
	}
	value, ok = r.fallback(local)
	if !ok {
		return "", fmt.Errorf("secrets: %s not found in %s", local, r.fallbackPath)
	}
	r.store(name, value)
	r.count(ctx, "fallback")
	return value, nil
}

// resourceName expands ref into the full version resource name and the bare secret name
// used as the fallback key. addressable is false when no project is known.
func (r *Resolver) resourceName(ref string) (name, secret string, addressable bool, err error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(ref), scheme)
	if !ok || body == "" {
		return "", "", false, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if strings.HasPrefix(body, "projects/") {
		parts := strings.Split(body, "/")
		switch {
		case len(parts) == 4 && parts[2] == "secrets" && parts[1] != "":
			return body + "/versions/latest", parts[3], true, nil
		case len(parts) == 6 && parts[2] == "secrets" && parts[4] == "versions" && parts[1] != "":
			return body, parts[3], true, nil
		default:
			return "", "", false, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
		}
	}
	secret, version, _ := strings.Cut(body, "@")
	if secret == "" || strings.Contains(secret, "/") {
		return "", "", false, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if version == "" {
		version = "latest"
	}
	name = fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.projectID, secret, version)
	return name, secret, r.projectID != "", nil
}

func (r *Resolver) store(name, value string) {
	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
}

func (r *Resolver) fallback(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local == nil {
		r.local = readFallbackFile(r.fallbackPath)
	}
	value, ok := r.local[key]
	return value, ok
}

func (r *Resolver) count(ctx context.Context, source string) {
	if r.lookups != nil {
		r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func readFallbackFile(path string) map[string]string {
	values := make(map[string]string)
	file, err := os.Open(path)
	if err != nil {
		return values
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return values
}
