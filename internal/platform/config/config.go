package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStorageBackend      = StorageBackendFirestore
	defaultStatusTopic         = "reservation.status.changed"
	defaultNotificationTimeout = 5 * time.Second
	defaultAuthorizationTTL    = 10 * time.Minute
	defaultAuthorizationWait   = 30 * time.Second
	defaultLockBackend         = LockBackendMemory
	defaultLockTTL             = 15 * time.Second
	defaultLockKeyPrefix       = "lock:reservation:"
	defaultReconcileInterval   = 5 * time.Minute
	defaultReconcileBatchSize  = 50
	defaultReconcileBackoff    = 30 * time.Second
	defaultReconcileMaxBackoff = time.Hour
	defaultBulkConcurrency     = 8
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
)

// Storage backends.
const (
	StorageBackendFirestore = "firestore"
	StorageBackendMemory    = "memory"
)

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Firebase       FirebaseConfig
	Firestore      FirestoreConfig
	PubSub         PubSubConfig
	Notifications  NotificationConfig
	Authorization  AuthorizationConfig
	Locks          LockConfig
	Reconciliation ReconciliationConfig
	Bulk           BulkConfig
	Idempotency    IdempotencyConfig
	Security       SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	// Backend selects "firestore" or the in-process "memory" store used for local runs.
	Backend string
}

// PubSubConfig configures the status change topic.
type PubSubConfig struct {
	ProjectID    string
	StatusTopic  string
	EmulatorHost string
}

// NotificationConfig toggles the notification channels.
type NotificationConfig struct {
	PubSubEnabled bool
	PushEnabled   bool
	Timeout       time.Duration
}

// AuthorizationConfig controls the irreversible-action gate.
type AuthorizationConfig struct {
	// PINHash is a bcrypt hash of the staff confirmation PIN. Usually a secret:// reference.
	PINHash    string
	Timeout    time.Duration
	PendingTTL time.Duration
}

// LockConfig selects the per-reservation lock implementation.
type LockConfig struct {
	Backend       string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// ReconciliationConfig tunes the partial-commit repair job.
type ReconciliationConfig struct {
	Enabled        bool
	Interval       time.Duration
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// BulkConfig bounds bulk transition fan-out.
type BulkConfig struct {
	Concurrency int
}

// IdempotencyConfig controls replay of retried mutating requests.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load builds the configuration from defaults, the .env file, the process environment and
// explicit overrides, then resolves secret references and validates the result. Lookups
// prefer WithEnvMap values, then the process environment, then the .env file.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	fileValues, err := readEnvFile(options.envFile)
	if err != nil {
		return Config{}, err
	}
	e := env{overrides: options.envMap, system: options.useSystemEnv, file: fileValues}

	cfg := Config{
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  e.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
			Backend:      e.lower("API_STORAGE_BACKEND", defaultStorageBackend),
		},
		PubSub: PubSubConfig{
			ProjectID:    e.str("API_PUBSUB_PROJECT_ID", ""),
			StatusTopic:  e.str("API_PUBSUB_STATUS_TOPIC", defaultStatusTopic),
			EmulatorHost: e.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Notifications: NotificationConfig{
			PubSubEnabled: e.flag("API_NOTIFY_PUBSUB_ENABLED", true),
			PushEnabled:   e.flag("API_NOTIFY_PUSH_ENABLED", false),
			Timeout:       e.duration("API_NOTIFY_TIMEOUT", defaultNotificationTimeout),
		},
		Authorization: AuthorizationConfig{
			PINHash:    e.str("API_AUTHZ_PIN_HASH", ""),
			Timeout:    e.duration("API_AUTHZ_TIMEOUT", defaultAuthorizationWait),
			PendingTTL: e.duration("API_AUTHZ_PENDING_TTL", defaultAuthorizationTTL),
		},
		Locks: LockConfig{
			Backend:       e.lower("API_LOCKS_BACKEND", defaultLockBackend),
			TTL:           e.duration("API_LOCKS_TTL", defaultLockTTL),
			RedisAddr:     e.str("API_LOCKS_REDIS_ADDR", ""),
			RedisPassword: e.str("API_LOCKS_REDIS_PASSWORD", ""),
			RedisDB:       e.integer("API_LOCKS_REDIS_DB", 0),
			KeyPrefix:     e.str("API_LOCKS_KEY_PREFIX", defaultLockKeyPrefix),
		},
		Reconciliation: ReconciliationConfig{
			Enabled:        e.flag("API_RECONCILE_ENABLED", true),
			Interval:       e.duration("API_RECONCILE_INTERVAL", defaultReconcileInterval),
			BatchSize:      e.integer("API_RECONCILE_BATCH", defaultReconcileBatchSize),
			InitialBackoff: e.duration("API_RECONCILE_BACKOFF", defaultReconcileBackoff),
			MaxBackoff:     e.duration("API_RECONCILE_MAX_BACKOFF", defaultReconcileMaxBackoff),
		},
		Bulk: BulkConfig{
			Concurrency: e.integer("API_BULK_CONCURRENCY", defaultBulkConcurrency),
		},
		Idempotency: IdempotencyConfig{
			Header: e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    e.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Security: SecurityConfig{
			Environment: e.lower("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment),
			OIDC: OIDCConfig{
				JWKSURL:  e.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: e.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  e.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	for _, field := range []*string{&cfg.Authorization.PINHash, &cfg.Locks.RedisPassword} {
		if *field, err = resolveSecret(ctx, *field, options.secret); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

// secretReference reports whether value names a secret and returns it in secret:// form.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func (cfg Config) validate() error {
	var bad []string
	check := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	switch cfg.Firestore.Backend {
	case StorageBackendFirestore:
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StorageBackendMemory:
	default:
		bad = append(bad, "Firestore.Backend")
	}
	if cfg.Notifications.PubSubEnabled {
		check(strings.TrimSpace(cfg.PubSub.StatusTopic) != "", "PubSub.StatusTopic")
	}
	check(cfg.Authorization.Timeout > 0, "Authorization.Timeout")
	check(cfg.Authorization.PendingTTL > 0, "Authorization.PendingTTL")
	switch cfg.Locks.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		check(strings.TrimSpace(cfg.Locks.RedisAddr) != "", "Locks.RedisAddr")
	default:
		bad = append(bad, "Locks.Backend")
	}
	check(cfg.Locks.TTL > 0, "Locks.TTL")
	if cfg.Reconciliation.Enabled {
		check(cfg.Reconciliation.Interval > 0, "Reconciliation.Interval")
		check(cfg.Reconciliation.BatchSize > 0, "Reconciliation.BatchSize")
	}
	check(cfg.Bulk.Concurrency > 0, "Bulk.Concurrency")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

// readEnvFile parses a dotenv file. A missing file is not an error.
func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

// env resolves keys against explicit overrides, then the process environment, then the
// .env file. Empty values count as unset and malformed values fall back to the default.
type env struct {
	overrides map[string]string
	system    bool
	file      map[string]string
}

func (e env) get(key string) string {
	if value, ok := e.overrides[key]; ok {
		return strings.TrimSpace(value)
	}
	if e.system {
		if value, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(e.file[key])
}

func (e env) str(key, fallback string) string {
	if value := e.get(key); value != "" {
		return value
	}
	return fallback
}

func (e env) lower(key, fallback string) string {
	return strings.ToLower(e.str(key, fallback))
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.get(key)); err == nil {
		return d
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(e.get(key)); err == nil {
		return n
	}
	return fallback
}

func (e env) flag(key string, fallback bool) bool {
	switch strings.ToLower(e.get(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

func (e env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.get(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
