package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/torquebay/api/internal/platform/auth"
	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/platform/requestctx"
)

const (
	// DefaultHeader carries the client chosen key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks responses served from the store.
	ReplayHeader = "Idempotent-Replayed"

	maxKeyLength  = 255
	maxBodyLength = 64 * 1024
)

type settings struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// Option customises the middleware.
type Option func(*settings)

// WithHeader overrides the request header holding the key.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used when no request logger is on the context.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Middleware replays responses for retried POST, PUT, PATCH and DELETE requests that carry
// a key. Requests without a key pass through. Keys are scoped to the authenticated caller,
// so the middleware must run after authentication.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := settings{header: DefaultHeader, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
					return
				}
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			logger := requestctx.Logger(ctx)
			if logger == requestctx.NoopLogger() && cfg.logger != nil {
				logger = cfg.logger
			}
			caller := callerOf(r)
			scoped := caller + "|" + key
			fingerprint := fingerprintOf(r, caller, body)

			claim, entry, err := store.Claim(ctx, scoped, fingerprint, cfg.clock().UTC())
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Warn("idempotency claim failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to check idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch claim {
			case ClaimReplay:
				replay(w, entry)
				return
			case ClaimInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is still running", http.StatusConflict))
				return
			}

			recorder := &bufferedWriter{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			status := recorder.statusCode()

			if status >= http.StatusInternalServerError {
				if err := store.Abandon(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency abandon failed", zap.Error(err))
				}
			} else {
				response := Response{
					Status:      status,
					ContentType: w.Header().Get("Content-Type"),
					Body:        recorder.body.Bytes(),
				}
				if err := store.Complete(ctx, scoped, fingerprint, response, cfg.clock().UTC(), cfg.ttl); err != nil {
					logger.Error("idempotency response not stored", zap.Error(err), zap.Int("status", status))
				}
			}
			recorder.flush()
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func callerOf(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return "uid:" + identity.UID
	}
	if service, ok := auth.ServiceIdentityFromContext(r.Context()); ok && service.Subject != "" {
		return "svc:" + service.Subject
	}
	return "anonymous"
}

func fingerprintOf(r *http.Request, caller string, body []byte) string {
	hash := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, caller} {
		hash.Write([]byte(part))
		hash.Write([]byte{0})
	}
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

var errBodyTooLarge = errors.New("request body too large")

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLength+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodyLength {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, entry Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(entry.Body) > 0 {
		_, _ = w.Write(entry.Body)
	}
}

// bufferedWriter holds the status and body until the outcome is stored. Headers go
// straight to the underlying writer.
type bufferedWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) flush() {
	b.ResponseWriter.WriteHeader(b.statusCode())
	if b.body.Len() > 0 {
		_, _ = b.ResponseWriter.Write(b.body.Bytes())
	}
}
