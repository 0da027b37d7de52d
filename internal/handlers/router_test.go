package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/torquebay/api/internal/repositories"
)

type stubHealthChecks struct {
	report repositories.HealthReport
	err    error
}

func (s *stubHealthChecks) Collect(context.Context) (repositories.HealthReport, error) {
	return s.report, s.err
}

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthChecks(&stubHealthChecks{report: repositories.HealthReport{
			Status:      repositories.HealthStatusOK,
			GeneratedAt: now,
			Checks: map[string]repositories.HealthCheck{
				"firestore": {Status: repositories.HealthStatusOK, Latency: 12 * time.Millisecond},
			},
		}}),
		WithHealthClock(func() time.Time { return now }),
		WithHealthBuildInfo(BuildInfo{Version: "1.2.3", StartedAt: now.Add(-time.Minute)}),
	)
	router := NewRouter(WithHealthHandlers(health))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["version"] != "1.2.3" || body["uptime"] != "1m0s" {
			t.Fatalf("unexpected body: %v", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var body struct {
			Status string                           `json:"status"`
			Checks map[string]readinessCheckPayload `json:"checks"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "ok" || body.Checks["firestore"].LatencyMS != 12 {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("unregistered groups return 501", func(t *testing.T) {
		for _, path := range []string{"/api/v1/me/reservations", "/api/v1/admin/reservations/res-1", "/api/v1/internal/reconciliations:run"} {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusNotImplemented {
				t.Fatalf("%s: expected status 501, got %d", path, rr.Code)
			}
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestReadyzDegraded(t *testing.T) {
	health := NewHealthHandlers(WithHealthChecks(&stubHealthChecks{report: repositories.HealthReport{
		Status: repositories.HealthStatusDegraded,
		Checks: map[string]repositories.HealthCheck{
			"firestore": {Status: repositories.HealthStatusOK},
			"pubsub":    {Status: repositories.HealthStatusError, Detail: "publish failed"},
		},
	}}))
	rr := httptest.NewRecorder()
	health.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var body struct {
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Details) != 1 || body.Details[0] != "pubsub: publish failed" {
		t.Fatalf("unexpected details: %v", body.Details)
	}
}

func TestReadyzCheckError(t *testing.T) {
	health := NewHealthHandlers(WithHealthChecks(&stubHealthChecks{err: errors.New("context is required")}))
	rr := httptest.NewRecorder()
	health.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestNewRouterMountsRegistrarsAndGroupMiddleware(t *testing.T) {
	var guarded bool
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guarded = true
			next.ServeHTTP(w, r)
		})
	}
	svc := &stubReservationService{}
	router := NewRouter(
		WithInternalRoutes(NewInternalJobHandlers(svc).Routes),
		WithInternalMiddlewares(guard),
		WithAdminRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/reconciliations:run", nil))
	if rr.Code != http.StatusOK || !guarded {
		t.Fatalf("expected guarded internal route, got %d guarded=%v", rr.Code, guarded)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/ping", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected admin registrar to be mounted, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/admin/ping", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
