package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/repositories"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness checks.
type HealthHandlers struct {
	build  BuildInfo
	health repositories.HealthRepository
	now    func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata echoed by /healthz.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthChecks sets the dependency checks run by /readyz.
func WithHealthChecks(health repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) { h.health = health }
}

// WithHealthClock overrides the clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthHandlers builds the health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      string(repositories.HealthStatusOK),
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp":   now.UTC().Format(time.RFC3339),
	})
}

type readinessCheckPayload struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// Readyz runs the dependency checks and answers 503 unless every check is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": string(repositories.HealthStatusOK), "checks": map[string]any{}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := h.health.Collect(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("readiness_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]readinessCheckPayload, len(report.Checks))
	details := make([]string, 0)
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		checks[name] = readinessCheckPayload{
			Status:    string(check.Status),
			LatencyMS: check.Latency.Milliseconds(),
			Detail:    check.Detail,
		}
		if check.Status != repositories.HealthStatusOK && check.Detail != "" {
			details = append(details, fmt.Sprintf("%s: %s", name, check.Detail))
		}
	}

	status := http.StatusOK
	if report.Status != repositories.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, map[string]any{
		"status":      string(report.Status),
		"checks":      checks,
		"details":     details,
		"generatedAt": report.GeneratedAt.UTC().Format(time.RFC3339),
	})
}
