package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/platform/auth"
	"github.com/torquebay/api/internal/platform/idempotency"
	"github.com/torquebay/api/internal/services"
)

func newAdminRouter(svc services.ReservationService) chi.Router {
	handler := NewAdminReservationHandlers(nil, svc)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)
	return router
}

func staffRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestAdminTransitionReservationSuccess(t *testing.T) {
	var captured services.ReservationTransitionCommand
	svc := &stubReservationService{
		transitionFn: func(ctx context.Context, cmd services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
			captured = cmd
			saved := testReservation(cmd.ReservationID, domain.StatusConfirmed)
			return services.TransitionOutcome{
				Reservation: saved,
				Commit:      &services.CommitResult{GlobalWriteOK: true, CustomerWriteOK: true, Saved: saved},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":"confirmed","expectedVersion":2}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ReservationID != "res-1" || captured.TargetStatus != domain.StatusConfirmed || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.ExpectedVersion == nil || *captured.ExpectedVersion != 2 {
		t.Fatalf("expected version to be forwarded, got %v", captured.ExpectedVersion)
	}
	payload := decodeBody(t, rr)
	reservation := payload["reservation"].(map[string]any)
	if reservation["status"] != "CONFIRMED" || reservation["statusLabel"] != "Confirmed" {
		t.Fatalf("unexpected reservation payload: %v", reservation)
	}
	commit := payload["commit"].(map[string]any)
	if commit["outcome"] != "full" {
		t.Fatalf("expected full commit, got %v", commit)
	}
}

func TestAdminTransitionPartialCommitIsAccepted(t *testing.T) {
	svc := &stubReservationService{
		transitionFn: func(ctx context.Context, cmd services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
			saved := testReservation(cmd.ReservationID, domain.StatusConfirmed)
			return services.TransitionOutcome{
				Reservation: saved,
				Commit: &services.CommitResult{
					GlobalWriteOK: true,
					CustomerErr:   errors.New("customer index offline"),
					Saved:         saved,
				},
				Warnings: []string{services.WarningPartialCommit},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":"CONFIRMED"}`))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	commit := payload["commit"].(map[string]any)
	if commit["outcome"] != "global_only" || commit["customerWrite"] != false || commit["customerError"] != "customer index offline" {
		t.Fatalf("unexpected commit payload: %v", commit)
	}
	warnings := payload["warnings"].([]any)
	if len(warnings) != 1 || warnings[0] != services.WarningPartialCommit {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestAdminTransitionPendingAuthorization(t *testing.T) {
	svc := &stubReservationService{
		transitionFn: func(ctx context.Context, cmd services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
			if cmd.Credential != "" {
				t.Fatalf("expected no credential, got %q", cmd.Credential)
			}
			version := int64(3)
			return services.TransitionOutcome{
				Reservation: testReservation(cmd.ReservationID, domain.StatusRepairing),
				Pending: &domain.PendingTransition{
					ID:              "pnd_01",
					ReservationIDs:  []string{cmd.ReservationID},
					TargetStatus:    cmd.TargetStatus,
					ExpectedVersion: &version,
					CreatedAt:       testNow,
					ExpiresAt:       testNow.Add(5 * time.Minute),
				},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":"canceled"}`))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	pending := decodeBody(t, rr)["pending"].(map[string]any)
	if pending["id"] != "pnd_01" || pending["targetStatus"] != "CANCELLED" || pending["expectedVersion"] != float64(3) {
		t.Fatalf("unexpected pending payload: %v", pending)
	}
}

func TestAdminTransitionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		reason string
	}{
		{"terminal", &services.TransitionError{Reason: services.ReasonTerminalState, From: domain.StatusCompleted, To: domain.StatusPending}, http.StatusConflict, "transition_rejected", "terminal_state_immutable"},
		{"backward", &services.TransitionError{Reason: services.ReasonBackwardTransition}, http.StatusConflict, "transition_rejected", "backward_transition_forbidden"},
		{"unrecognized", &services.TransitionError{Reason: services.ReasonUnrecognizedStatus}, http.StatusUnprocessableEntity, "transition_rejected", "unrecognized_status"},
		{"wrapped", fmt.Errorf("engine: %w", &services.TransitionError{Reason: services.ReasonAlreadyInStatus}), http.StatusConflict, "transition_rejected", "no_op_already_in_status"},
		{"not found", services.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found", ""},
		{"conflict", fmt.Errorf("%w: stale", services.ErrReservationConflict), http.StatusConflict, "reservation_conflict", ""},
		{"unavailable", services.ErrReservationUnavailable, http.StatusServiceUnavailable, "reservation_unavailable", ""},
		{"denied", services.ErrAuthorizationDenied, http.StatusForbidden, "authorization_denied", ""},
		{"invalid", services.ErrReservationInvalidInput, http.StatusBadRequest, "invalid_request", ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "reservation_error", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubReservationService{
				transitionFn: func(context.Context, services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
					return services.TransitionOutcome{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":"PENDING"}`))
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			payload := decodeBody(t, rr)
			if payload["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, payload["error"])
			}
			if tc.reason != "" && payload["reason"] != tc.reason {
				t.Fatalf("expected reason %s, got %v", tc.reason, payload["reason"])
			}
		})
	}
}

func TestAdminTransitionPassesUnknownStatusThrough(t *testing.T) {
	var captured domain.Status
	svc := &stubReservationService{
		transitionFn: func(ctx context.Context, cmd services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
			captured = cmd.TargetStatus
			return services.TransitionOutcome{}, &services.TransitionError{Reason: services.ReasonUnrecognizedStatus, To: cmd.TargetStatus}
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":" shipped "}`))
	if captured != domain.Status("shipped") {
		t.Fatalf("expected raw status forwarded, got %q", captured)
	}
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestAdminTransitionRejectsBadBodies(t *testing.T) {
	router := newAdminRouter(&stubReservationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":"CONFIRMED","extra":true}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown field rejected, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected empty body rejected, got %d", rr.Code)
	}

	huge := `{"status":"` + strings.Repeat("x", maxReservationBodySize) + `"}`
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", huge))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestAdminRequiresIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/admin/reservations/res-1:transition", strings.NewReader(`{"status":"CONFIRMED"}`))
	rr := httptest.NewRecorder()
	newAdminRouter(&stubReservationService{}).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestAdminHandlersWithoutServiceReturnUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	newAdminRouter(nil).ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/reservations/res-1", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestAdminGetReservation(t *testing.T) {
	svc := &stubReservationService{
		getFn: func(ctx context.Context, id string) (domain.Reservation, error) {
			return testReservation(id, domain.StatusRepairing), nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/reservations/res-9", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["id"] != "res-9" || payload["version"] != float64(3) {
		t.Fatalf("unexpected payload: %v", payload)
	}
	vehicle := payload["vehicle"].(map[string]any)
	if vehicle["descriptor"] != "2019 Toyota Corolla (ABC-123)" {
		t.Fatalf("unexpected vehicle: %v", vehicle)
	}
	lines := payload["services"].([]any)
	if len(lines) != 1 || lines[0].(map[string]any)["mechanic"] != domain.UnassignedMechanic || lines[0].(map[string]any)["assigned"] != false {
		t.Fatalf("unexpected service lines: %v", lines)
	}
}

func TestAdminServiceLineRoutes(t *testing.T) {
	var transition services.ServiceTransitionCommand
	var removal services.RemoveServiceCommand
	var assignment services.AssignMechanicCommand
	svc := &stubReservationService{
		serviceFn: func(ctx context.Context, cmd services.ServiceTransitionCommand) (services.TransitionOutcome, error) {
			transition = cmd
			return services.TransitionOutcome{Reservation: testReservation(cmd.ReservationID, domain.StatusRepairing)}, nil
		},
		removeServiceFn: func(ctx context.Context, cmd services.RemoveServiceCommand) (services.TransitionOutcome, error) {
			removal = cmd
			return services.TransitionOutcome{Reservation: testReservation(cmd.ReservationID, domain.StatusPending)}, nil
		},
		assignFn: func(ctx context.Context, cmd services.AssignMechanicCommand) (services.TransitionOutcome, error) {
			assignment = cmd
			return services.TransitionOutcome{Reservation: testReservation(cmd.ReservationID, domain.StatusPending)}, nil
		},
	}
	router := newAdminRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1/services/2:transition", `{"status":"REPAIRING"}`))
	if rr.Code != http.StatusOK || transition.ServiceIndex != 2 || transition.TargetStatus != domain.StatusRepairing {
		t.Fatalf("unexpected service transition: %d %+v", rr.Code, transition)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodDelete, "/admin/reservations/res-1/services/0", ""))
	if rr.Code != http.StatusOK || removal.ReservationID != "res-1" || removal.ServiceIndex != 0 {
		t.Fatalf("unexpected removal: %d %+v", rr.Code, removal)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPut, "/admin/reservations/res-1/services/1/mechanic", `{"mechanic":"Kenji"}`))
	if rr.Code != http.StatusOK || assignment.Mechanic != "Kenji" || assignment.ServiceIndex != 1 {
		t.Fatalf("unexpected assignment: %d %+v", rr.Code, assignment)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodDelete, "/admin/reservations/res-1/services/first", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected non-numeric index rejected, got %d", rr.Code)
	}
}

func TestAdminAddServicesReportsVerdicts(t *testing.T) {
	svc := &stubReservationService{
		addServicesFn: func(ctx context.Context, cmd services.AddServicesCommand) (services.AddServicesOutcome, error) {
			if cmd.CustomerID != "" {
				t.Fatalf("staff edits must not be scoped to a customer")
			}
			saved := testReservation(cmd.ReservationID, domain.StatusPending)
			line := domain.ServiceLine{Service: "brake pads", Mechanic: domain.UnassignedMechanic, Status: domain.StatusPending}
			saved.Services = append(saved.Services, line)
			return services.AddServicesOutcome{
				TransitionOutcome: services.TransitionOutcome{Reservation: saved},
				Accepted:          []domain.ServiceLine{line},
				Duplicates:        []string{"Oil Change"},
				Invalid:           []string{"  "},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1/services", `{"services":["brake pads","Oil Change","  "]}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if len(payload["accepted"].([]any)) != 1 || payload["duplicates"].([]any)[0] != "Oil Change" || len(payload["invalid"].([]any)) != 1 {
		t.Fatalf("unexpected verdicts: %v", payload)
	}
}

func TestAdminBulkTransition(t *testing.T) {
	var captured services.BulkTransitionCommand
	svc := &stubReservationService{
		bulkFn: func(ctx context.Context, cmd services.BulkTransitionCommand) (services.BulkResult, error) {
			captured = cmd
			confirmed := testReservation("res-2", domain.StatusConfirmed)
			return services.BulkResult{
				TargetStatus: domain.StatusConfirmed,
				Order:        []string{"res-1", "res-2"},
				Items: map[string]services.BulkItemResult{
					"res-1": {ReservationID: "res-1", Outcome: services.BulkItemAlreadySatisfied, Reason: services.ReasonAlreadyInStatus},
					"res-2": {ReservationID: "res-2", Outcome: services.BulkItemCommitted, Reservation: &confirmed},
				},
				Aggregate: services.BulkAggregateApplied,
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations:bulk-transition", `{"reservationIds":["res-1","res-2"],"status":"confirmed"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetStatus != domain.StatusConfirmed || len(captured.ReservationIDs) != 2 {
		t.Fatalf("unexpected command: %+v", captured)
	}
	payload := decodeBody(t, rr)
	items := payload["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected two items, got %v", items)
	}
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	if first["reservationId"] != "res-1" || first["reason"] != "no_op_already_in_status" {
		t.Fatalf("expected request order, got %v", first)
	}
	if second["outcome"] != "committed" || second["status"] != "CONFIRMED" {
		t.Fatalf("unexpected second item: %v", second)
	}
}

func TestAdminBulkTransitionPendingIsAccepted(t *testing.T) {
	svc := &stubReservationService{
		bulkFn: func(ctx context.Context, cmd services.BulkTransitionCommand) (services.BulkResult, error) {
			return services.BulkResult{
				TargetStatus: domain.StatusCancelled,
				Order:        []string{"res-1"},
				Items:        map[string]services.BulkItemResult{"res-1": {ReservationID: "res-1", Outcome: services.BulkItemEligible}},
				Aggregate:    services.BulkAggregatePendingAuthorization,
				Pending:      &domain.PendingTransition{ID: "pnd_bulk", Bulk: true, ReservationIDs: []string{"res-1"}, TargetStatus: domain.StatusCancelled},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations:bulk-transition", `{"reservationIds":["res-1"],"status":"CANCELLED"}`))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	pending := decodeBody(t, rr)["pending"].(map[string]any)
	if pending["id"] != "pnd_bulk" || pending["bulk"] != true {
		t.Fatalf("unexpected pending payload: %v", pending)
	}
}

func TestAdminBulkTransitionValidatesIDs(t *testing.T) {
	router := newAdminRouter(&stubReservationService{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations:bulk-transition", `{"reservationIds":[],"status":"CONFIRMED"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	ids := make([]string, maxBulkReservationIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("res-%d", i)
	}
	body, _ := json.Marshal(map[string]any{"reservationIds": ids, "status": "CONFIRMED"})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations:bulk-transition", string(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected oversize batch rejected, got %d", rr.Code)
	}
}

func TestAdminAuthorizePending(t *testing.T) {
	var captured services.AuthorizePendingCommand
	svc := &stubReservationService{
		authorizeFn: func(ctx context.Context, cmd services.AuthorizePendingCommand) (services.PendingResolution, error) {
			captured = cmd
			saved := testReservation("res-1", domain.StatusCancelled)
			return services.PendingResolution{
				Pending: domain.PendingTransition{ID: cmd.PendingID},
				Single: &services.TransitionOutcome{
					Reservation: saved,
					Commit:      &services.CommitResult{GlobalWriteOK: true, CustomerWriteOK: true, Saved: saved},
				},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/pending-transitions/pnd_01:authorize", `{"credential":"4321"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PendingID != "pnd_01" || captured.Credential != "4321" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	payload := decodeBody(t, rr)
	result := payload["result"].(map[string]any)
	if result["reservation"].(map[string]any)["status"] != "CANCELLED" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestAdminAuthorizePendingConsumedTwice(t *testing.T) {
	svc := &stubReservationService{
		authorizeFn: func(context.Context, services.AuthorizePendingCommand) (services.PendingResolution, error) {
			return services.PendingResolution{}, services.ErrPendingTransitionNotFound
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/pending-transitions/pnd_01:authorize", `{"credential":"4321"}`))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if decodeBody(t, rr)["error"] != "pending_transition_not_found" {
		t.Fatalf("unexpected error body: %s", rr.Body.String())
	}
}

func TestAdminDiscardPending(t *testing.T) {
	var discarded string
	svc := &stubReservationService{
		discardFn: func(ctx context.Context, id string) error {
			discarded = id
			return nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(svc).ServeHTTP(rr, staffRequest(http.MethodDelete, "/admin/pending-transitions/pnd_02", ""))
	if rr.Code != http.StatusNoContent || discarded != "pnd_02" {
		t.Fatalf("expected discard, got %d (%s)", rr.Code, discarded)
	}
}

func TestAdminConsistencyRoutes(t *testing.T) {
	global := testReservation("res-1", domain.StatusConfirmed)
	customer := testReservation("res-1", domain.StatusPending)
	report := services.ConsistencyReport{
		ReservationID: "res-1",
		CustomerID:    "cust-1",
		Global:        &global,
		Customer:      &customer,
		Diverged:      true,
		Differences:   []string{"status"},
		Source:        domain.LocationGlobal,
	}
	svc := &stubReservationService{
		checkFn: func(context.Context, string) (services.ConsistencyReport, error) { return report, nil },
		reconcileFn: func(context.Context, string) (services.ConsistencyReport, error) {
			repaired := report
			repaired.Repaired = true
			return repaired, nil
		},
	}
	router := newAdminRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/reservations/res-1/consistency", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["diverged"] != true || payload["source"] != "global" || payload["repaired"] != false {
		t.Fatalf("unexpected report: %v", payload)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/reservations/res-1:reconcile", ""))
	if rr.Code != http.StatusOK || decodeBody(t, rr)["repaired"] != true {
		t.Fatalf("expected repaired report, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestAdminTransitionRetryIsReplayed(t *testing.T) {
	calls := 0
	svc := &stubReservationService{
		transitionFn: func(ctx context.Context, cmd services.ReservationTransitionCommand) (services.TransitionOutcome, error) {
			calls++
			saved := testReservation(cmd.ReservationID, domain.StatusConfirmed)
			return services.TransitionOutcome{
				Reservation: saved,
				Commit:      &services.CommitResult{GlobalWriteOK: true, CustomerWriteOK: true, Saved: saved},
			}, nil
		},
	}
	handler := NewAdminReservationHandlers(nil, svc, WithAuthenticatedMiddlewares(idempotency.Middleware(idempotency.NewMemoryStore())))
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	var bodies []string
	for range 2 {
		req := staffRequest(http.MethodPost, "/admin/reservations/res-1:transition", `{"status":"CONFIRMED","expectedVersion":3}`)
		req.Header.Set(idempotency.DefaultHeader, "retry-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		bodies = append(bodies, rr.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected one transition for a retried key, got %d", calls)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("expected identical replay, got %s vs %s", bodies[0], bodies[1])
	}
}
