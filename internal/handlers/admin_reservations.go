package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/platform/auth"
	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/services"
)

const maxBulkReservationIDs = 200

type transitionRequest struct {
	Status          string `json:"status"`
	ExpectedVersion *int64 `json:"expectedVersion"`
	Credential      string `json:"credential"`
}

type addServicesRequest struct {
	Services        []string `json:"services"`
	ExpectedVersion *int64   `json:"expectedVersion"`
}

type removeServiceRequest struct {
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type assignMechanicRequest struct {
	Mechanic        string `json:"mechanic"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type bulkTransitionRequest struct {
	ReservationIDs []string `json:"reservationIds"`
	Status         string   `json:"status"`
	Credential     string   `json:"credential"`
}

type authorizePendingRequest struct {
	Credential string `json:"credential"`
}

type addServicesResponse struct {
	transitionResponse
	Accepted   []serviceLinePayload `json:"accepted"`
	Duplicates []string             `json:"duplicates"`
	Invalid    []string             `json:"invalid"`
}

type pendingResolutionResponse struct {
	PendingID string              `json:"pendingId"`
	Result    *transitionResponse `json:"result,omitempty"`
	Bulk      *bulkResponse       `json:"bulk,omitempty"`
}

// AdminReservationHandlers exposes the staff endpoints for driving reservations.
type AdminReservationHandlers struct {
	authn        *auth.Authenticator
	reservations services.ReservationService
	guards       []func(http.Handler) http.Handler
}

// NewAdminReservationHandlers constructs the staff handlers.
func NewAdminReservationHandlers(authn *auth.Authenticator, reservations services.ReservationService, opts ...ReservationHandlerOption) *AdminReservationHandlers {
	return &AdminReservationHandlers{
		authn:        authn,
		reservations: reservations,
		guards:       applyReservationHandlerOptions(opts),
	}
}

// Routes registers the /admin reservation and pending transition endpoints.
func (h *AdminReservationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Use(h.guards...)
	r.Post("/reservations:bulk-transition", h.bulkTransition)
	r.Get("/reservations/{reservationID}", h.getReservation)
	r.Post("/reservations/{reservationID}:transition", h.transitionReservation)
	r.Post("/reservations/{reservationID}:reconcile", h.reconcile)
	r.Get("/reservations/{reservationID}/consistency", h.checkConsistency)
	r.Post("/reservations/{reservationID}/services", h.addServices)
	r.Delete("/reservations/{reservationID}/services/{serviceIndex}", h.removeService)
	r.Post("/reservations/{reservationID}/services/{serviceIndex}:transition", h.transitionService)
	r.Put("/reservations/{reservationID}/services/{serviceIndex}/mechanic", h.assignMechanic)
	r.Post("/pending-transitions/{pendingID}:authorize", h.authorizePending)
	r.Delete("/pending-transitions/{pendingID}", h.discardPending)
}

func (h *AdminReservationHandlers) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	reservation, err := h.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildReservationPayload(reservation))
}

func (h *AdminReservationHandlers) transitionReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.reservations.TransitionReservation(ctx, services.ReservationTransitionCommand{
		ReservationID:   reservationID,
		TargetStatus:    parseTargetStatus(req.Status),
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
		Credential:      req.Credential,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome), buildTransitionResponse(outcome))
}

func (h *AdminReservationHandlers) transitionService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	index, ok := serviceIndexParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.reservations.TransitionService(ctx, services.ServiceTransitionCommand{
		ReservationID:   reservationID,
		ServiceIndex:    index,
		TargetStatus:    parseTargetStatus(req.Status),
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
		Credential:      req.Credential,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome), buildTransitionResponse(outcome))
}

func (h *AdminReservationHandlers) addServices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	var req addServicesRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.reservations.AddServices(ctx, services.AddServicesCommand{
		ReservationID:   reservationID,
		Services:        req.Services,
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome.TransitionOutcome), buildAddServicesResponse(outcome))
}

func (h *AdminReservationHandlers) removeService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	index, ok := serviceIndexParam(w, r)
	if !ok {
		return
	}
	var req removeServiceRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.reservations.RemoveService(ctx, services.RemoveServiceCommand{
		ReservationID:   reservationID,
		ServiceIndex:    index,
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome), buildTransitionResponse(outcome))
}

func (h *AdminReservationHandlers) assignMechanic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	index, ok := serviceIndexParam(w, r)
	if !ok {
		return
	}
	var req assignMechanicRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.reservations.AssignMechanic(ctx, services.AssignMechanicCommand{
		ReservationID:   reservationID,
		ServiceIndex:    index,
		Mechanic:        req.Mechanic,
		ActorID:         identity.UID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome), buildTransitionResponse(outcome))
}

func (h *AdminReservationHandlers) bulkTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req bulkTransitionRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	if len(req.ReservationIDs) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reservationIds must not be empty", http.StatusBadRequest))
		return
	}
	if len(req.ReservationIDs) > maxBulkReservationIDs {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many reservationIds", http.StatusBadRequest).
			WithDetails(map[string]any{"max": maxBulkReservationIDs}))
		return
	}
	result, err := h.reservations.BulkTransition(ctx, services.BulkTransitionCommand{
		ReservationIDs: req.ReservationIDs,
		TargetStatus:   parseTargetStatus(req.Status),
		ActorID:        identity.UID,
		Credential:     req.Credential,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if result.Aggregate == services.BulkAggregatePendingAuthorization {
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, buildBulkResponse(result))
}

func (h *AdminReservationHandlers) checkConsistency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.reservations.CheckConsistency(ctx, reservationID)
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildConsistencyResponse(report))
}

func (h *AdminReservationHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	reservationID, ok := reservationIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.reservations.Reconcile(ctx, reservationID)
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildConsistencyResponse(report))
}

func (h *AdminReservationHandlers) authorizePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	pendingID := strings.TrimSpace(chi.URLParam(r, "pendingID"))
	if pendingID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pending transition id is required", http.StatusBadRequest))
		return
	}
	var req authorizePendingRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	resolution, err := h.reservations.AuthorizePending(ctx, services.AuthorizePendingCommand{
		PendingID:  pendingID,
		ActorID:    identity.UID,
		Credential: req.Credential,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}

	resp := pendingResolutionResponse{PendingID: resolution.Pending.ID}
	status := http.StatusOK
	if resolution.Single != nil {
		single := buildTransitionResponse(*resolution.Single)
		resp.Result = &single
		status = transitionStatusCode(*resolution.Single)
	}
	if resolution.Bulk != nil {
		bulk := buildBulkResponse(*resolution.Bulk)
		resp.Bulk = &bulk
	}
	httpx.WriteJSON(w, status, resp)
}

func (h *AdminReservationHandlers) discardPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	pendingID := strings.TrimSpace(chi.URLParam(r, "pendingID"))
	if pendingID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pending transition id is required", http.StatusBadRequest))
		return
	}
	if err := h.reservations.DiscardPending(ctx, pendingID); err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func buildAddServicesResponse(outcome services.AddServicesOutcome) addServicesResponse {
	return addServicesResponse{
		transitionResponse: buildTransitionResponse(outcome.TransitionOutcome),
		Accepted:           buildServiceLinePayloads(outcome.Accepted),
		Duplicates:         append([]string{}, outcome.Duplicates...),
		Invalid:            append([]string{}, outcome.Invalid...),
	}
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		unauthenticated(r.Context(), w)
		return nil, false
	}
	return identity, true
}

func reservationIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	reservationID := strings.TrimSpace(chi.URLParam(r, "reservationID"))
	if reservationID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "reservation id is required", http.StatusBadRequest))
		return "", false
	}
	return reservationID, true
}

func serviceIndexParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "serviceIndex"))
	index, err := strconv.Atoi(raw)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "service index must be an integer", http.StatusBadRequest))
		return 0, false
	}
	return index, true
}

// parseTargetStatus normalises the symbol; unknown values are passed through so the
// lifecycle engine reports them as unrecognized.
func parseTargetStatus(raw string) domain.Status {
	status, err := domain.ParseStatus(raw)
	if err != nil {
		return domain.Status(strings.TrimSpace(raw))
	}
	return status
}
