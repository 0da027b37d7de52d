package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/torquebay/api/internal/platform/auth"
	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/services"
)

type updateReservationRequest struct {
	Issue           *string `json:"issue"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

type cancelReservationRequest struct {
	Confirm         bool   `json:"confirm"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

type reservationListResponse struct {
	Items []reservationPayload `json:"items"`
}

// MeReservationHandlers exposes the customer's own reservations.
type MeReservationHandlers struct {
	authn        *auth.Authenticator
	reservations services.ReservationService
	guards       []func(http.Handler) http.Handler
}

// NewMeReservationHandlers constructs the customer handlers.
func NewMeReservationHandlers(authn *auth.Authenticator, reservations services.ReservationService, opts ...ReservationHandlerOption) *MeReservationHandlers {
	return &MeReservationHandlers{
		authn:        authn,
		reservations: reservations,
		guards:       applyReservationHandlerOptions(opts),
	}
}

// Routes registers the /me/reservations endpoints.
func (h *MeReservationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(h.guards...)
	r.Get("/reservations", h.listReservations)
	r.Get("/reservations/{reservationID}", h.getReservation)
	r.Patch("/reservations/{reservationID}", h.updateReservation)
	r.Post("/reservations/{reservationID}/services", h.addServices)
	r.Post("/reservations/{reservationID}:cancel", h.cancelReservation)
}

func (h *MeReservationHandlers) listReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	reservations, err := h.reservations.ListCustomerReservations(ctx, identity.UID)
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	items := make([]reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		items = append(items, buildReservationPayload(reservation))
	}
	httpx.WriteJSON(w, http.StatusOK, reservationListResponse{Items: items})
}

func (h *MeReservationHandlers) getReservation(w http.ResponseWriter, r *http.Request) {
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
	reservation, err := h.reservations.GetCustomerReservation(ctx, identity.UID, reservationID)
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildReservationPayload(reservation))
}

func (h *MeReservationHandlers) updateReservation(w http.ResponseWriter, r *http.Request) {
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
	var req updateReservationRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	if req.Issue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "issue is required", http.StatusBadRequest))
		return
	}
	outcome, err := h.reservations.UpdateIssue(ctx, services.UpdateIssueCommand{
		ReservationID:   reservationID,
		CustomerID:      identity.UID,
		Issue:           *req.Issue,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome), buildTransitionResponse(outcome))
}

func (h *MeReservationHandlers) addServices(w http.ResponseWriter, r *http.Request) {
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
		CustomerID:      identity.UID,
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

func (h *MeReservationHandlers) cancelReservation(w http.ResponseWriter, r *http.Request) {
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
	var req cancelReservationRequest
	if err := httpx.DecodeJSON(r, maxReservationBodySize, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.BodyError(err))
		return
	}
	outcome, err := h.reservations.CancelByCustomer(ctx, services.CustomerCancelCommand{
		ReservationID:   reservationID,
		CustomerID:      identity.UID,
		Confirmed:       req.Confirm,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, transitionStatusCode(outcome), buildTransitionResponse(outcome))
}
