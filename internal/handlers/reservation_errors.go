package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/services"
)

const maxReservationBodySize = 16 * 1024

func writeReservationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var transitionErr *services.TransitionError
	switch {
	case errors.As(err, &transitionErr):
		status := http.StatusConflict
		if transitionErr.Reason == services.ReasonUnrecognizedStatus || transitionErr.Reason == services.ReasonServiceIndexOutOfRange {
			status = http.StatusUnprocessableEntity
		}
		details := map[string]any{"reason": string(transitionErr.Reason)}
		if transitionErr.From != "" {
			details["from"] = string(transitionErr.From)
		}
		if transitionErr.To != "" {
			details["to"] = string(transitionErr.To)
		}
		httpx.WriteError(ctx, w, httpx.NewError("transition_rejected", err.Error(), status).WithDetails(details))
	case errors.Is(err, services.ErrReservationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReservationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_not_found", "reservation not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReservationConflict):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPendingTransitionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("pending_transition_not_found", "pending transition not found or already consumed", http.StatusNotFound))
	case errors.Is(err, services.ErrAuthorizationDenied):
		httpx.WriteError(ctx, w, httpx.NewError("authorization_denied", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrReservationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_unavailable", "reservation storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("reservation_error", "failed to process reservation request", http.StatusInternalServerError))
	}
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("reservation_service_unavailable", "reservation service is unavailable", http.StatusServiceUnavailable))
}

func unauthenticated(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
}
