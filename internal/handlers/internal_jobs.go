package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/torquebay/api/internal/platform/httpx"
	"github.com/torquebay/api/internal/platform/requestctx"
	"github.com/torquebay/api/internal/services"
)

const defaultPendingCleanupLimit = 200

type reconciliationRunResponse struct {
	Processed      int `json:"processed"`
	Repaired       int `json:"repaired"`
	Clean          int `json:"clean"`
	Failed         int `json:"failed"`
	NeedsReview    int `json:"needsReview"`
	ExpiredPending int `json:"expiredPending"`
}

// InternalJobHandlers exposes scheduler-triggered maintenance endpoints.
type InternalJobHandlers struct {
	reservations services.ReservationService
	cleanupLimit int
}

// NewInternalJobHandlers constructs the handlers.
func NewInternalJobHandlers(reservations services.ReservationService) *InternalJobHandlers {
	return &InternalJobHandlers{
		reservations: reservations,
		cleanupLimit: defaultPendingCleanupLimit,
	}
}

// Routes registers the /internal endpoints. Authentication is applied by the router.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reconciliations:run", h.runReconciliation)
}

func (h *InternalJobHandlers) runReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reservations == nil {
		serviceUnavailable(ctx, w)
		return
	}
	summary, err := h.reservations.RunReconciliation(ctx)
	if err != nil {
		writeReservationError(ctx, w, err)
		return
	}
	expired, err := h.reservations.CleanupExpiredPending(ctx, h.cleanupLimit)
	if err != nil {
		// expiry is retried on the next run
		requestctx.Logger(ctx).Warn("pending cleanup failed", zap.Error(err))
	}
	httpx.WriteJSON(w, http.StatusOK, reconciliationRunResponse{
		Processed:      summary.Processed,
		Repaired:       summary.Repaired,
		Clean:          summary.Clean,
		Failed:         summary.Failed,
		NeedsReview:    summary.Review,
		ExpiredPending: expired,
	})
}
