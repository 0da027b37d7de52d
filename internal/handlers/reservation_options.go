package handlers

import "net/http"

type reservationHandlerConfig struct {
	guards []func(http.Handler) http.Handler
}

// ReservationHandlerOption customises the admin and customer reservation handlers.
type ReservationHandlerOption func(*reservationHandlerConfig)

// WithAuthenticatedMiddlewares runs middlewares after authentication, where the caller's
// identity is known. Idempotent replay is installed this way.
func WithAuthenticatedMiddlewares(mw ...func(http.Handler) http.Handler) ReservationHandlerOption {
	return func(cfg *reservationHandlerConfig) {
		for _, m := range mw {
			if m != nil {
				cfg.guards = append(cfg.guards, m)
			}
		}
	}
}

func applyReservationHandlerOptions(opts []ReservationHandlerOption) []func(http.Handler) http.Handler {
	var cfg reservationHandlerConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg.guards
}
