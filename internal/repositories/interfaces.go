package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/torquebay/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	GlobalReservations() ReservationStore
	CustomerReservations() CustomerReservationStore
	Reconciliations() ReconciliationRepository
	PendingTransitions() PendingTransitionRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ReservationStore persists one mirrored copy of a reservation.
type ReservationStore interface {
	Location() domain.RecordLocation
	Get(ctx context.Context, key domain.ReservationKey) (domain.Reservation, error)
	// Save writes reservation as given when the stored version equals expectedVersion.
	// An expectedVersion of zero requires the document to be absent. Mismatches return
	// a RepositoryError whose IsConflict reports true.
	Save(ctx context.Context, reservation domain.Reservation, expectedVersion int64) (domain.Reservation, error)
}

// CustomerReservationStore is the customer-scoped copy, which can also enumerate a customer's reservations.
type CustomerReservationStore interface {
	ReservationStore
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Reservation, error)
}

// ReconciliationRepository stores tickets for partially committed reservations.
type ReconciliationRepository interface {
	Upsert(ctx context.Context, ticket domain.ReconciliationTicket) error
	Get(ctx context.Context, reservationID string) (domain.ReconciliationTicket, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ReconciliationTicket, error)
	Delete(ctx context.Context, reservationID string) error
}

// PendingTransitionRepository parks irreversible transitions awaiting authorization.
type PendingTransitionRepository interface {
	Insert(ctx context.Context, pending domain.PendingTransition) error
	// Take removes and returns the pending transition so it can be consumed at most once.
	Take(ctx context.Context, id string) (domain.PendingTransition, error)
	// Delete discards the pending transition. Unknown ids return a not-found RepositoryError.
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}

// IsNotFound reports whether err is a repository error classified as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a repository error classified as a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a repository error classified as a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
