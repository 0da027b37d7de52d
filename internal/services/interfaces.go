package services

import (
	"context"

	"github.com/torquebay/api/internal/domain"
)

// ReservationService drives reservations through their lifecycle for staff and customers.
type ReservationService interface {
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	GetCustomerReservation(ctx context.Context, customerID, reservationID string) (domain.Reservation, error)
	ListCustomerReservations(ctx context.Context, customerID string) ([]domain.Reservation, error)

	TransitionReservation(ctx context.Context, cmd ReservationTransitionCommand) (TransitionOutcome, error)
	TransitionService(ctx context.Context, cmd ServiceTransitionCommand) (TransitionOutcome, error)
	AddServices(ctx context.Context, cmd AddServicesCommand) (AddServicesOutcome, error)
	RemoveService(ctx context.Context, cmd RemoveServiceCommand) (TransitionOutcome, error)
	AssignMechanic(ctx context.Context, cmd AssignMechanicCommand) (TransitionOutcome, error)
	UpdateIssue(ctx context.Context, cmd UpdateIssueCommand) (TransitionOutcome, error)
	CancelByCustomer(ctx context.Context, cmd CustomerCancelCommand) (TransitionOutcome, error)
	BulkTransition(ctx context.Context, cmd BulkTransitionCommand) (BulkResult, error)

	AuthorizePending(ctx context.Context, cmd AuthorizePendingCommand) (PendingResolution, error)
	DiscardPending(ctx context.Context, pendingID string) error
	CleanupExpiredPending(ctx context.Context, limit int) (int, error)

	CheckConsistency(ctx context.Context, reservationID string) (ConsistencyReport, error)
	Reconcile(ctx context.Context, reservationID string) (ConsistencyReport, error)
	RunReconciliation(ctx context.Context) (ReconcileSummary, error)
}

// ReservationTransitionCommand moves a reservation to TargetStatus. Terminal targets need
// a Credential; without one the request is parked as a pending transition.
type ReservationTransitionCommand struct {
	ReservationID   string
	TargetStatus    domain.Status
	ActorID         string
	ExpectedVersion *int64
	Credential      string
}

// ServiceTransitionCommand moves one service line.
type ServiceTransitionCommand struct {
	ReservationID   string
	ServiceIndex    int
	TargetStatus    domain.Status
	ActorID         string
	ExpectedVersion *int64
	Credential      string
}

// AddServicesCommand proposes new service lines. A non-empty CustomerID restricts the
// edit to the owner and to pre-repair statuses.
type AddServicesCommand struct {
	ReservationID   string
	CustomerID      string
	Services        []string
	ActorID         string
	ExpectedVersion *int64
}

// RemoveServiceCommand drops a service line.
type RemoveServiceCommand struct {
	ReservationID   string
	ServiceIndex    int
	ActorID         string
	ExpectedVersion *int64
}

// AssignMechanicCommand sets or clears the mechanic of a service line.
type AssignMechanicCommand struct {
	ReservationID   string
	ServiceIndex    int
	Mechanic        string
	ActorID         string
	ExpectedVersion *int64
}

// UpdateIssueCommand replaces the customer's issue description.
type UpdateIssueCommand struct {
	ReservationID   string
	CustomerID      string
	Issue           string
	ExpectedVersion *int64
}

// CustomerCancelCommand cancels a still-pending reservation on the owner's behalf.
// Confirmed carries the customer's explicit confirmation of the irreversible change.
type CustomerCancelCommand struct {
	ReservationID   string
	CustomerID      string
	Confirmed       bool
	ExpectedVersion *int64
}

// BulkTransitionCommand moves many reservations to one status.
type BulkTransitionCommand struct {
	ReservationIDs []string
	TargetStatus   domain.Status
	ActorID        string
	Credential     string
}

// AuthorizePendingCommand answers a parked transition.
type AuthorizePendingCommand struct {
	PendingID  string
	ActorID    string
	Credential string
}

// TransitionOutcome is the result of a single-reservation mutation. Commit is nil when
// nothing was written; Pending is set when the change awaits authorization.
type TransitionOutcome struct {
	Reservation domain.Reservation
	Commit      *CommitResult
	Pending     *domain.PendingTransition
	Suggestion  *CompletionSuggestion
	Warnings    []string
}

// AddServicesOutcome extends TransitionOutcome with the per-candidate verdicts.
type AddServicesOutcome struct {
	TransitionOutcome
	Accepted   []domain.ServiceLine
	Duplicates []string
	Invalid    []string
}

// PendingResolution is the outcome of an authorized pending transition. Exactly one of
// Single and Bulk is set.
type PendingResolution struct {
	Pending domain.PendingTransition
	Single  *TransitionOutcome
	Bulk    *BulkResult
}
