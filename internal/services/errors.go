package services

import (
	"errors"
	"fmt"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories"
)

var (
	// ErrReservationInvalidInput signals the caller provided invalid data.
	ErrReservationInvalidInput = errors.New("reservation: invalid input")
	// ErrReservationNotFound indicates the reservation could not be located.
	ErrReservationNotFound = errors.New("reservation: not found")
	// ErrReservationInvalidState indicates an illegal status transition or mutation.
	ErrReservationInvalidState = errors.New("reservation: invalid status transition")
	// ErrReservationConflict indicates a stale write or a concurrent update.
	ErrReservationConflict = errors.New("reservation: conflict")
	// ErrReservationUnavailable indicates neither mirrored copy could be written.
	ErrReservationUnavailable = errors.New("reservation: storage unavailable")
	// ErrAuthorizationDenied indicates the human confirmation was refused, failed or expired.
	ErrAuthorizationDenied = errors.New("reservation: authorization denied")
	// ErrPendingTransitionNotFound indicates the pending transition is unknown or already consumed.
	ErrPendingTransitionNotFound = errors.New("reservation: pending transition not found")
	// ErrReconcileNeedsReview indicates the mirrored copies disagree at the same version.
	// It is also an ErrReservationConflict.
	ErrReconcileNeedsReview = fmt.Errorf("%w: mirrored copies need operator review", ErrReservationConflict)
)

// RejectionReason classifies why the lifecycle engine refused a transition.
type RejectionReason string

const (
	ReasonTerminalState             RejectionReason = "terminal_state_immutable"
	ReasonBackwardTransition        RejectionReason = "backward_transition_forbidden"
	ReasonUnrecognizedStatus        RejectionReason = "unrecognized_status"
	ReasonAlreadyInStatus           RejectionReason = "no_op_already_in_status"
	ReasonServiceStatusNotPermitted RejectionReason = "service_status_not_permitted"
	ReasonServiceEdgeForbidden      RejectionReason = "service_edge_forbidden"
	ReasonServiceIndexOutOfRange    RejectionReason = "service_index_out_of_range"
	ReasonMutationNotPermitted      RejectionReason = "mutation_not_permitted"
)

// TransitionError is returned when the lifecycle engine rejects a request.
// errors.Is(err, ErrReservationInvalidState) holds for every TransitionError.
type TransitionError struct {
	Reason RejectionReason
	From   domain.Status
	To     domain.Status
	Detail string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrReservationInvalidState.Error(), e.Reason)
	if e.From != "" || e.To != "" {
		msg += fmt.Sprintf(" (%s -> %s)", e.From, e.To)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is lets callers match on ErrReservationInvalidState.
func (e *TransitionError) Is(target error) bool {
	return target == ErrReservationInvalidState
}

func rejection(reason RejectionReason, from, to domain.Status, detail string) *TransitionError {
	return &TransitionError{Reason: reason, From: from, To: to, Detail: detail}
}

// RejectionReasonOf extracts the rejection reason from err, if any.
func RejectionReasonOf(err error) (RejectionReason, bool) {
	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) {
		return transitionErr.Reason, true
	}
	return "", false
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReservationNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrReservationConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrReservationUnavailable, err)
		}
	}
	return err
}
