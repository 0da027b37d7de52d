package services

import (
	"fmt"

	"github.com/torquebay/api/internal/domain"
)

// ServiceTransitionResult carries the next reservation state after a service line moved,
// plus a completion suggestion when every line has settled.
type ServiceTransitionResult struct {
	Reservation domain.Reservation
	Suggestion  *CompletionSuggestion
}

// ValidateReservationTransition reports whether a reservation may move from -> to.
// A terminal status rejects every request, including one for the status it already has.
// The returned error is a *TransitionError.
func ValidateReservationTransition(from, to domain.Status) error {
	switch {
	case !to.Valid():
		return rejection(ReasonUnrecognizedStatus, from, to, "target status is not recognized")
	case !from.Valid():
		return rejection(ReasonUnrecognizedStatus, from, to, "stored status is not recognized")
	case from.IsTerminal():
		return rejection(ReasonTerminalState, from, to, "")
	case from == to:
		return rejection(ReasonAlreadyInStatus, from, to, "")
	case !domain.CanTransitionReservation(from, to):
		return rejection(ReasonBackwardTransition, from, to, "")
	}
	return nil
}

// RequestReservationTransition validates target against the reservation's status and,
// when legal, returns the next state with the status cascaded onto every service line.
// The input reservation is never modified.
func RequestReservationTransition(current domain.Reservation, target domain.Status) (domain.Reservation, error) {
	if err := ValidateReservationTransition(current.Status, target); err != nil {
		return domain.Reservation{}, err
	}
	return CascadeReservationStatus(current, target), nil
}

// CascadeReservationStatus sets status on a copy of the reservation and reconciles every
// service line with it.
func CascadeReservationStatus(current domain.Reservation, status domain.Status) domain.Reservation {
	next := current.Clone()
	next.Status = status
	for i := range next.Services {
		next.Services[i].Status = domain.CascadeServiceStatus(status, next.Services[i].Status)
	}
	return next
}

// ValidateServiceTransition reports whether the service line at index may move to target
// given the reservation's current state.
func ValidateServiceTransition(current domain.Reservation, index int, target domain.Status) error {
	if index < 0 || index >= len(current.Services) {
		return rejection(ReasonServiceIndexOutOfRange, "", target, fmt.Sprintf("index %d, %d lines", index, len(current.Services)))
	}
	line := current.Services[index]
	switch {
	case !target.Valid():
		return rejection(ReasonUnrecognizedStatus, line.Status, target, "target status is not recognized")
	case current.Status.IsTerminal():
		return rejection(ReasonTerminalState, line.Status, target, "reservation is "+string(current.Status))
	case !domain.ServiceStatusPermitted(current.Status, target):
		return rejection(ReasonServiceStatusNotPermitted, line.Status, target, "reservation is "+string(current.Status))
	case line.Status == target:
		return rejection(ReasonAlreadyInStatus, line.Status, target, "")
	case line.Status.IsTerminal():
		return rejection(ReasonTerminalState, line.Status, target, "service line is "+string(line.Status))
	case domain.CanTransitionService(line.Status, target):
		return nil
	case target.Rank() < line.Status.Rank():
		return rejection(ReasonBackwardTransition, line.Status, target, "")
	default:
		return rejection(ReasonServiceEdgeForbidden, line.Status, target, "")
	}
}

// RequestServiceTransition moves a single service line. The reservation status never
// changes here; when the ledger becomes ready the result carries a completion suggestion.
func RequestServiceTransition(current domain.Reservation, index int, target domain.Status) (ServiceTransitionResult, error) {
	if err := ValidateServiceTransition(current, index, target); err != nil {
		return ServiceTransitionResult{}, err
	}
	next := current.Clone()
	next.Services[index].Status = target
	return ServiceTransitionResult{
		Reservation: next,
		Suggestion:  SuggestCompletion(next),
	}, nil
}
