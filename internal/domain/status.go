package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates lifecycle states shared by reservations and their service lines.
type Status string

const (
	// StatusPending indicates the reservation was requested and awaits shop confirmation.
	StatusPending Status = "PENDING"
	// StatusConfirmed indicates the shop accepted the reservation.
	StatusConfirmed Status = "CONFIRMED"
	// StatusRepairing indicates work is underway; service lines progress independently.
	StatusRepairing Status = "REPAIRING"
	// StatusCompleted indicates the work finished. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusCancelled indicates the reservation or line was abandoned. Terminal.
	StatusCancelled Status = "CANCELLED"
)

// ErrUnknownStatus is returned when a status symbol is outside the closed set.
var ErrUnknownStatus = errors.New("domain: unrecognized status")

var statusOrder = []Status{StatusPending, StatusConfirmed, StatusRepairing, StatusCompleted, StatusCancelled}

// rank orders statuses along the forward direction. Both terminal statuses share the top rank.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusConfirmed: 1,
	StatusRepairing: 2,
	StatusCompleted: 3,
	StatusCancelled: 3,
}

var statusDisplayNames = map[Status]string{
	StatusPending:   "Pending",
	StatusConfirmed: "Confirmed",
	StatusRepairing: "Repairing",
	StatusCompleted: "Completed",
	StatusCancelled: "Cancelled",
}

// reservationTransitions lists the legal successors of each reservation status.
// Any strictly forward move is allowed and cancellation is reachable from every
// non-terminal status.
var reservationTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusRepairing, StatusCompleted, StatusCancelled},
	StatusConfirmed: {StatusRepairing, StatusCompleted, StatusCancelled},
	StatusRepairing: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// serviceStatusesByReservation lists which service line statuses may coexist with
// a reservation status. Only REPAIRING lets lines move on their own.
var serviceStatusesByReservation = map[Status][]Status{
	StatusPending:   {StatusPending},
	StatusConfirmed: {StatusConfirmed},
	StatusRepairing: {StatusPending, StatusRepairing, StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusCompleted},
	StatusCancelled: {StatusCancelled},
}

// serviceEdges lists the per-line moves allowed while the reservation is REPAIRING.
var serviceEdges = map[Status][]Status{
	StatusPending:   {StatusRepairing},
	StatusRepairing: {StatusCompleted, StatusCancelled},
}

// ParseStatus converts a user supplied symbol into a Status. Matching ignores case
// and surrounding whitespace; the American spelling of cancelled is accepted.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "CANCELED" {
		normalized = string(StatusCancelled)
	}
	status := Status(normalized)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

// Statuses returns the closed status set in lifecycle order.
func Statuses() []Status {
	return append([]Status(nil), statusOrder...)
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Rank returns the forward position of s, or -1 for unknown statuses.
func (s Status) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// DisplayName returns the human readable label used in notifications.
func (s Status) DisplayName() string {
	if name, ok := statusDisplayNames[s]; ok {
		return name
	}
	return string(s)
}

func (s Status) String() string { return string(s) }

// AllowedReservationTransitions returns the statuses a reservation in current may move to.
// Terminal and unknown statuses yield an empty set.
func AllowedReservationTransitions(current Status) []Status {
	return append([]Status(nil), reservationTransitions[current]...)
}

// CanTransitionReservation reports whether current -> next is a legal reservation edge.
func CanTransitionReservation(current, next Status) bool {
	return contains(reservationTransitions[current], next)
}

// AllowedServiceStatuses returns the service line statuses permitted while the
// reservation holds reservationStatus.
func AllowedServiceStatuses(reservationStatus Status) []Status {
	return append([]Status(nil), serviceStatusesByReservation[reservationStatus]...)
}

// ServiceStatusPermitted reports whether a line may hold lineStatus under reservationStatus.
func ServiceStatusPermitted(reservationStatus, lineStatus Status) bool {
	return contains(serviceStatusesByReservation[reservationStatus], lineStatus)
}

// CanTransitionService reports whether a single service line may move current -> next.
func CanTransitionService(current, next Status) bool {
	return contains(serviceEdges[current], next)
}

// CascadeServiceStatus returns the status a line holding lineStatus must take when its
// reservation moves to reservationStatus. REPAIRING only advances lines that have not
// started; every other reservation status is mirrored onto all lines.
func CascadeServiceStatus(reservationStatus, lineStatus Status) Status {
	if reservationStatus == StatusRepairing {
		if lineStatus == StatusPending || lineStatus == StatusConfirmed {
			return StatusRepairing
		}
		return lineStatus
	}
	return reservationStatus
}

// InitialServiceStatus returns the status a newly inserted line starts with.
func InitialServiceStatus(reservationStatus Status) Status {
	return CascadeServiceStatus(reservationStatus, StatusPending)
}

func contains(values []Status, target Status) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
