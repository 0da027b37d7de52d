package services

import "github.com/torquebay/api/internal/domain"

// CompletionSuggestion signals that a REPAIRING reservation looks finished. It is only
// ever a prompt for staff; the reservation status is not changed automatically.
type CompletionSuggestion struct {
	ReservationID string
	TargetStatus  domain.Status
	Completed     int
	Cancelled     int
}

// ReadyToAutoComplete reports whether every line is terminal and at least one completed.
// An empty ledger is never ready.
func ReadyToAutoComplete(lines []domain.ServiceLine) bool {
	if len(lines) == 0 {
		return false
	}
	completed := false
	for _, line := range lines {
		if !line.Status.IsTerminal() {
			return false
		}
		if line.Status == domain.StatusCompleted {
			completed = true
		}
	}
	return completed
}

// SuggestCompletion returns a suggestion when a REPAIRING reservation's ledger is ready.
func SuggestCompletion(reservation domain.Reservation) *CompletionSuggestion {
	if reservation.Status != domain.StatusRepairing || !ReadyToAutoComplete(reservation.Services) {
		return nil
	}
	suggestion := &CompletionSuggestion{ReservationID: reservation.ID, TargetStatus: domain.StatusCompleted}
	for _, line := range reservation.Services {
		switch line.Status {
		case domain.StatusCompleted:
			suggestion.Completed++
		case domain.StatusCancelled:
			suggestion.Cancelled++
		}
	}
	return suggestion
}
