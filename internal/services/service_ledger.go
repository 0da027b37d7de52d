package services

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/torquebay/api/internal/domain"
)

const maxServiceNameLength = 120

var serviceNameFolder = cases.Fold()

// NormalizeServiceName produces the comparison key used for duplicate detection.
// Width variants are unified, case is folded and every run of separators collapses
// to one space, so "Oil Change", "oil_change" and "OIL  CHANGE " compare equal.
func NormalizeServiceName(name string) string {
	folded := serviceNameFolder.String(norm.NFKC.String(name))
	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// InsertProposal is the outcome of checking candidate service names against a ledger.
type InsertProposal struct {
	Accepted   []domain.ServiceLine
	Duplicates []string
	Invalid    []string
}

// ProposeInsert filters candidates against the existing lines and against each other.
// Accepted lines start in the status the cascade rule assigns for the reservation's
// current status. Terminal reservations reject the whole batch.
func ProposeInsert(current domain.Reservation, candidates []string, now time.Time) (InsertProposal, error) {
	if current.Status.IsTerminal() {
		return InsertProposal{}, rejection(ReasonTerminalState, current.Status, current.Status, "services cannot be added")
	}
	if !current.Status.Valid() {
		return InsertProposal{}, rejection(ReasonUnrecognizedStatus, current.Status, current.Status, "stored status is not recognized")
	}

	seen := make(map[string]struct{}, len(current.Services)+len(candidates))
	for _, line := range current.Services {
		seen[NormalizeServiceName(line.Service)] = struct{}{}
	}

	initial := domain.InitialServiceStatus(current.Status)
	var proposal InsertProposal
	for _, candidate := range candidates {
		display := strings.Join(strings.Fields(candidate), " ")
		key := NormalizeServiceName(display)
		if key == "" || len(display) > maxServiceNameLength {
			proposal.Invalid = append(proposal.Invalid, candidate)
			continue
		}
		if _, dup := seen[key]; dup {
			proposal.Duplicates = append(proposal.Duplicates, candidate)
			continue
		}
		seen[key] = struct{}{}
		proposal.Accepted = append(proposal.Accepted, domain.ServiceLine{
			Service:  display,
			Mechanic: domain.UnassignedMechanic,
			Status:   initial,
			Created:  now,
		})
	}
	return proposal, nil
}

// ApplyInsert appends the accepted lines to a copy of the reservation.
func ApplyInsert(current domain.Reservation, proposal InsertProposal) domain.Reservation {
	next := current.Clone()
	next.Services = append(next.Services, proposal.Accepted...)
	return next
}

// RemoveServiceLine drops the line at index. Completed work cannot be removed and a
// reservation keeps at least one line.
func RemoveServiceLine(current domain.Reservation, index int) (domain.Reservation, error) {
	if current.Status.IsTerminal() {
		return domain.Reservation{}, rejection(ReasonTerminalState, current.Status, current.Status, "services cannot be removed")
	}
	if index < 0 || index >= len(current.Services) {
		return domain.Reservation{}, rejection(ReasonServiceIndexOutOfRange, "", "", fmt.Sprintf("index %d, %d lines", index, len(current.Services)))
	}
	if current.Services[index].Status == domain.StatusCompleted {
		return domain.Reservation{}, rejection(ReasonMutationNotPermitted, domain.StatusCompleted, "", "completed work cannot be removed")
	}
	if len(current.Services) == 1 {
		return domain.Reservation{}, rejection(ReasonMutationNotPermitted, "", "", "reservation must keep at least one service")
	}
	next := current.Clone()
	next.Services = append(next.Services[:index:index], next.Services[index+1:]...)
	return next, nil
}

// AssignMechanic sets the mechanic on a non-terminal line. A blank name unassigns it.
func AssignMechanic(current domain.Reservation, index int, mechanic string) (domain.Reservation, error) {
	if current.Status.IsTerminal() {
		return domain.Reservation{}, rejection(ReasonTerminalState, current.Status, current.Status, "mechanic cannot be changed")
	}
	if index < 0 || index >= len(current.Services) {
		return domain.Reservation{}, rejection(ReasonServiceIndexOutOfRange, "", "", fmt.Sprintf("index %d, %d lines", index, len(current.Services)))
	}
	line := current.Services[index]
	if line.Status.IsTerminal() {
		return domain.Reservation{}, rejection(ReasonTerminalState, line.Status, line.Status, "service line is settled")
	}
	mechanic = strings.TrimSpace(mechanic)
	if mechanic == "" {
		mechanic = domain.UnassignedMechanic
	}
	next := current.Clone()
	next.Services[index].Mechanic = mechanic
	return next, nil
}
