package services

import (
	"reflect"
	"testing"

	"github.com/torquebay/api/internal/domain"
)

func TestNormalizeServiceName(t *testing.T) {
	cases := map[string]string{
		"Oil Change":         "oil change",
		"oil_change":         "oil change",
		"OIL  CHANGE ":       "oil change",
		"  brake-pads  ":     "brake pads",
		"ＯＩＬ　ＣＨＡＮＧＥ": "oil change",
		"Straße":             "strasse",
		"---":                "",
	}
	for input, want := range cases {
		if got := NormalizeServiceName(input); got != want {
			t.Fatalf("NormalizeServiceName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestProposeInsertDeduplicatesWithinBatch(t *testing.T) {
	current := sampleReservation("res-1", domain.StatusPending)
	proposal, err := ProposeInsert(current, []string{"Oil Change", "OIL CHANGE", "oil_change"}, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proposal.Accepted) != 1 || proposal.Accepted[0].Service != "Oil Change" {
		t.Fatalf("expected exactly one accepted line, got %+v", proposal.Accepted)
	}
	if want := []string{"OIL CHANGE", "oil_change"}; !reflect.DeepEqual(proposal.Duplicates, want) {
		t.Fatalf("expected duplicates %v, got %v", want, proposal.Duplicates)
	}
}

func TestProposeInsertDeduplicatesAgainstLedger(t *testing.T) {
	current := sampleReservation("res-1", domain.StatusConfirmed)
	current.Services[0].Service = "Tyre Rotation"

	proposal, err := ProposeInsert(current, []string{"tyre   rotation", "Wheel Alignment", "", "   "}, fixedNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proposal.Accepted) != 1 || proposal.Accepted[0].Service != "Wheel Alignment" {
		t.Fatalf("unexpected accepted lines: %+v", proposal.Accepted)
	}
	if len(proposal.Duplicates) != 1 || proposal.Duplicates[0] != "tyre   rotation" {
		t.Fatalf("unexpected duplicates: %v", proposal.Duplicates)
	}
	if len(proposal.Invalid) != 2 {
		t.Fatalf("expected blank candidates to be invalid, got %v", proposal.Invalid)
	}
	line := proposal.Accepted[0]
	if line.Status != domain.StatusConfirmed || line.Mechanic != domain.UnassignedMechanic || !line.Created.Equal(fixedNow) {
		t.Fatalf("unexpected new line: %+v", line)
	}
}

func TestProposeInsertInitialStatusFollowsCascade(t *testing.T) {
	cases := map[domain.Status]domain.Status{
		domain.StatusPending:   domain.StatusPending,
		domain.StatusConfirmed: domain.StatusConfirmed,
		domain.StatusRepairing: domain.StatusRepairing,
	}
	for parent, want := range cases {
		proposal, err := ProposeInsert(sampleReservation("res-1", parent), []string{"Diagnostics"}, fixedNow)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", parent, err)
		}
		if got := proposal.Accepted[0].Status; got != want {
			t.Fatalf("%s: expected new line %s, got %s", parent, want, got)
		}
	}
}

func TestProposeInsertRejectsTerminalReservation(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusCancelled} {
		proposal, err := ProposeInsert(sampleReservation("res-1", status), []string{"Diagnostics"}, fixedNow)
		if reason, _ := RejectionReasonOf(err); reason != ReasonTerminalState {
			t.Fatalf("%s: expected terminal rejection, got %v", status, err)
		}
		if len(proposal.Accepted) != 0 {
			t.Fatalf("%s: expected no partial insert", status)
		}
	}
}

func TestApplyInsertDoesNotAliasInput(t *testing.T) {
	current := sampleReservation("res-1", domain.StatusPending)
	proposal, _ := ProposeInsert(current, []string{"Diagnostics"}, fixedNow)
	next := ApplyInsert(current, proposal)
	if len(next.Services) != 2 || len(current.Services) != 1 {
		t.Fatalf("expected only the copy to grow: current=%d next=%d", len(current.Services), len(next.Services))
	}
}

func TestRemoveServiceLine(t *testing.T) {
	current := sampleReservation("res-1", domain.StatusRepairing,
		domain.StatusRepairing, domain.StatusCompleted, domain.StatusPending)

	next, err := RemoveServiceLine(current, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []domain.Status{domain.StatusRepairing, domain.StatusCompleted}; !reflect.DeepEqual(lineStatuses(next), want) {
		t.Fatalf("unexpected lines after removal: %v", lineStatuses(next))
	}
	if len(current.Services) != 3 {
		t.Fatalf("input reservation was modified")
	}

	if _, err := RemoveServiceLine(current, 1); err == nil {
		t.Fatalf("expected completed line removal to be rejected")
	} else if reason, _ := RejectionReasonOf(err); reason != ReasonMutationNotPermitted {
		t.Fatalf("expected %s, got %v", ReasonMutationNotPermitted, err)
	}

	single := sampleReservation("res-2", domain.StatusPending)
	if _, err := RemoveServiceLine(single, 0); err == nil {
		t.Fatalf("expected last line removal to be rejected")
	}

	if _, err := RemoveServiceLine(sampleReservation("res-3", domain.StatusCancelled, domain.StatusCancelled, domain.StatusCancelled), 0); err == nil {
		t.Fatalf("expected terminal reservation removal to be rejected")
	}

	if _, err := RemoveServiceLine(current, 7); err == nil {
		t.Fatalf("expected out of range removal to be rejected")
	}
}

func TestAssignMechanic(t *testing.T) {
	current := sampleReservation("res-1", domain.StatusRepairing, domain.StatusRepairing, domain.StatusCompleted)

	next, err := AssignMechanic(current, 0, "  Kenji ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Services[0].Mechanic != "Kenji" {
		t.Fatalf("expected trimmed mechanic, got %q", next.Services[0].Mechanic)
	}
	if current.Services[0].Mechanic != domain.UnassignedMechanic {
		t.Fatalf("input reservation was modified")
	}

	cleared, err := AssignMechanic(next, 0, " ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared.Services[0].Mechanic != domain.UnassignedMechanic {
		t.Fatalf("expected blank mechanic to unassign, got %q", cleared.Services[0].Mechanic)
	}

	if _, err := AssignMechanic(current, 1, "Kenji"); err == nil {
		t.Fatalf("expected settled line to reject assignment")
	}
}
