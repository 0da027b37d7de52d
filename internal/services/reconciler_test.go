package services

import (
	"context"
	"errors"
	"testing"
	"time"

	gax "github.com/googleapis/gax-go/v2"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories/memory"
)

func newReconcilerFixture(t *testing.T, clock func() time.Time) (*memory.Registry, *stubStore, *stubStore, *Reconciler) {
	t.Helper()
	registry := memory.NewRegistry()
	global := &stubStore{ReservationStore: registry.Global}
	customer := &stubStore{ReservationStore: registry.Customer}
	reconciler, err := NewReconciler(ReconcilerDeps{
		Global:   global,
		Customer: customer,
		Tickets:  registry.Tickets,
		Locker:   NewLocalLocker(),
		Clock:    clock,
		Backoff:  gax.Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return registry, global, customer, reconciler
}

func TestReconcilerCheckReportsDivergence(t *testing.T) {
	registry, _, _, reconciler := newReconcilerFixture(t, func() time.Time { return fixedNow })

	base := sampleReservation("res-1", domain.StatusPending)
	newer, _ := RequestReservationTransition(base, domain.StatusConfirmed)
	newer.Version = 2
	registry.Global.Seed(newer)
	registry.Customer.Seed(base)

	report, err := reconciler.Check(context.Background(), domain.ReservationKey{ID: "res-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Diverged || report.Source != domain.LocationGlobal {
		t.Fatalf("expected divergence sourced from global, got %+v", report)
	}
	want := map[string]bool{"version": true, "status": true, "services": true}
	for _, diff := range report.Differences {
		delete(want, diff)
	}
	if len(want) != 0 {
		t.Fatalf("missing differences %v in %v", want, report.Differences)
	}
}

func TestReconcilerRepairsStaleCustomerCopy(t *testing.T) {
	registry, _, _, reconciler := newReconcilerFixture(t, func() time.Time { return fixedNow })

	base := sampleReservation("res-1", domain.StatusPending)
	newer, _ := RequestReservationTransition(base, domain.StatusConfirmed)
	newer.Version = 2
	registry.Global.Seed(newer)
	registry.Customer.Seed(base)
	_ = registry.Tickets.Upsert(context.Background(), domain.ReconciliationTicket{ReservationID: "res-1", CustomerID: "cust-1"})

	report, err := reconciler.Reconcile(context.Background(), domain.ReservationKey{ID: "res-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Repaired {
		t.Fatalf("expected repair")
	}
	repaired, _ := registry.Customer.Get(context.Background(), domain.ReservationKey{ID: "res-1", CustomerID: "cust-1"})
	if repaired.Status != domain.StatusConfirmed || repaired.Version != 2 {
		t.Fatalf("expected customer copy to match global, got %s v%d", repaired.Status, repaired.Version)
	}
	if _, err := registry.Tickets.Get(context.Background(), "res-1"); err == nil {
		t.Fatalf("expected ticket to be closed")
	}

	again, err := reconciler.Check(context.Background(), domain.ReservationKey{ID: "res-1"})
	if err != nil || again.Diverged {
		t.Fatalf("expected clean copies after repair, got %+v (%v)", again, err)
	}
}

func TestReconcilerPrefersNewerCustomerCopy(t *testing.T) {
	registry, _, _, reconciler := newReconcilerFixture(t, func() time.Time { return fixedNow })

	base := sampleReservation("res-1", domain.StatusPending)
	newer, _ := RequestReservationTransition(base, domain.StatusConfirmed)
	newer.Version = 2
	registry.Global.Seed(base)
	registry.Customer.Seed(newer)

	report, err := reconciler.Reconcile(context.Background(), domain.ReservationKey{ID: "res-1", CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Source != domain.LocationCustomer || !report.Repaired {
		t.Fatalf("expected repair from customer copy, got %+v", report)
	}
	repaired, _ := registry.Global.Get(context.Background(), domain.ReservationKey{ID: "res-1"})
	if repaired.Status != domain.StatusConfirmed {
		t.Fatalf("expected global copy repaired, got %s", repaired.Status)
	}
}

func TestReconcilerLeavesEqualVersionDivergenceForReview(t *testing.T) {
	registry, _, _, reconciler := newReconcilerFixture(t, func() time.Time { return fixedNow })

	base := sampleReservation("res-1", domain.StatusRepairing)
	completed, _ := RequestReservationTransition(base, domain.StatusCompleted)
	cancelled, _ := RequestReservationTransition(base, domain.StatusCancelled)
	completed.Version, cancelled.Version = 2, 2
	registry.Global.Seed(cancelled)
	registry.Customer.Seed(completed)
	if err := reconciler.Flag(context.Background(), completed, domain.LocationGlobal, errors.New("write failed")); err != nil {
		t.Fatalf("flag: %v", err)
	}

	report, err := reconciler.Check(context.Background(), domain.ReservationKey{ID: "res-1"})
	if err != nil || !report.Ambiguous || report.Source != "" {
		t.Fatalf("expected an ambiguous report without a source, got %+v (%v)", report, err)
	}

	summary, err := reconciler.RunDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Review != 1 || summary.Repaired != 0 {
		t.Fatalf("expected one ticket held for review, got %+v", summary)
	}
	if _, err := reconciler.Reconcile(context.Background(), domain.ReservationKey{ID: "res-1"}); !errors.Is(err, ErrReconcileNeedsReview) || !errors.Is(err, ErrReservationConflict) {
		t.Fatalf("expected needs-review conflict, got %v", err)
	}

	global, _ := registry.Global.Get(context.Background(), domain.ReservationKey{ID: "res-1"})
	customer, _ := registry.Customer.Get(context.Background(), domain.ReservationKey{ID: "res-1", CustomerID: "cust-1"})
	if global.Status != domain.StatusCancelled || customer.Status != domain.StatusCompleted {
		t.Fatalf("neither copy may be overwritten, got global=%s customer=%s", global.Status, customer.Status)
	}
	if _, err := registry.Tickets.Get(context.Background(), "res-1"); err != nil {
		t.Fatalf("expected ticket kept for the operator: %v", err)
	}
}

func TestReconcilerRecreatesMissingCopy(t *testing.T) {
	registry, _, _, reconciler := newReconcilerFixture(t, func() time.Time { return fixedNow })
	registry.Global.Seed(sampleReservation("res-1", domain.StatusConfirmed))

	report, err := reconciler.Reconcile(context.Background(), domain.ReservationKey{ID: "res-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Differences) != 1 || report.Differences[0] != "missing_customer" {
		t.Fatalf("unexpected differences: %v", report.Differences)
	}
	if _, err := registry.Customer.Get(context.Background(), domain.ReservationKey{ID: "res-1", CustomerID: "cust-1"}); err != nil {
		t.Fatalf("expected customer copy recreated: %v", err)
	}
}

func TestReconcilerRunDueBacksOffFailures(t *testing.T) {
	now := fixedNow
	registry, _, customer, reconciler := newReconcilerFixture(t, func() time.Time { return now })

	base := sampleReservation("res-1", domain.StatusPending)
	newer, _ := RequestReservationTransition(base, domain.StatusConfirmed)
	newer.Version = 2
	registry.Global.Seed(newer)
	registry.Customer.Seed(base)
	registry.Global.Seed(sampleReservation("res-2", domain.StatusPending))
	registry.Customer.Seed(sampleReservation("res-2", domain.StatusPending))

	for _, id := range []string{"res-1", "res-2"} {
		if err := reconciler.Flag(context.Background(), domain.Reservation{ID: id, CustomerID: "cust-1"}, domain.LocationCustomer, errors.New("write failed")); err != nil {
			t.Fatalf("flag %s: %v", id, err)
		}
	}
	customer.saveFn = failingSave("still offline")

	summary, err := reconciler.RunDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 2 || summary.Failed != 1 || summary.Clean != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	ticket, err := registry.Tickets.Get(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("expected failed ticket to remain: %v", err)
	}
	if ticket.Attempts != 1 || !ticket.NextAttemptAt.After(now) {
		t.Fatalf("expected ticket rescheduled, got %+v", ticket)
	}
	if _, err := registry.Tickets.Get(context.Background(), "res-2"); err == nil {
		t.Fatalf("expected clean ticket to be closed")
	}

	again, err := reconciler.RunDue(context.Background())
	if err != nil || again.Processed != 0 {
		t.Fatalf("expected rescheduled ticket to wait, got %+v (%v)", again, err)
	}

	customer.saveFn = nil
	now = ticket.NextAttemptAt
	final, err := reconciler.RunDue(context.Background())
	if err != nil || final.Repaired != 1 {
		t.Fatalf("expected repair once due, got %+v (%v)", final, err)
	}
}

func TestReconcilerCheckNotFound(t *testing.T) {
	_, _, _, reconciler := newReconcilerFixture(t, func() time.Time { return fixedNow })
	_, err := reconciler.Check(context.Background(), domain.ReservationKey{ID: "missing", CustomerID: "cust-1"})
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
