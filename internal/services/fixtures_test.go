package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories/memory"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

const testPIN = "1234"

func sampleReservation(id string, status domain.Status, lines ...domain.Status) domain.Reservation {
	reservation := domain.Reservation{
		ID:         id,
		CustomerID: "cust-1",
		Vehicle: domain.Vehicle{
			Make:  "Toyota",
			Model: "Corolla",
			Year:  2019,
			Plate: "ABC-123",
		},
		RequestedDate: fixedNow.Add(48 * time.Hour),
		Status:        status,
		Issue:         "squeaky brakes",
		Version:       1,
		CreatedAt:     fixedNow,
		UpdatedAt:     fixedNow,
	}
	if len(lines) == 0 {
		lines = []domain.Status{domain.InitialServiceStatus(status)}
	}
	for i, lineStatus := range lines {
		reservation.Services = append(reservation.Services, domain.ServiceLine{
			Service:  fmt.Sprintf("Service %d", i+1),
			Mechanic: domain.UnassignedMechanic,
			Status:   lineStatus,
			Created:  fixedNow,
		})
	}
	return reservation
}

// stubStore wraps a memory store so individual reads and writes can be made to fail.
type stubStore struct {
	*memory.ReservationStore
	getFn  func(context.Context, domain.ReservationKey) (domain.Reservation, error)
	saveFn func(context.Context, domain.Reservation, int64) (domain.Reservation, error)
}

func (s *stubStore) Get(ctx context.Context, key domain.ReservationKey) (domain.Reservation, error) {
	if s.getFn != nil {
		return s.getFn(ctx, key)
	}
	return s.ReservationStore.Get(ctx, key)
}

func (s *stubStore) Save(ctx context.Context, reservation domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	if s.saveFn != nil {
		return s.saveFn(ctx, reservation, expectedVersion)
	}
	return s.ReservationStore.Save(ctx, reservation, expectedVersion)
}

type unavailableError struct {
	msg string
}

func (e unavailableError) Error() string       { return e.msg }
func (e unavailableError) IsNotFound() bool    { return false }
func (e unavailableError) IsConflict() bool    { return false }
func (e unavailableError) IsUnavailable() bool { return true }

func failingSave(msg string) func(context.Context, domain.Reservation, int64) (domain.Reservation, error) {
	return func(context.Context, domain.Reservation, int64) (domain.Reservation, error) {
		return domain.Reservation{}, unavailableError{msg: msg}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []NotificationEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationEvent(nil), n.events...)
}

var pinGate = AuthorizationGateFunc(func(_ context.Context, req AuthorizationRequest) (bool, error) {
	return req.Credential == testPIN, nil
})

type testEnv struct {
	registry   *memory.Registry
	global     *stubStore
	customer   *stubStore
	reconciler *Reconciler
	notifier   *recordingNotifier
	service    ReservationService
}

func newTestEnv(t *testing.T, seed []domain.Reservation, opts ...func(*ReservationServiceDeps)) *testEnv {
	t.Helper()
	registry := memory.NewRegistry()
	for _, reservation := range seed {
		registry.SeedReservation(reservation)
	}
	env := &testEnv{
		registry: registry,
		global:   &stubStore{ReservationStore: registry.Global},
		customer: &stubStore{ReservationStore: registry.Customer},
		notifier: &recordingNotifier{},
	}
	clock := func() time.Time { return fixedNow }

	reconciler, err := NewReconciler(ReconcilerDeps{
		Global:   env.global,
		Customer: env.customer,
		Tickets:  registry.Tickets,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	env.reconciler = reconciler

	var seq int
	var seqMu sync.Mutex
	deps := ReservationServiceDeps{
		Global:     env.global,
		Customer:   env.customer,
		Reconciler: reconciler,
		Pending:    registry.Pending,
		Gate:       pinGate,
		Notifier:   env.notifier,
		Clock:      clock,
		IDGenerator: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("%03d", seq)
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	service, err := NewReservationService(deps)
	if err != nil {
		t.Fatalf("new reservation service: %v", err)
	}
	env.service = service
	return env
}

func (e *testEnv) globalCopy(t *testing.T, id string) domain.Reservation {
	t.Helper()
	reservation, err := e.registry.Global.Get(context.Background(), domain.ReservationKey{ID: id})
	if err != nil {
		t.Fatalf("global get %s: %v", id, err)
	}
	return reservation
}

func (e *testEnv) customerCopy(t *testing.T, id string) domain.Reservation {
	t.Helper()
	reservation, err := e.registry.Customer.Get(context.Background(), domain.ReservationKey{ID: id, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("customer get %s: %v", id, err)
	}
	return reservation
}

func lineStatuses(reservation domain.Reservation) []domain.Status {
	out := make([]domain.Status, len(reservation.Services))
	for i, line := range reservation.Services {
		out[i] = line.Status
	}
	return out
}

func int64Ptr(v int64) *int64 { return &v }
