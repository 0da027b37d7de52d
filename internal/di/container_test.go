package di

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/platform/config"
	"github.com/torquebay/api/internal/platform/idempotency"
	"github.com/torquebay/api/internal/repositories/memory"
	"github.com/torquebay/api/internal/services"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []services.NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event services.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// countingMeter records the counters created through it.
type countingMeter struct {
	noop.Meter
	mu       sync.Mutex
	counters []string
}

func (m *countingMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	m.mu.Lock()
	m.counters = append(m.counters, name)
	m.mu.Unlock()
	return m.Meter.Int64Counter(name, opts...)
}

func (m *countingMeter) created(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counters {
		if c == name {
			return true
		}
	}
	return false
}

func seededRegistry() *memory.Registry {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	reg := memory.NewRegistry()
	reg.SeedReservation(domain.Reservation{
		ID:         "res-1",
		CustomerID: "cust-1",
		Status:     domain.StatusPending,
		Services: []domain.ServiceLine{
			{Service: "oil change", Mechanic: domain.UnassignedMechanic, Status: domain.StatusPending, Created: now},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return reg
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func TestContainerWiresReservationService(t *testing.T) {
	reg := seededRegistry()
	pubsub := &recordingNotifier{}
	push := &recordingNotifier{}
	gate := services.AuthorizationGateFunc(func(_ context.Context, req services.AuthorizationRequest) (bool, error) {
		return req.Credential == "2468", nil
	})

	meter := &countingMeter{}
	container, err := NewContainer(context.Background(), config.Config{}, reg,
		WithNotifiers(pubsub, nil, push),
		WithAuthorizationGate(gate),
		WithMeter(meter),
	)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if !meter.created("reservations.commit.outcomes") || !meter.created("reservations.reconcile.attempts") {
		t.Fatalf("expected service counters on the supplied meter, got %v", meter.counters)
	}
	svc := container.Services.Reservations
	if svc == nil || container.Services.Reconciler == nil {
		t.Fatalf("expected services to be wired")
	}

	outcome, err := svc.TransitionReservation(context.Background(), services.ReservationTransitionCommand{
		ReservationID: "res-1",
		TargetStatus:  domain.StatusConfirmed,
		ActorID:       "staff-1",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if outcome.Reservation.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", outcome.Reservation.Status)
	}
	if pubsub.count() != 1 || push.count() != 1 {
		t.Fatalf("expected both channels notified, got %d/%d", pubsub.count(), push.count())
	}

	outcome, err = svc.TransitionReservation(context.Background(), services.ReservationTransitionCommand{
		ReservationID: "res-1",
		TargetStatus:  domain.StatusCancelled,
		ActorID:       "staff-1",
		Credential:    "2468",
	})
	if err != nil {
		t.Fatalf("authorized cancel: %v", err)
	}
	if outcome.Reservation.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", outcome.Reservation.Status)
	}
}

func TestContainerCloseRunsClosers(t *testing.T) {
	var closed []string
	container, err := NewContainer(context.Background(), config.Config{}, memory.NewRegistry(),
		WithCloser(func(context.Context) error {
			closed = append(closed, "redis")
			return nil
		}),
		WithCloser(func(context.Context) error {
			closed = append(closed, "pubsub")
			return errors.New("pubsub close failed")
		}),
	)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	err = container.Close(context.Background())
	if err == nil || err.Error() != "pubsub close failed" {
		t.Fatalf("expected joined closer error, got %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("expected every closer to run, got %v", closed)
	}
}

func TestRunMaintenanceStopsOnCancel(t *testing.T) {
	container, err := NewContainer(context.Background(), config.Config{}, memory.NewRegistry())
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		container.RunMaintenance(ctx, 5*time.Millisecond, 10)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("maintenance loop did not stop")
	}
}

func TestRunMaintenanceDisabledReturnsImmediately(t *testing.T) {
	container, err := NewContainer(context.Background(), config.Config{}, memory.NewRegistry())
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	done := make(chan struct{})
	go func() {
		container.RunMaintenance(context.Background(), 0, 10)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected immediate return when interval is zero")
	}
}

func TestMaintainPurgesExpiredIdempotencyKeys(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	store := idempotency.NewMemoryStore()
	ctx := context.Background()
	if _, _, err := store.Claim(ctx, "uid:staff-1|k-1", "fp", now.Add(-time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	container, err := NewContainer(ctx, config.Config{}, memory.NewRegistry(),
		WithIdempotencyStore(store),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}

	container.maintain(ctx, zap.NewNop(), time.Second, 10)

	if left, _ := store.Purge(ctx, now, 10); left != 0 {
		t.Fatalf("expected maintenance to purge the lapsed key, %d left", left)
	}
}
