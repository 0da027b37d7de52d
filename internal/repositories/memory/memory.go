// Package memory provides in-process repositories for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories"
)

// Error implements repositories.RepositoryError for in-memory stores.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return e.op + ": " + e.msg }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(op, format string, args ...any) error {
	return &Error{op: op, msg: fmt.Sprintf(format, args...), conflict: true}
}

// ReservationStore keeps one mirrored copy of reservations in a map.
type ReservationStore struct {
	location domain.RecordLocation

	mu      sync.RWMutex
	records map[string]domain.Reservation
}

var (
	_ repositories.ReservationStore         = (*ReservationStore)(nil)
	_ repositories.CustomerReservationStore = (*ReservationStore)(nil)
)

// NewReservationStore constructs an empty store for the given location.
func NewReservationStore(location domain.RecordLocation) *ReservationStore {
	return &ReservationStore{location: location, records: make(map[string]domain.Reservation)}
}

func (s *ReservationStore) Location() domain.RecordLocation { return s.location }

func (s *ReservationStore) key(key domain.ReservationKey) string {
	if s.location == domain.LocationCustomer {
		return key.CustomerID + "/" + key.ID
	}
	return key.ID
}

// Get returns a copy of the stored reservation.
func (s *ReservationStore) Get(_ context.Context, key domain.ReservationKey) (domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[s.key(key)]
	if !ok {
		return domain.Reservation{}, notFound(s.op("get"), "reservation %s not found", key.ID)
	}
	return record.Clone(), nil
}

// Save applies the same version check as the Firestore repository.
func (s *ReservationStore) Save(_ context.Context, reservation domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	if strings.TrimSpace(reservation.ID) == "" {
		return domain.Reservation{}, fmt.Errorf("%s: reservation id is required", s.op("save"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.key(reservation.Key())
	stored, ok := s.records[id]
	switch {
	case !ok && expectedVersion != 0:
		return domain.Reservation{}, notFound(s.op("save"), "reservation %s missing, expected version %d", reservation.ID, expectedVersion)
	case ok && stored.Version != expectedVersion:
		return domain.Reservation{}, conflict(s.op("save"), "reservation %s version %d, expected %d", reservation.ID, stored.Version, expectedVersion)
	}
	saved := reservation.Clone()
	for i := range saved.Services {
		if strings.TrimSpace(saved.Services[i].Mechanic) == "" {
			saved.Services[i].Mechanic = domain.UnassignedMechanic
		}
	}
	s.records[id] = saved
	return saved.Clone(), nil
}

// ListByCustomer returns the customer's reservations, newest requested date first.
func (s *ReservationStore) ListByCustomer(_ context.Context, customerID string) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Reservation
	for _, record := range s.records {
		if record.CustomerID == customerID {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedDate.Equal(out[j].RequestedDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedDate.After(out[j].RequestedDate)
	})
	return out, nil
}

// Seed stores reservation unconditionally. Intended for fixtures.
func (s *ReservationStore) Seed(reservation domain.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.key(reservation.Key())] = reservation.Clone()
}

func (s *ReservationStore) op(action string) string {
	return "memory.reservations." + string(s.location) + "." + action
}

// ReconciliationRepository keeps tickets in a map.
type ReconciliationRepository struct {
	mu      sync.Mutex
	tickets map[string]domain.ReconciliationTicket
}

var _ repositories.ReconciliationRepository = (*ReconciliationRepository)(nil)

// NewReconciliationRepository constructs an empty ticket repository.
func NewReconciliationRepository() *ReconciliationRepository {
	return &ReconciliationRepository{tickets: make(map[string]domain.ReconciliationTicket)}
}

func (r *ReconciliationRepository) Upsert(_ context.Context, ticket domain.ReconciliationTicket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets[ticket.ReservationID] = ticket
	return nil
}

func (r *ReconciliationRepository) Get(_ context.Context, reservationID string) (domain.ReconciliationTicket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticket, ok := r.tickets[reservationID]
	if !ok {
		return domain.ReconciliationTicket{}, notFound("memory.reconciliations.get", "ticket %s not found", reservationID)
	}
	return ticket, nil
}

func (r *ReconciliationRepository) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ReconciliationTicket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.ReconciliationTicket
	for _, ticket := range r.tickets {
		if !ticket.NextAttemptAt.After(now) {
			due = append(due, ticket)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *ReconciliationRepository) Delete(_ context.Context, reservationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tickets, reservationID)
	return nil
}

// PendingTransitionRepository keeps pending transitions in a map.
type PendingTransitionRepository struct {
	mu      sync.Mutex
	records map[string]domain.PendingTransition
}

var _ repositories.PendingTransitionRepository = (*PendingTransitionRepository)(nil)

// NewPendingTransitionRepository constructs an empty pending transition repository.
func NewPendingTransitionRepository() *PendingTransitionRepository {
	return &PendingTransitionRepository{records: make(map[string]domain.PendingTransition)}
}

func (r *PendingTransitionRepository) Insert(_ context.Context, pending domain.PendingTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[pending.ID]; ok {
		return conflict("memory.pending.insert", "pending transition %s exists", pending.ID)
	}
	r.records[pending.ID] = pending
	return nil
}

func (r *PendingTransitionRepository) Take(_ context.Context, id string) (domain.PendingTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.records[id]
	if !ok {
		return domain.PendingTransition{}, notFound("memory.pending.take", "pending transition %s not found", id)
	}
	delete(r.records, id)
	return pending, nil
}

func (r *PendingTransitionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return notFound("memory.pending.delete", "pending transition %s not found", id)
	}
	delete(r.records, id)
	return nil
}

func (r *PendingTransitionRepository) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	removed := 0
	for id, pending := range r.records {
		if removed >= limit {
			break
		}
		if !pending.Expired(now) {
			continue
		}
		delete(r.records, id)
		removed++
	}
	return removed, nil
}

// Registry bundles the in-memory repositories.
type Registry struct {
	Global     *ReservationStore
	Customer   *ReservationStore
	Tickets    *ReconciliationRepository
	Pending    *PendingTransitionRepository
	healthRepo repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs an in-memory registry with empty stores.
func NewRegistry() *Registry {
	health, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, nil)
	return &Registry{
		Global:     NewReservationStore(domain.LocationGlobal),
		Customer:   NewReservationStore(domain.LocationCustomer),
		Tickets:    NewReconciliationRepository(),
		Pending:    NewPendingTransitionRepository(),
		healthRepo: health,
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) GlobalReservations() repositories.ReservationStore { return r.Global }

func (r *Registry) CustomerReservations() repositories.CustomerReservationStore { return r.Customer }

func (r *Registry) Reconciliations() repositories.ReconciliationRepository { return r.Tickets }

func (r *Registry) PendingTransitions() repositories.PendingTransitionRepository { return r.Pending }

func (r *Registry) Health() repositories.HealthRepository { return r.healthRepo }

// SeedReservation stores reservation at both locations.
func (r *Registry) SeedReservation(reservation domain.Reservation) {
	r.Global.Seed(reservation)
	r.Customer.Seed(reservation)
}
