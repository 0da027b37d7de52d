package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories"
)

const defaultReconcileBatch = 50

// ConsistencyReport compares the two mirrored copies of a reservation.
type ConsistencyReport struct {
	ReservationID string
	CustomerID    string
	Global        *domain.Reservation
	Customer      *domain.Reservation
	Diverged      bool
	Differences   []string
	// Source is the copy treated as authoritative when the copies diverged. It is empty
	// when Ambiguous is set.
	Source domain.RecordLocation
	// Ambiguous marks copies that carry the same version but different content. Neither
	// can be preferred, so they are left for an operator.
	Ambiguous bool
	Repaired  bool
}

// ReconcileSummary aggregates a batch run.
type ReconcileSummary struct {
	Processed int
	Repaired  int
	Clean     int
	Failed    int
	// Review counts tickets whose copies need an operator.
	Review int
}

// ReconcilerDeps bundles collaborators for the reconciler.
type ReconcilerDeps struct {
	Global   repositories.ReservationStore
	Customer repositories.ReservationStore
	Tickets  repositories.ReconciliationRepository
	// Locker, when set, keeps repairs from interleaving with mutations of the same reservation.
	Locker ReservationLocker
	Clock  func() time.Time
	// Backoff paces retries of tickets that failed to repair.
	Backoff   gax.Backoff
	BatchSize int
	Meter     metric.Meter
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Reconciler repairs reservations whose mirrored copies diverged after a partial commit.
type Reconciler struct {
	global   repositories.ReservationStore
	customer repositories.ReservationStore
	tickets  repositories.ReconciliationRepository
	locker   ReservationLocker
	clock    func() time.Time
	backoff  gax.Backoff
	batch    int
	metrics  reservationMetrics
	logger   func(context.Context, string, map[string]any)
}

var _ ReconciliationFlagger = (*Reconciler)(nil)

// NewReconciler validates dependencies and constructs a reconciler.
func NewReconciler(deps ReconcilerDeps) (*Reconciler, error) {
	if deps.Global == nil || deps.Customer == nil {
		return nil, errors.New("reconciler: both reservation stores are required")
	}
	if deps.Tickets == nil {
		return nil, errors.New("reconciler: ticket repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	backoff := deps.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = 30 * time.Second
	}
	if backoff.Max <= 0 {
		backoff.Max = time.Hour
	}
	if backoff.Multiplier <= 1 {
		backoff.Multiplier = 2
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Reconciler{
		global:   deps.Global,
		customer: deps.Customer,
		tickets:  deps.Tickets,
		locker:   deps.Locker,
		clock:    func() time.Time { return clock().UTC() },
		backoff:  backoff,
		batch:    batch,
		metrics:  newReservationMetrics(deps.Meter),
		logger:   logger,
	}, nil
}

// Flag records or refreshes the ticket for a partially committed reservation. The ticket
// is due immediately.
func (r *Reconciler) Flag(ctx context.Context, saved domain.Reservation, stale domain.RecordLocation, cause error) error {
	now := r.clock()
	ticket, err := r.tickets.Get(ctx, saved.ID)
	switch {
	case err == nil:
	case repositories.IsNotFound(err):
		ticket = domain.ReconciliationTicket{ReservationID: saved.ID, CreatedAt: now}
	default:
		return err
	}
	ticket.CustomerID = saved.CustomerID
	ticket.StaleLocation = stale
	ticket.LastError = errString(cause)
	ticket.UpdatedAt = now
	ticket.NextAttemptAt = now
	return r.tickets.Upsert(ctx, ticket)
}

func (r *Reconciler) ticketOpen(ctx context.Context, reservationID string) (bool, error) {
	_, err := r.tickets.Get(ctx, reservationID)
	switch {
	case err == nil:
		return true, nil
	case repositories.IsNotFound(err):
		return false, nil
	default:
		return false, mapRepositoryError(err)
	}
}

// Check loads both copies and reports how they differ.
func (r *Reconciler) Check(ctx context.Context, key domain.ReservationKey) (ConsistencyReport, error) {
	key.ID = strings.TrimSpace(key.ID)
	if key.ID == "" {
		return ConsistencyReport{}, fmt.Errorf("%w: reservation id is required", ErrReservationInvalidInput)
	}
	report := ConsistencyReport{ReservationID: key.ID}

	global, err := r.global.Get(ctx, key)
	switch {
	case err == nil:
		report.Global = &global
		if key.CustomerID == "" {
			key.CustomerID = global.CustomerID
		}
	case repositories.IsNotFound(err):
	default:
		return ConsistencyReport{}, mapRepositoryError(err)
	}

	if key.CustomerID == "" {
		return ConsistencyReport{}, fmt.Errorf("%w: reservation %s", ErrReservationNotFound, key.ID)
	}
	report.CustomerID = key.CustomerID

	customer, err := r.customer.Get(ctx, key)
	switch {
	case err == nil:
		report.Customer = &customer
	case repositories.IsNotFound(err):
	default:
		return ConsistencyReport{}, mapRepositoryError(err)
	}

	if report.Global == nil && report.Customer == nil {
		return ConsistencyReport{}, fmt.Errorf("%w: reservation %s", ErrReservationNotFound, key.ID)
	}

	report.Differences = compareCopies(report.Global, report.Customer)
	report.Diverged = len(report.Differences) > 0
	if report.Diverged {
		report.Source, report.Ambiguous = chooseSource(report.Global, report.Customer)
	}
	return report, nil
}

// Reconcile repairs one reservation by copying the authoritative copy over the stale one
// and closes its ticket.
func (r *Reconciler) Reconcile(ctx context.Context, key domain.ReservationKey) (report ConsistencyReport, err error) {
	ctx, span := startSpan(ctx, "reservations.reconcile", attribute.String("reservation.id", key.ID))
	defer func() {
		result := "clean"
		switch {
		case errors.Is(err, ErrReconcileNeedsReview):
			result = "needs_review"
		case err != nil:
			result = "failed"
		case report.Repaired:
			result = "repaired"
		}
		r.metrics.add(ctx, r.metrics.reconciles, attribute.String("result", result))
		endSpan(span, err)
	}()

	if r.locker != nil && strings.TrimSpace(key.ID) != "" {
		unlock, lockErr := r.locker.Lock(ctx, strings.TrimSpace(key.ID))
		if lockErr != nil {
			err = fmt.Errorf("%w: reservation %s is busy: %v", ErrReservationConflict, key.ID, lockErr)
			return ConsistencyReport{}, err
		}
		defer unlock()
	}

	return r.repair(ctx, key)
}

// repair brings the stale copy in line with the authoritative one. The caller holds the
// reservation lock.
func (r *Reconciler) repair(ctx context.Context, key domain.ReservationKey) (ConsistencyReport, error) {
	report, err := r.Check(ctx, key)
	if err != nil {
		return ConsistencyReport{}, err
	}

	if report.Ambiguous {
		r.logger(ctx, "reservation.reconcile.needs_review", map[string]any{
			"reservationId": report.ReservationID,
			"differences":   report.Differences,
		})
		return report, fmt.Errorf("%w: reservation %s copies differ at version %d", ErrReconcileNeedsReview, report.ReservationID, report.Global.Version)
	}

	if report.Diverged {
		source, target, stale := report.Global, report.Customer, r.customer
		if report.Source == domain.LocationCustomer {
			source, target, stale = report.Customer, report.Global, r.global
		}
		var expected int64
		if target != nil {
			expected = target.Version
		}
		if _, err := stale.Save(ctx, *source, expected); err != nil {
			return report, mapRepositoryError(err)
		}
		report.Repaired = true
		r.logger(ctx, "reservation.reconcile.repaired", map[string]any{
			"reservationId": report.ReservationID,
			"source":        string(report.Source),
			"differences":   report.Differences,
		})
	}

	if err := r.tickets.Delete(ctx, report.ReservationID); err != nil && !repositories.IsNotFound(err) {
		r.logger(ctx, "reservation.reconcile.ticket_delete_failed", map[string]any{
			"reservationId": report.ReservationID,
			"error":         err.Error(),
		})
	}
	return report, nil
}

// RunDue processes tickets whose retry time has arrived. Failed tickets are rescheduled
// with exponential backoff.
func (r *Reconciler) RunDue(ctx context.Context) (ReconcileSummary, error) {
	now := r.clock()
	tickets, err := r.tickets.ListDue(ctx, now, r.batch)
	if err != nil {
		return ReconcileSummary{}, err
	}

	var summary ReconcileSummary
	for _, ticket := range tickets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++
		report, err := r.Reconcile(ctx, domain.ReservationKey{ID: ticket.ReservationID, CustomerID: ticket.CustomerID})
		if err == nil {
			if report.Repaired {
				summary.Repaired++
			} else {
				summary.Clean++
			}
			continue
		}

		summary.Failed++
		if errors.Is(err, ErrReconcileNeedsReview) {
			summary.Review++
		}
		if errors.Is(err, ErrReservationNotFound) {
			_ = r.tickets.Delete(ctx, ticket.ReservationID)
			continue
		}
		ticket.Attempts++
		ticket.LastError = err.Error()
		ticket.UpdatedAt = now
		ticket.NextAttemptAt = now.Add(r.retryDelay(ticket.Attempts))
		if upsertErr := r.tickets.Upsert(ctx, ticket); upsertErr != nil {
			r.logger(ctx, "reservation.reconcile.reschedule_failed", map[string]any{
				"reservationId": ticket.ReservationID,
				"error":         upsertErr.Error(),
			})
		}
	}
	return summary, nil
}

func (r *Reconciler) retryDelay(attempts int) time.Duration {
	bo := gax.Backoff{Initial: r.backoff.Initial, Max: r.backoff.Max, Multiplier: r.backoff.Multiplier}
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = bo.Pause()
	}
	if delay <= 0 {
		delay = r.backoff.Initial
	}
	return delay
}

func compareCopies(global, customer *domain.Reservation) []string {
	switch {
	case global == nil:
		return []string{"missing_global"}
	case customer == nil:
		return []string{"missing_customer"}
	}
	var diffs []string
	if global.Version != customer.Version {
		diffs = append(diffs, "version")
	}
	if global.Status != customer.Status {
		diffs = append(diffs, "status")
	}
	if !reflect.DeepEqual(normalizeLines(global.Services), normalizeLines(customer.Services)) {
		diffs = append(diffs, "services")
	}
	if global.Issue != customer.Issue {
		diffs = append(diffs, "issue")
	}
	if global.Vehicle != customer.Vehicle || !global.RequestedDate.Equal(customer.RequestedDate) {
		diffs = append(diffs, "details")
	}
	return diffs
}

func normalizeLines(lines []domain.ServiceLine) []domain.ServiceLine {
	out := make([]domain.ServiceLine, len(lines))
	for i, line := range lines {
		line.Created = line.Created.UTC()
		out[i] = line
	}
	return out
}

// chooseSource picks the copy with the higher version. Equal versions with different
// content are ambiguous.
func chooseSource(global, customer *domain.Reservation) (domain.RecordLocation, bool) {
	switch {
	case global == nil:
		return domain.LocationCustomer, false
	case customer == nil:
		return domain.LocationGlobal, false
	case customer.Version > global.Version:
		return domain.LocationCustomer, false
	case global.Version > customer.Version:
		return domain.LocationGlobal, false
	default:
		return "", true
	}
}
