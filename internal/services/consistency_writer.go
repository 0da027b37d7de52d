package services

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories"
)

// CommitOutcome summarises the two mirrored writes of a commit.
type CommitOutcome string

const (
	CommitOutcomeFull         CommitOutcome = "full"
	CommitOutcomeGlobalOnly   CommitOutcome = "global_only"
	CommitOutcomeCustomerOnly CommitOutcome = "customer_only"
	CommitOutcomeFailed       CommitOutcome = "failed"
)

// CommitResult reports each mirrored write independently. Nothing is rolled back; a
// partial result is handed to the reconciler instead.
type CommitResult struct {
	GlobalWriteOK   bool
	CustomerWriteOK bool
	GlobalErr       error
	CustomerErr     error
	// Previous is the state the commit started from.
	Previous domain.Reservation
	// Saved is the state that was written, with its version bumped.
	Saved domain.Reservation
}

// Outcome classifies the pair of write results.
func (r CommitResult) Outcome() CommitOutcome {
	switch {
	case r.GlobalWriteOK && r.CustomerWriteOK:
		return CommitOutcomeFull
	case r.GlobalWriteOK:
		return CommitOutcomeGlobalOnly
	case r.CustomerWriteOK:
		return CommitOutcomeCustomerOnly
	default:
		return CommitOutcomeFailed
	}
}

// Committed reports whether at least one copy now holds the new state.
func (r CommitResult) Committed() bool { return r.GlobalWriteOK || r.CustomerWriteOK }

// Partial reports whether exactly one copy was written.
func (r CommitResult) Partial() bool { return r.GlobalWriteOK != r.CustomerWriteOK }

// Conflict reports whether any write was refused because the stored version moved on.
func (r CommitResult) Conflict() bool {
	return repositories.IsConflict(r.GlobalErr) || repositories.IsConflict(r.CustomerErr)
}

// Current returns the state callers should display: the saved state when any write
// landed, otherwise the state before the attempt.
func (r CommitResult) Current() domain.Reservation {
	if r.Committed() {
		return r.Saved
	}
	return r.Previous
}

// Err folds a failed commit into a single error. Full and partial commits return nil.
func (r CommitResult) Err() error {
	if r.Committed() {
		return nil
	}
	joined := errors.Join(r.GlobalErr, r.CustomerErr)
	switch {
	case r.Conflict():
		return fmt.Errorf("%w: %v", ErrReservationConflict, joined)
	case repositories.IsNotFound(r.GlobalErr) && repositories.IsNotFound(r.CustomerErr):
		return fmt.Errorf("%w: %v", ErrReservationNotFound, joined)
	default:
		return fmt.Errorf("%w: %v", ErrReservationUnavailable, joined)
	}
}

// ReconciliationFlagger records a partially committed reservation for later repair.
type ReconciliationFlagger interface {
	Flag(ctx context.Context, saved domain.Reservation, stale domain.RecordLocation, cause error) error
}

// ConsistencyWriterDeps bundles collaborators for the writer.
type ConsistencyWriterDeps struct {
	Global   repositories.ReservationStore
	Customer repositories.ReservationStore
	Flagger  ReconciliationFlagger
	Meter    metric.Meter
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// ConsistencyWriter writes the global and customer copies of a reservation concurrently.
type ConsistencyWriter struct {
	global   repositories.ReservationStore
	customer repositories.ReservationStore
	flagger  ReconciliationFlagger
	metrics  reservationMetrics
	logger   func(context.Context, string, map[string]any)
}

// NewConsistencyWriter validates dependencies and constructs a writer.
func NewConsistencyWriter(deps ConsistencyWriterDeps) (*ConsistencyWriter, error) {
	if deps.Global == nil {
		return nil, errors.New("consistency writer: global store is required")
	}
	if deps.Customer == nil {
		return nil, errors.New("consistency writer: customer store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &ConsistencyWriter{
		global:   deps.Global,
		customer: deps.Customer,
		flagger:  deps.Flagger,
		metrics:  newReservationMetrics(deps.Meter),
		logger:   logger,
	}, nil
}

// Commit writes next to both locations using previous.Version as the expected stored
// version. Both writes run to completion regardless of the other's result.
func (w *ConsistencyWriter) Commit(ctx context.Context, previous, next domain.Reservation) CommitResult {
	ctx, span := startSpan(ctx, "reservations.commit",
		attribute.String("reservation.id", previous.ID),
		attribute.Int64("reservation.version", previous.Version),
	)

	next = next.Clone()
	next.ID = previous.ID
	next.CustomerID = previous.CustomerID
	next.Version = previous.Version + 1

	result := CommitResult{Previous: previous, Saved: next}

	var group errgroup.Group
	group.Go(func() error {
		saved, err := w.global.Save(ctx, next, previous.Version)
		if err != nil {
			result.GlobalErr = err
			return nil
		}
		result.GlobalWriteOK = true
		result.Saved = saved
		return nil
	})
	var customerSaved domain.Reservation
	group.Go(func() error {
		saved, err := w.customer.Save(ctx, next, previous.Version)
		if err != nil {
			result.CustomerErr = err
			return nil
		}
		result.CustomerWriteOK = true
		customerSaved = saved
		return nil
	})
	_ = group.Wait()

	if !result.GlobalWriteOK && result.CustomerWriteOK {
		result.Saved = customerSaved
	}

	outcome := result.Outcome()
	span.SetAttributes(attribute.String("commit.outcome", string(outcome)))
	w.metrics.add(ctx, w.metrics.commits, attribute.String("outcome", string(outcome)))

	if result.Partial() {
		stale, cause := domain.LocationCustomer, result.CustomerErr
		if !result.GlobalWriteOK {
			stale, cause = domain.LocationGlobal, result.GlobalErr
		}
		w.logger(ctx, "reservation.commit.partial", map[string]any{
			"reservationId": previous.ID,
			"outcome":       string(outcome),
			"stale":         string(stale),
			"error":         errString(cause),
		})
		if w.flagger != nil {
			if err := w.flagger.Flag(ctx, result.Saved, stale, cause); err != nil {
				w.logger(ctx, "reservation.reconcile.flag_failed", map[string]any{
					"reservationId": previous.ID,
					"error":         err.Error(),
				})
			}
		}
	}

	endSpan(span, result.Err())
	return result
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
