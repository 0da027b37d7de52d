package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/torquebay/api/internal/domain"
)

const defaultBulkConcurrency = 8

// BulkItemOutcome classifies what happened to one reservation in a bulk request.
type BulkItemOutcome string

const (
	BulkItemCommitted          BulkItemOutcome = "committed"
	BulkItemPartiallyCommitted BulkItemOutcome = "partially_committed"
	// BulkItemEligible marks an item that passed validation and awaits authorization.
	BulkItemEligible         BulkItemOutcome = "eligible"
	BulkItemAlreadySatisfied BulkItemOutcome = "already_satisfied"
	BulkItemRejected         BulkItemOutcome = "rejected"
	BulkItemNotFound         BulkItemOutcome = "not_found"
	BulkItemFailed           BulkItemOutcome = "failed"
)

// BulkAggregate summarises a bulk request as a whole.
type BulkAggregate string

const (
	// BulkAggregateApplied means every item was written.
	BulkAggregateApplied BulkAggregate = "applied"
	// BulkAggregatePartial means some items were written and others were not.
	BulkAggregatePartial BulkAggregate = "partial"
	// BulkAggregateNoop means every item already held the requested status.
	BulkAggregateNoop BulkAggregate = "noop_all_satisfied"
	// BulkAggregateAllBlocked means nothing was written and not every item was satisfied.
	BulkAggregateAllBlocked BulkAggregate = "all_blocked"
	// BulkAggregatePendingAuthorization means eligible items await a human decision.
	BulkAggregatePendingAuthorization BulkAggregate = "pending_authorization"
)

// BulkItemResult is the independent outcome of one reservation.
type BulkItemResult struct {
	ReservationID string
	Outcome       BulkItemOutcome
	Reason        RejectionReason
	Error         string
	Reservation   *domain.Reservation
	Commit        *CommitResult
	Warnings      []string
}

// BulkResult reports each reservation of a bulk request in request order.
type BulkResult struct {
	TargetStatus domain.Status
	Items        map[string]BulkItemResult
	Order        []string
	Aggregate    BulkAggregate
	Pending      *domain.PendingTransition
}

// Count returns how many items ended with outcome.
func (r BulkResult) Count(outcome BulkItemOutcome) int {
	n := 0
	for _, item := range r.Items {
		if item.Outcome == outcome {
			n++
		}
	}
	return n
}

// Ordered returns the items in request order.
func (r BulkResult) Ordered() []BulkItemResult {
	out := make([]BulkItemResult, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Items[id])
	}
	return out
}

// BulkUnit processes one reservation. It must report failures through the result rather
// than panicking; other units keep running regardless.
type BulkUnit func(ctx context.Context, reservationID string) BulkItemResult

// BulkOrchestrator runs independent per-reservation units with bounded concurrency.
type BulkOrchestrator struct {
	concurrency int
	metrics     reservationMetrics
}

// NewBulkOrchestrator constructs an orchestrator. Non-positive concurrency uses the default.
func NewBulkOrchestrator(concurrency int, meter metric.Meter) *BulkOrchestrator {
	if concurrency <= 0 {
		concurrency = defaultBulkConcurrency
	}
	return &BulkOrchestrator{concurrency: concurrency, metrics: newReservationMetrics(meter)}
}

// ApplyBulk runs unit once per distinct id. A failing unit never cancels the others.
func (o *BulkOrchestrator) ApplyBulk(ctx context.Context, ids []string, target domain.Status, unit BulkUnit) BulkResult {
	order := dedupeIDs(ids)
	results := make([]BulkItemResult, len(order))

	var group errgroup.Group
	group.SetLimit(o.concurrency)
	for i, id := range order {
		group.Go(func() error {
			item := unit(ctx, id)
			item.ReservationID = id
			results[i] = item
			return nil
		})
	}
	_ = group.Wait()

	result := BulkResult{
		TargetStatus: target,
		Items:        make(map[string]BulkItemResult, len(order)),
		Order:        order,
	}
	for _, item := range results {
		result.Items[item.ReservationID] = item
		o.metrics.add(ctx, o.metrics.bulkItems,
			attribute.String("outcome", string(item.Outcome)),
			attribute.String("target", string(target)),
		)
	}
	result.Aggregate = aggregateBulk(results)
	return result
}

func aggregateBulk(items []BulkItemResult) BulkAggregate {
	if len(items) == 0 {
		return BulkAggregateAllBlocked
	}
	var written, satisfied, eligible int
	for _, item := range items {
		switch item.Outcome {
		case BulkItemCommitted, BulkItemPartiallyCommitted:
			written++
		case BulkItemAlreadySatisfied:
			satisfied++
		case BulkItemEligible:
			eligible++
		}
	}
	switch {
	case satisfied == len(items):
		return BulkAggregateNoop
	case written == len(items):
		return BulkAggregateApplied
	case written > 0:
		return BulkAggregatePartial
	case eligible > 0:
		return BulkAggregatePendingAuthorization
	default:
		return BulkAggregateAllBlocked
	}
}

// bulkItemFromError classifies a unit failure.
func bulkItemFromError(err error) BulkItemResult {
	item := BulkItemResult{Error: err.Error()}
	var rejected *TransitionError
	if errors.As(err, &rejected) {
		item.Reason = rejected.Reason
		item.Outcome = BulkItemRejected
		// A terminal reservation already at the target still satisfies the request.
		if rejected.Reason == ReasonAlreadyInStatus || (rejected.From != "" && rejected.From == rejected.To) {
			item.Reason = ReasonAlreadyInStatus
			item.Outcome = BulkItemAlreadySatisfied
		}
		return item
	}
	switch {
	case errors.Is(err, ErrReservationNotFound):
		item.Outcome = BulkItemNotFound
	default:
		item.Outcome = BulkItemFailed
	}
	return item
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
