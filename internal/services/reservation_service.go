package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories"
)

const (
	reservationEventTransitioned = "reservation.transition.committed"
	reservationEventParked       = "reservation.transition.pending"
	reservationEventDenied       = "reservation.authorization.denied"
	reservationEventCommitFailed = "reservation.commit.failed"

	// WarningPartialCommit is reported when only one mirrored copy was written.
	WarningPartialCommit = "partial_commit"
	// WarningNotificationFailed is reported when the status change notification could not be sent.
	WarningNotificationFailed = "notification_failed"

	maxIssueLength              = 2000
	defaultNotifyTimeout        = 5 * time.Second
	defaultAuthorizationTimeout = 30 * time.Second
)

var (
	errNothingChanged = errors.New("reservation: nothing changed")

	errReconcilerUnavailable = errors.New("reservation: reconciler not configured")
)

// ReservationServiceDeps bundles collaborators required to construct the reservation service.
type ReservationServiceDeps struct {
	Global   repositories.ReservationStore
	Customer repositories.CustomerReservationStore
	// Writer defaults to a ConsistencyWriter over Global and Customer flagging into Reconciler.
	Writer     *ConsistencyWriter
	Reconciler *Reconciler
	Pending    repositories.PendingTransitionRepository
	Locker     ReservationLocker
	Bulk       *BulkOrchestrator

	Gate                 AuthorizationGate
	AuthorizationTimeout time.Duration
	PendingTTL           time.Duration

	Notifier      Notifier
	NotifyTimeout time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reservationService struct {
	global        repositories.ReservationStore
	customer      repositories.CustomerReservationStore
	writer        *ConsistencyWriter
	reconciler    *Reconciler
	pending       *pendingStore
	locker        ReservationLocker
	bulk          *BulkOrchestrator
	gate          AuthorizationGate
	authTimeout   time.Duration
	notifier      Notifier
	notifyTimeout time.Duration
	sanitizer     *bluemonday.Policy
	clock         func() time.Time
	metrics       reservationMetrics
	logger        func(context.Context, string, map[string]any)
}

// NewReservationService wires dependencies into a concrete ReservationService implementation.
func NewReservationService(deps ReservationServiceDeps) (ReservationService, error) {
	if deps.Global == nil {
		return nil, errors.New("reservation service: global reservation store is required")
	}
	if deps.Customer == nil {
		return nil, errors.New("reservation service: customer reservation store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utcClock := func() time.Time {
		return clock().UTC()
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	writer := deps.Writer
	if writer == nil {
		var flagger ReconciliationFlagger
		if deps.Reconciler != nil {
			flagger = deps.Reconciler
		}
		w, err := NewConsistencyWriter(ConsistencyWriterDeps{
			Global:   deps.Global,
			Customer: deps.Customer,
			Flagger:  flagger,
			Meter:    deps.Meter,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		writer = w
	}

	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}

	bulk := deps.Bulk
	if bulk == nil {
		bulk = NewBulkOrchestrator(defaultBulkConcurrency, deps.Meter)
	}

	authTimeout := deps.AuthorizationTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthorizationTimeout
	}
	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	var pending *pendingStore
	if deps.Pending != nil {
		pending = newPendingStore(deps.Pending, deps.PendingTTL, utcClock, idGen)
	}

	return &reservationService{
		global:        deps.Global,
		customer:      deps.Customer,
		writer:        writer,
		reconciler:    deps.Reconciler,
		pending:       pending,
		locker:        locker,
		bulk:          bulk,
		gate:          deps.Gate,
		authTimeout:   authTimeout,
		notifier:      deps.Notifier,
		notifyTimeout: notifyTimeout,
		sanitizer:     bluemonday.StrictPolicy(),
		clock:         utcClock,
		metrics:       newReservationMetrics(deps.Meter),
		logger:        logger,
	}, nil
}

func (s *reservationService) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: reservation id is required", ErrReservationInvalidInput)
	}
	reservation, err := s.global.Get(ctx, domain.ReservationKey{ID: reservationID})
	if err != nil {
		return domain.Reservation{}, mapRepositoryError(err)
	}
	return reservation, nil
}

func (s *reservationService) GetCustomerReservation(ctx context.Context, customerID, reservationID string) (domain.Reservation, error) {
	customerID = strings.TrimSpace(customerID)
	reservationID = strings.TrimSpace(reservationID)
	if customerID == "" || reservationID == "" {
		return domain.Reservation{}, fmt.Errorf("%w: customer id and reservation id are required", ErrReservationInvalidInput)
	}
	reservation, err := s.customer.Get(ctx, domain.ReservationKey{ID: reservationID, CustomerID: customerID})
	if err != nil {
		return domain.Reservation{}, mapRepositoryError(err)
	}
	return reservation, nil
}

func (s *reservationService) ListCustomerReservations(ctx context.Context, customerID string) ([]domain.Reservation, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrReservationInvalidInput)
	}
	reservations, err := s.customer.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	return reservations, nil
}

func (s *reservationService) TransitionReservation(ctx context.Context, cmd ReservationTransitionCommand) (outcome TransitionOutcome, err error) {
	ctx, span := startSpan(ctx, "reservations.transition",
		attribute.String("reservation.id", cmd.ReservationID),
		attribute.String("reservation.target", string(cmd.TargetStatus)),
	)
	defer func() { endSpan(span, err) }()

	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return TransitionOutcome{}, fmt.Errorf("%w: reservation id is required", ErrReservationInvalidInput)
	}
	target := cmd.TargetStatus

	if RequiresAuthorization(target) {
		current, err := s.preflight(ctx, reservationID, cmd.ExpectedVersion, func(current domain.Reservation) error {
			return ValidateReservationTransition(current.Status, target)
		})
		if err != nil {
			return TransitionOutcome{}, err
		}
		pending := domain.PendingTransition{
			ReservationIDs:  []string{reservationID},
			TargetStatus:    target,
			ExpectedVersion: versionRef(cmd.ExpectedVersion, current.Version),
			RequestedBy:     strings.TrimSpace(cmd.ActorID),
		}
		credential := strings.TrimSpace(cmd.Credential)
		if credential == "" {
			return s.park(ctx, current, pending)
		}
		if err := s.authorize(ctx, pending, cmd.ActorID, credential); err != nil {
			return TransitionOutcome{}, err
		}
		return s.applyReservationTransition(ctx, reservationID, target, cmd.ActorID, pending.ExpectedVersion)
	}

	return s.applyReservationTransition(ctx, reservationID, target, cmd.ActorID, cmd.ExpectedVersion)
}

func (s *reservationService) TransitionService(ctx context.Context, cmd ServiceTransitionCommand) (outcome TransitionOutcome, err error) {
	ctx, span := startSpan(ctx, "reservations.service_transition",
		attribute.String("reservation.id", cmd.ReservationID),
		attribute.Int("service.index", cmd.ServiceIndex),
		attribute.String("service.target", string(cmd.TargetStatus)),
	)
	defer func() { endSpan(span, err) }()

	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return TransitionOutcome{}, fmt.Errorf("%w: reservation id is required", ErrReservationInvalidInput)
	}
	index, target := cmd.ServiceIndex, cmd.TargetStatus

	if RequiresAuthorization(target) {
		current, err := s.preflight(ctx, reservationID, cmd.ExpectedVersion, func(current domain.Reservation) error {
			return ValidateServiceTransition(current, index, target)
		})
		if err != nil {
			return TransitionOutcome{}, err
		}
		pending := domain.PendingTransition{
			ReservationIDs:  []string{reservationID},
			TargetStatus:    target,
			ServiceIndex:    &index,
			ExpectedVersion: versionRef(cmd.ExpectedVersion, current.Version),
			RequestedBy:     strings.TrimSpace(cmd.ActorID),
		}
		credential := strings.TrimSpace(cmd.Credential)
		if credential == "" {
			return s.park(ctx, current, pending)
		}
		if err := s.authorize(ctx, pending, cmd.ActorID, credential); err != nil {
			return TransitionOutcome{}, err
		}
		return s.applyServiceTransition(ctx, reservationID, index, target, cmd.ActorID, pending.ExpectedVersion)
	}

	return s.applyServiceTransition(ctx, reservationID, index, target, cmd.ActorID, cmd.ExpectedVersion)
}

func (s *reservationService) AddServices(ctx context.Context, cmd AddServicesCommand) (AddServicesOutcome, error) {
	if len(cmd.Services) == 0 {
		return AddServicesOutcome{}, fmt.Errorf("%w: at least one service is required", ErrReservationInvalidInput)
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = customerID
	}

	var proposal InsertProposal
	result, err := s.mutate(ctx, mutation{
		reservationID: cmd.ReservationID,
		customerID:    customerID,
		actorID:       actor,
		expected:      cmd.ExpectedVersion,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			if customerID != "" && !current.Status.IsTerminal() && !customerEditable(current.Status) {
				return domain.Reservation{}, rejection(ReasonMutationNotPermitted, current.Status, current.Status, "services can only be added before repair starts")
			}
			p, err := ProposeInsert(current, cmd.Services, s.clock())
			if err != nil {
				return domain.Reservation{}, err
			}
			proposal = p
			if len(p.Accepted) == 0 {
				return domain.Reservation{}, errNothingChanged
			}
			return ApplyInsert(current, p), nil
		},
	})
	if err != nil {
		return AddServicesOutcome{}, err
	}
	return AddServicesOutcome{
		TransitionOutcome: s.outcome(result),
		Accepted:          proposal.Accepted,
		Duplicates:        proposal.Duplicates,
		Invalid:           proposal.Invalid,
	}, nil
}

func (s *reservationService) RemoveService(ctx context.Context, cmd RemoveServiceCommand) (TransitionOutcome, error) {
	result, err := s.mutate(ctx, mutation{
		reservationID: cmd.ReservationID,
		actorID:       cmd.ActorID,
		expected:      cmd.ExpectedVersion,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			return RemoveServiceLine(current, cmd.ServiceIndex)
		},
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	return s.outcome(result), nil
}

func (s *reservationService) AssignMechanic(ctx context.Context, cmd AssignMechanicCommand) (TransitionOutcome, error) {
	result, err := s.mutate(ctx, mutation{
		reservationID: cmd.ReservationID,
		actorID:       cmd.ActorID,
		expected:      cmd.ExpectedVersion,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			next, err := AssignMechanic(current, cmd.ServiceIndex, cmd.Mechanic)
			if err != nil {
				return domain.Reservation{}, err
			}
			if next.Services[cmd.ServiceIndex].Mechanic == current.Services[cmd.ServiceIndex].Mechanic {
				return domain.Reservation{}, errNothingChanged
			}
			return next, nil
		},
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	return s.outcome(result), nil
}

func (s *reservationService) UpdateIssue(ctx context.Context, cmd UpdateIssueCommand) (TransitionOutcome, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return TransitionOutcome{}, fmt.Errorf("%w: customer id is required", ErrReservationInvalidInput)
	}
	issue := s.sanitizeIssue(cmd.Issue)
	if utf8.RuneCountInString(issue) > maxIssueLength {
		return TransitionOutcome{}, fmt.Errorf("%w: issue must be at most %d characters", ErrReservationInvalidInput, maxIssueLength)
	}

	result, err := s.mutate(ctx, mutation{
		reservationID: cmd.ReservationID,
		customerID:    customerID,
		actorID:       customerID,
		expected:      cmd.ExpectedVersion,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			if current.Status.IsTerminal() {
				return domain.Reservation{}, rejection(ReasonTerminalState, current.Status, current.Status, "issue cannot be changed")
			}
			if !customerEditable(current.Status) {
				return domain.Reservation{}, rejection(ReasonMutationNotPermitted, current.Status, current.Status, "issue can only be changed before repair starts")
			}
			if current.Issue == issue {
				return domain.Reservation{}, errNothingChanged
			}
			next := current.Clone()
			next.Issue = issue
			return next, nil
		},
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	return s.outcome(result), nil
}

func (s *reservationService) CancelByCustomer(ctx context.Context, cmd CustomerCancelCommand) (TransitionOutcome, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return TransitionOutcome{}, fmt.Errorf("%w: customer id is required", ErrReservationInvalidInput)
	}
	if !cmd.Confirmed {
		return TransitionOutcome{}, fmt.Errorf("%w: cancellation must be confirmed", ErrAuthorizationDenied)
	}

	result, err := s.mutate(ctx, mutation{
		reservationID: cmd.ReservationID,
		customerID:    customerID,
		actorID:       customerID,
		expected:      cmd.ExpectedVersion,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			if current.Status != domain.StatusPending && !current.Status.IsTerminal() {
				return domain.Reservation{}, rejection(ReasonMutationNotPermitted, current.Status, domain.StatusCancelled, "only pending reservations can be cancelled by the customer")
			}
			return RequestReservationTransition(current, domain.StatusCancelled)
		},
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	outcome := s.outcome(result)
	outcome.Warnings = append(outcome.Warnings, s.notifyStatusChange(ctx, result.previous, outcome.Reservation, customerID)...)
	return outcome, nil
}

func (s *reservationService) BulkTransition(ctx context.Context, cmd BulkTransitionCommand) (result BulkResult, err error) {
	ctx, span := startSpan(ctx, "reservations.bulk_transition",
		attribute.Int("bulk.size", len(cmd.ReservationIDs)),
		attribute.String("reservation.target", string(cmd.TargetStatus)),
	)
	defer func() { endSpan(span, err) }()

	ids := dedupeIDs(cmd.ReservationIDs)
	if len(ids) == 0 {
		return BulkResult{}, fmt.Errorf("%w: at least one reservation id is required", ErrReservationInvalidInput)
	}
	target := cmd.TargetStatus
	if !target.Valid() {
		return BulkResult{}, rejection(ReasonUnrecognizedStatus, "", target, "target status is not recognized")
	}

	if RequiresAuthorization(target) {
		pending := domain.PendingTransition{
			ReservationIDs: ids,
			Bulk:           true,
			TargetStatus:   target,
			RequestedBy:    strings.TrimSpace(cmd.ActorID),
		}
		credential := strings.TrimSpace(cmd.Credential)
		if credential == "" {
			return s.parkBulk(ctx, pending)
		}
		if err := s.authorize(ctx, pending, cmd.ActorID, credential); err != nil {
			return BulkResult{}, err
		}
	}

	return s.bulk.ApplyBulk(ctx, ids, target, s.applyUnit(target, cmd.ActorID)), nil
}

func (s *reservationService) AuthorizePending(ctx context.Context, cmd AuthorizePendingCommand) (PendingResolution, error) {
	pending, err := s.pending.consume(ctx, cmd.PendingID)
	if err != nil {
		return PendingResolution{}, err
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = pending.RequestedBy
	}
	if err := s.authorize(ctx, pending, actor, strings.TrimSpace(cmd.Credential)); err != nil {
		return PendingResolution{}, err
	}

	resolution := PendingResolution{Pending: pending}
	switch {
	case pending.Bulk:
		result := s.bulk.ApplyBulk(ctx, pending.ReservationIDs, pending.TargetStatus, s.applyUnit(pending.TargetStatus, actor))
		resolution.Bulk = &result
		return resolution, nil
	case len(pending.ReservationIDs) != 1:
		return PendingResolution{}, fmt.Errorf("%w: pending transition %s has %d targets", ErrReservationInvalidInput, pending.ID, len(pending.ReservationIDs))
	}

	var outcome TransitionOutcome
	if pending.ServiceIndex != nil {
		outcome, err = s.applyServiceTransition(ctx, pending.ReservationIDs[0], *pending.ServiceIndex, pending.TargetStatus, actor, pending.ExpectedVersion)
	} else {
		outcome, err = s.applyReservationTransition(ctx, pending.ReservationIDs[0], pending.TargetStatus, actor, pending.ExpectedVersion)
	}
	if err != nil {
		return PendingResolution{}, err
	}
	resolution.Single = &outcome
	return resolution, nil
}

func (s *reservationService) DiscardPending(ctx context.Context, pendingID string) error {
	return s.pending.discard(ctx, pendingID)
}

func (s *reservationService) CleanupExpiredPending(ctx context.Context, limit int) (int, error) {
	return s.pending.expire(ctx, limit)
}

func (s *reservationService) CheckConsistency(ctx context.Context, reservationID string) (ConsistencyReport, error) {
	if s.reconciler == nil {
		return ConsistencyReport{}, fmt.Errorf("%w: %v", ErrReservationUnavailable, errReconcilerUnavailable)
	}
	return s.reconciler.Check(ctx, domain.ReservationKey{ID: reservationID})
}

func (s *reservationService) Reconcile(ctx context.Context, reservationID string) (ConsistencyReport, error) {
	if s.reconciler == nil {
		return ConsistencyReport{}, fmt.Errorf("%w: %v", ErrReservationUnavailable, errReconcilerUnavailable)
	}
	return s.reconciler.Reconcile(ctx, domain.ReservationKey{ID: reservationID})
}

func (s *reservationService) RunReconciliation(ctx context.Context) (ReconcileSummary, error) {
	if s.reconciler == nil {
		return ReconcileSummary{}, fmt.Errorf("%w: %v", ErrReservationUnavailable, errReconcilerUnavailable)
	}
	return s.reconciler.RunDue(ctx)
}

func (s *reservationService) applyReservationTransition(ctx context.Context, reservationID string, target domain.Status, actor string, expected *int64) (TransitionOutcome, error) {
	result, err := s.mutate(ctx, mutation{
		reservationID: reservationID,
		actorID:       actor,
		expected:      expected,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			return RequestReservationTransition(current, target)
		},
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	outcome := s.outcome(result)
	s.logger(ctx, reservationEventTransitioned, map[string]any{
		"reservationId": reservationID,
		"from":          string(result.previous.Status),
		"to":            string(target),
		"outcome":       string(result.commit.Outcome()),
		"actor":         actor,
	})
	outcome.Warnings = append(outcome.Warnings, s.notifyStatusChange(ctx, result.previous, outcome.Reservation, actor)...)
	return outcome, nil
}

func (s *reservationService) applyServiceTransition(ctx context.Context, reservationID string, index int, target domain.Status, actor string, expected *int64) (TransitionOutcome, error) {
	result, err := s.mutate(ctx, mutation{
		reservationID: reservationID,
		actorID:       actor,
		expected:      expected,
		apply: func(current domain.Reservation) (domain.Reservation, error) {
			next, err := RequestServiceTransition(current, index, target)
			if err != nil {
				return domain.Reservation{}, err
			}
			return next.Reservation, nil
		},
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	return s.outcome(result), nil
}

// applyUnit commits one reservation of a bulk request through the single-item path.
func (s *reservationService) applyUnit(target domain.Status, actor string) BulkUnit {
	return func(ctx context.Context, reservationID string) BulkItemResult {
		outcome, err := s.applyReservationTransition(ctx, reservationID, target, actor, nil)
		if err != nil {
			return bulkItemFromError(err)
		}
		item := BulkItemResult{
			Outcome:     BulkItemCommitted,
			Reservation: &outcome.Reservation,
			Commit:      outcome.Commit,
			Warnings:    outcome.Warnings,
		}
		if outcome.Commit != nil && outcome.Commit.Partial() {
			item.Outcome = BulkItemPartiallyCommitted
		}
		return item
	}
}

// previewUnit validates one reservation of a bulk request without writing.
func (s *reservationService) previewUnit(target domain.Status) BulkUnit {
	return func(ctx context.Context, reservationID string) BulkItemResult {
		current, err := s.GetReservation(ctx, reservationID)
		if err != nil {
			return bulkItemFromError(err)
		}
		if err := ValidateReservationTransition(current.Status, target); err != nil {
			item := bulkItemFromError(err)
			item.Reservation = &current
			return item
		}
		return BulkItemResult{Outcome: BulkItemEligible, Reservation: &current}
	}
}

// parkBulk validates every target and parks the eligible ones behind one pending transition.
func (s *reservationService) parkBulk(ctx context.Context, pending domain.PendingTransition) (BulkResult, error) {
	result := s.bulk.ApplyBulk(ctx, pending.ReservationIDs, pending.TargetStatus, s.previewUnit(pending.TargetStatus))
	if result.Aggregate != BulkAggregatePendingAuthorization {
		return result, nil
	}
	eligible := make([]string, 0, len(result.Order))
	for _, id := range result.Order {
		if result.Items[id].Outcome == BulkItemEligible {
			eligible = append(eligible, id)
		}
	}
	pending.ReservationIDs = eligible
	created, err := s.pending.create(ctx, pending)
	if err != nil {
		return BulkResult{}, err
	}
	result.Pending = &created
	s.logger(ctx, reservationEventParked, map[string]any{
		"pendingId": created.ID,
		"bulk":      true,
		"targets":   len(eligible),
		"status":    string(created.TargetStatus),
	})
	return result, nil
}

func (s *reservationService) park(ctx context.Context, current domain.Reservation, pending domain.PendingTransition) (TransitionOutcome, error) {
	created, err := s.pending.create(ctx, pending)
	if err != nil {
		return TransitionOutcome{}, err
	}
	s.logger(ctx, reservationEventParked, map[string]any{
		"pendingId":     created.ID,
		"reservationId": current.ID,
		"status":        string(created.TargetStatus),
	})
	return TransitionOutcome{
		Reservation: current,
		Pending:     &created,
		Suggestion:  SuggestCompletion(current),
	}, nil
}

func (s *reservationService) authorize(ctx context.Context, pending domain.PendingTransition, actor, credential string) error {
	err := authorizeWithin(ctx, s.gate, AuthorizationRequest{
		Pending:    pending,
		ActorID:    strings.TrimSpace(actor),
		Credential: credential,
	}, s.authTimeout)
	if err != nil {
		s.logger(ctx, reservationEventDenied, map[string]any{
			"pendingId":    pending.ID,
			"reservations": pending.ReservationIDs,
			"status":       string(pending.TargetStatus),
			"actor":        actor,
			"error":        err.Error(),
		})
	}
	return err
}

// preflight loads the current state outside the lock so that an authorization prompt is
// only raised for a transition that is legal right now. The write path validates again.
func (s *reservationService) preflight(ctx context.Context, reservationID string, expected *int64, validate func(domain.Reservation) error) (domain.Reservation, error) {
	current, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if expected != nil && *expected != current.Version {
		return domain.Reservation{}, staleVersion(current, *expected)
	}
	if err := validate(current); err != nil {
		return domain.Reservation{}, err
	}
	return current, nil
}

type mutation struct {
	reservationID string
	customerID    string
	actorID       string
	expected      *int64
	apply         func(current domain.Reservation) (domain.Reservation, error)
}

type mutationResult struct {
	previous domain.Reservation
	// commit is nil when apply reported nothing to change.
	commit *CommitResult
}

// mutate serialises a read-modify-write of one reservation. Both copies must agree before
// the change is applied; the commit is conditioned on the version that was read.
func (s *reservationService) mutate(ctx context.Context, m mutation) (mutationResult, error) {
	reservationID := strings.TrimSpace(m.reservationID)
	if reservationID == "" {
		return mutationResult{}, fmt.Errorf("%w: reservation id is required", ErrReservationInvalidInput)
	}

	unlock, err := s.locker.Lock(ctx, reservationID)
	if err != nil {
		return mutationResult{}, fmt.Errorf("%w: reservation %s is busy: %v", ErrReservationConflict, reservationID, err)
	}
	defer unlock()

	current, err := s.loadForWrite(ctx, reservationID)
	if err != nil {
		return mutationResult{}, err
	}
	if m.customerID != "" && current.CustomerID != m.customerID {
		return mutationResult{}, fmt.Errorf("%w: reservation %s", ErrReservationNotFound, reservationID)
	}
	if m.expected != nil && *m.expected != current.Version {
		return mutationResult{}, staleVersion(current, *m.expected)
	}

	next, err := m.apply(current)
	if errors.Is(err, errNothingChanged) {
		return mutationResult{previous: current}, nil
	}
	if err != nil {
		return mutationResult{}, err
	}
	next.UpdatedAt = s.clock()
	next.UpdatedBy = strings.TrimSpace(m.actorID)

	commit := s.writer.Commit(ctx, current, next)
	if err := commit.Err(); err != nil {
		s.logger(ctx, reservationEventCommitFailed, map[string]any{
			"reservationId": reservationID,
			"globalError":   errString(commit.GlobalErr),
			"customerError": errString(commit.CustomerErr),
		})
		return mutationResult{}, err
	}
	return mutationResult{previous: current, commit: &commit}, nil
}

// loadForWrite returns the global copy once it is known to match the customer copy. A
// divergence left by an earlier partial commit is repaired first, so the change is never
// validated against a stale status. The caller holds the reservation lock.
func (s *reservationService) loadForWrite(ctx context.Context, reservationID string) (domain.Reservation, error) {
	current, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}

	mirror, err := s.customer.Get(ctx, current.Key())
	switch {
	case err == nil:
		if len(compareCopies(&current, &mirror)) == 0 {
			return current, nil
		}
	case repositories.IsNotFound(err):
	default:
		// The customer copy cannot be read, so only a ticket can reveal a divergence.
		if s.reconciler == nil {
			return current, nil
		}
		open, ticketErr := s.reconciler.ticketOpen(ctx, reservationID)
		if ticketErr != nil {
			return domain.Reservation{}, ticketErr
		}
		if !open {
			return current, nil
		}
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s awaits reconciliation: %v", ErrReservationConflict, reservationID, err)
	}

	if s.reconciler == nil {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s copies diverged", ErrReservationConflict, reservationID)
	}
	report, err := s.reconciler.repair(ctx, current.Key())
	if err != nil {
		return domain.Reservation{}, err
	}
	s.logger(ctx, "reservation.reconcile.inline", map[string]any{
		"reservationId": reservationID,
		"source":        string(report.Source),
		"differences":   report.Differences,
	})
	return s.GetReservation(ctx, reservationID)
}

func (s *reservationService) outcome(result mutationResult) TransitionOutcome {
	outcome := TransitionOutcome{Reservation: result.previous}
	if result.commit != nil {
		outcome.Commit = result.commit
		outcome.Reservation = result.commit.Current()
		if result.commit.Partial() {
			outcome.Warnings = append(outcome.Warnings, WarningPartialCommit)
		}
	}
	outcome.Suggestion = SuggestCompletion(outcome.Reservation)
	return outcome
}

// notifyStatusChange sends at most one notification per committed reservation-level status
// change. Failures become warnings.
func (s *reservationService) notifyStatusChange(ctx context.Context, previous, saved domain.Reservation, actor string) []string {
	if s.notifier == nil || previous.Status == saved.Status {
		return nil
	}
	event := newNotificationEvent(previous, saved, strings.TrimSpace(actor), s.clock())

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, event); err != nil {
		s.metrics.add(ctx, s.metrics.notifications, attribute.String("result", "failed"))
		s.logger(ctx, "reservation.notify.failed", map[string]any{
			"reservationId": saved.ID,
			"status":        string(saved.Status),
			"error":         err.Error(),
		})
		return []string{WarningNotificationFailed}
	}
	s.metrics.add(ctx, s.metrics.notifications, attribute.String("result", "sent"))
	return nil
}

// sanitizeIssue strips markup from customer text and keeps it as plain text.
func (s *reservationService) sanitizeIssue(raw string) string {
	cleaned := html.UnescapeString(s.sanitizer.Sanitize(raw))
	return strings.TrimSpace(cleaned)
}

func customerEditable(status domain.Status) bool {
	return status == domain.StatusPending || status == domain.StatusConfirmed
}

func staleVersion(current domain.Reservation, expected int64) error {
	return fmt.Errorf("%w: reservation %s is at version %d, expected %d", ErrReservationConflict, current.ID, current.Version, expected)
}

func versionRef(expected *int64, current int64) *int64 {
	if expected != nil {
		v := *expected
		return &v
	}
	return &current
}
