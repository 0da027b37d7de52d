package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/torquebay/api/internal/domain"
	"github.com/torquebay/api/internal/repositories"
)

const (
	pendingIDPrefix       = "pnd_"
	defaultPendingTTL     = 10 * time.Minute
	defaultCleanupBatch   = 100
	errPendingExpiredText = "pending transition expired"
)

// pendingStore parks irreversible transitions until a human authorizes or discards them.
type pendingStore struct {
	repo  repositories.PendingTransitionRepository
	ttl   time.Duration
	clock func() time.Time
	newID func() string
}

func newPendingStore(repo repositories.PendingTransitionRepository, ttl time.Duration, clock func() time.Time, newID func() string) *pendingStore {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &pendingStore{repo: repo, ttl: ttl, clock: clock, newID: newID}
}

func (p *pendingStore) create(ctx context.Context, pending domain.PendingTransition) (domain.PendingTransition, error) {
	if p == nil || p.repo == nil {
		return domain.PendingTransition{}, fmt.Errorf("%w: pending transition storage not configured", ErrReservationUnavailable)
	}
	now := p.clock()
	pending.ID = pendingIDPrefix + p.newID()
	pending.CreatedAt = now
	pending.ExpiresAt = now.Add(p.ttl)
	if err := p.repo.Insert(ctx, pending); err != nil {
		return domain.PendingTransition{}, mapRepositoryError(err)
	}
	return pending, nil
}

// consume removes the pending transition and returns it. A second consume of the same id
// fails with ErrPendingTransitionNotFound; an expired one is removed and denied.
func (p *pendingStore) consume(ctx context.Context, id string) (domain.PendingTransition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PendingTransition{}, fmt.Errorf("%w: pending transition id is required", ErrReservationInvalidInput)
	}
	if p == nil || p.repo == nil {
		return domain.PendingTransition{}, fmt.Errorf("%w: %s", ErrPendingTransitionNotFound, id)
	}
	pending, err := p.repo.Take(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.PendingTransition{}, fmt.Errorf("%w: %s", ErrPendingTransitionNotFound, id)
		}
		return domain.PendingTransition{}, mapRepositoryError(err)
	}
	if pending.Expired(p.clock()) {
		return domain.PendingTransition{}, fmt.Errorf("%w: %s", ErrAuthorizationDenied, errPendingExpiredText)
	}
	return pending, nil
}

func (p *pendingStore) discard(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: pending transition id is required", ErrReservationInvalidInput)
	}
	if p == nil || p.repo == nil {
		return fmt.Errorf("%w: %s", ErrPendingTransitionNotFound, id)
	}
	if err := p.repo.Delete(ctx, id); err != nil {
		if repositories.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrPendingTransitionNotFound, id)
		}
		return mapRepositoryError(err)
	}
	return nil
}

func (p *pendingStore) expire(ctx context.Context, limit int) (int, error) {
	if p == nil || p.repo == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultCleanupBatch
	}
	removed, err := p.repo.DeleteExpired(ctx, p.clock(), limit)
	if err != nil {
		return removed, mapRepositoryError(err)
	}
	return removed, nil
}
