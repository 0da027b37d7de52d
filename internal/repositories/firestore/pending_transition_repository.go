package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/torquebay/api/internal/domain"
	pfirestore "github.com/torquebay/api/internal/platform/firestore"
	"github.com/torquebay/api/internal/repositories"
)

const pendingTransitionCollection = "pendingTransitions"

// PendingTransitionRepository parks irreversible transitions in Firestore so any
// instance can consume the authorization.
type PendingTransitionRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.PendingTransitionRepository = (*PendingTransitionRepository)(nil)

// NewPendingTransitionRepository constructs a Firestore-backed pending transition repository.
func NewPendingTransitionRepository(provider *pfirestore.Provider) (*PendingTransitionRepository, error) {
	if provider == nil {
		return nil, errors.New("pending transition repository requires firestore provider")
	}
	return &PendingTransitionRepository{provider: provider}, nil
}

type pendingTransitionDocument struct {
	ReservationIDs  []string  `firestore:"reservationIds"`
	Bulk            bool      `firestore:"bulk"`
	TargetStatus    string    `firestore:"targetStatus"`
	ServiceIndex    *int      `firestore:"serviceIndex"`
	ExpectedVersion *int64    `firestore:"expectedVersion"`
	RequestedBy     string    `firestore:"requestedBy"`
	CreatedAt       time.Time `firestore:"createdAt"`
	ExpiresAt       time.Time `firestore:"expiresAt"`
}

// Insert stores a new pending transition. Ids must be unique.
func (r *PendingTransitionRepository) Insert(ctx context.Context, pending domain.PendingTransition) error {
	ref, err := r.document(ctx, pending.ID)
	if err != nil {
		return err
	}
	doc := pendingTransitionDocument{
		ReservationIDs:  append([]string(nil), pending.ReservationIDs...),
		Bulk:            pending.Bulk,
		TargetStatus:    string(pending.TargetStatus),
		ServiceIndex:    pending.ServiceIndex,
		ExpectedVersion: pending.ExpectedVersion,
		RequestedBy:     pending.RequestedBy,
		CreatedAt:       pending.CreatedAt.UTC(),
		ExpiresAt:       pending.ExpiresAt.UTC(),
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("pending_transitions.insert", err)
	}
	return nil
}

// Take reads and deletes the pending transition in one transaction.
func (r *PendingTransitionRepository) Take(ctx context.Context, id string) (domain.PendingTransition, error) {
	ref, err := r.document(ctx, id)
	if err != nil {
		return domain.PendingTransition{}, err
	}

	var taken domain.PendingTransition
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc pendingTransitionDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode pending transition %s: %w", ref.ID, err)
		}
		taken = domain.PendingTransition{
			ID:              ref.ID,
			ReservationIDs:  doc.ReservationIDs,
			Bulk:            doc.Bulk,
			TargetStatus:    domain.Status(doc.TargetStatus),
			ServiceIndex:    doc.ServiceIndex,
			ExpectedVersion: doc.ExpectedVersion,
			RequestedBy:     doc.RequestedBy,
			CreatedAt:       doc.CreatedAt.UTC(),
			ExpiresAt:       doc.ExpiresAt.UTC(),
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return domain.PendingTransition{}, pfirestore.WrapError("pending_transitions.take", err)
	}
	return taken, nil
}

// Delete discards a pending transition. A missing document is reported as not found.
func (r *PendingTransitionRepository) Delete(ctx context.Context, id string) error {
	ref, err := r.document(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		return pfirestore.WrapError("pending_transitions.delete", err)
	}
	return nil
}

// DeleteExpired removes pending transitions that expired at or before now.
func (r *PendingTransitionRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	docs, err := client.Collection(pendingTransitionCollection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("pending_transitions.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("pending_transitions.cleanup", err)
	}
	return len(docs), nil
}

func (r *PendingTransitionRepository) document(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("pending transition repository: id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(pendingTransitionCollection).Doc(id), nil
}
