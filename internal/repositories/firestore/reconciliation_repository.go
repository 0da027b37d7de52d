package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/torquebay/api/internal/domain"
	pfirestore "github.com/torquebay/api/internal/platform/firestore"
	"github.com/torquebay/api/internal/repositories"
)

const reconciliationCollection = "reconciliations"

// ReconciliationRepository stores one repair ticket per diverged reservation.
type ReconciliationRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ReconciliationRepository = (*ReconciliationRepository)(nil)

// NewReconciliationRepository constructs a Firestore-backed ticket repository.
func NewReconciliationRepository(provider *pfirestore.Provider) (*ReconciliationRepository, error) {
	if provider == nil {
		return nil, errors.New("reconciliation repository requires firestore provider")
	}
	return &ReconciliationRepository{provider: provider}, nil
}

type reconciliationDocument struct {
	CustomerID    string    `firestore:"customerId"`
	StaleLocation string    `firestore:"staleLocation"`
	Attempts      int       `firestore:"attempts"`
	LastError     string    `firestore:"lastError,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
	NextAttemptAt time.Time `firestore:"nextAttemptAt"`
}

// Upsert creates or replaces the ticket for the reservation.
func (r *ReconciliationRepository) Upsert(ctx context.Context, ticket domain.ReconciliationTicket) error {
	ref, err := r.document(ctx, ticket.ReservationID)
	if err != nil {
		return err
	}
	doc := reconciliationDocument{
		CustomerID:    ticket.CustomerID,
		StaleLocation: string(ticket.StaleLocation),
		Attempts:      ticket.Attempts,
		LastError:     ticket.LastError,
		CreatedAt:     ticket.CreatedAt.UTC(),
		UpdatedAt:     ticket.UpdatedAt.UTC(),
		NextAttemptAt: ticket.NextAttemptAt.UTC(),
	}
	if _, err := ref.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("reconciliations.upsert", err)
	}
	return nil
}

// Get loads the ticket for a reservation.
func (r *ReconciliationRepository) Get(ctx context.Context, reservationID string) (domain.ReconciliationTicket, error) {
	ref, err := r.document(ctx, reservationID)
	if err != nil {
		return domain.ReconciliationTicket{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.ReconciliationTicket{}, pfirestore.WrapError("reconciliations.get", err)
	}
	return decodeReconciliation(snap)
}

// ListDue returns tickets whose next attempt is at or before now, oldest first.
func (r *ReconciliationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ReconciliationTicket, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(reconciliationCollection).
		Where("nextAttemptAt", "<=", now.UTC()).
		OrderBy("nextAttemptAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var tickets []domain.ReconciliationTicket
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("reconciliations.list_due", err)
		}
		ticket, err := decodeReconciliation(snap)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// Delete closes the ticket. Deleting a missing ticket is not an error.
func (r *ReconciliationRepository) Delete(ctx context.Context, reservationID string) error {
	ref, err := r.document(ctx, reservationID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("reconciliations.delete", err)
	}
	return nil
}

func (r *ReconciliationRepository) document(ctx context.Context, reservationID string) (*firestore.DocumentRef, error) {
	id := strings.TrimSpace(reservationID)
	if id == "" {
		return nil, errors.New("reconciliation repository: reservation id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(reconciliationCollection).Doc(id), nil
}

func decodeReconciliation(snap *firestore.DocumentSnapshot) (domain.ReconciliationTicket, error) {
	var doc reconciliationDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ReconciliationTicket{}, fmt.Errorf("decode reconciliation %s: %w", snap.Ref.ID, err)
	}
	return domain.ReconciliationTicket{
		ReservationID: snap.Ref.ID,
		CustomerID:    doc.CustomerID,
		StaleLocation: domain.RecordLocation(doc.StaleLocation),
		Attempts:      doc.Attempts,
		LastError:     doc.LastError,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
		NextAttemptAt: doc.NextAttemptAt.UTC(),
	}, nil
}
