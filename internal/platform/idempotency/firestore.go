package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/torquebay/api/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore shares claims across instances. Documents are keyed by a hash of the
// scoped key so client supplied values never become document paths.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore constructs a store in the default collection.
func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	return &FirestoreStore{provider: provider, collection: defaultCollection}, nil
}

type entryDocument struct {
	Key         string    `firestore:"key"`
	Fingerprint string    `firestore:"fingerprint"`
	Completed   bool      `firestore:"completed"`
	Status      int       `firestore:"status,omitempty"`
	ContentType string    `firestore:"contentType,omitempty"`
	Body        []byte    `firestore:"body,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

func documentFromEntry(entry Entry) entryDocument {
	return entryDocument{
		Key:         entry.Key,
		Fingerprint: entry.Fingerprint,
		Completed:   entry.Completed,
		Status:      entry.Status,
		ContentType: entry.ContentType,
		Body:        entry.Body,
		CreatedAt:   entry.CreatedAt.UTC(),
		ExpiresAt:   entry.ExpiresAt.UTC(),
	}
}

func (d entryDocument) entry() Entry {
	return Entry{
		Key:         d.Key,
		Fingerprint: d.Fingerprint,
		Completed:   d.Completed,
		Status:      d.Status,
		ContentType: d.ContentType,
		Body:        d.Body,
		CreatedAt:   d.CreatedAt.UTC(),
		ExpiresAt:   d.ExpiresAt.UTC(),
	}
}

// Claim implements Store.
func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time) (Claim, Entry, error) {
	ref, err := s.document(ctx, key)
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		claim  Claim
		result Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode idempotency entry: %w", err)
			}
			existing := doc.entry()
			resolved, live, err := resolveClaim(existing, fingerprint, now)
			if err != nil {
				return err
			}
			if live {
				claim, result = resolved, existing
				return nil
			}
		}
		entry := claimEntry(key, fingerprint, now)
		claim, result = ClaimAcquired, entry
		return tx.Set(ref, documentFromEntry(entry))
	})
	if err != nil {
		if errors.Is(err, ErrKeyReused) {
			return 0, Entry{}, ErrKeyReused
		}
		return 0, Entry{}, pfirestore.WrapError("idempotency.claim", err)
	}
	return claim, result, nil
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, response Response, now time.Time, ttl time.Duration) error {
	ref, err := s.document(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		entry := claimEntry(key, fingerprint, now)
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var doc entryDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode idempotency entry: %w", err)
			}
			if doc.Fingerprint != fingerprint {
				return ErrKeyReused
			}
			entry = doc.entry()
		}
		entry.Completed = true
		entry.Status = response.Status
		entry.ContentType = response.ContentType
		entry.Body = response.Body
		entry.ExpiresAt = now.Add(clipTTL(ttl))
		return tx.Set(ref, documentFromEntry(entry))
	})
	if err != nil {
		if errors.Is(err, ErrKeyReused) {
			return ErrKeyReused
		}
		return pfirestore.WrapError("idempotency.complete", err)
	}
	return nil
}

// Abandon implements Store.
func (s *FirestoreStore) Abandon(ctx context.Context, key, fingerprint string) error {
	ref, err := s.document(ctx, key)
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var doc entryDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode idempotency entry: %w", err)
		}
		if doc.Completed || doc.Fingerprint != fingerprint {
			return nil
		}
		return tx.Delete(ref)
	})
	return pfirestore.WrapError("idempotency.abandon", err)
}

// Purge implements Store.
func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	docs, err := client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	batch := client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	return len(docs), nil
}

func (s *FirestoreStore) document(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	if key == "" {
		return nil, errors.New("idempotency: key is required")
	}
	collection, err := s.provider.Collection(ctx, s.collection)
	if err != nil {
		return nil, err
	}
	return collection.Doc(documentID(key)), nil
}
