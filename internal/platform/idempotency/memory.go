package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps claims in process. Used by the memory storage backend and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time) (Claim, Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	if existing, ok := s.entries[id]; ok {
		claim, live, err := resolveClaim(existing, fingerprint, now)
		if err != nil {
			return 0, Entry{}, err
		}
		if live {
			return claim, cloneEntry(existing), nil
		}
	}
	entry := claimEntry(key, fingerprint, now)
	s.entries[id] = entry
	return ClaimAcquired, cloneEntry(entry), nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, response Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry, ok := s.entries[id]
	if !ok {
		entry = claimEntry(key, fingerprint, now)
	} else if entry.Fingerprint != fingerprint {
		return ErrKeyReused
	}
	entry.Completed = true
	entry.Status = response.Status
	entry.ContentType = response.ContentType
	entry.Body = append([]byte(nil), response.Body...)
	entry.ExpiresAt = now.Add(clipTTL(ttl))
	s.entries[id] = entry
	return nil
}

// Abandon implements Store.
func (s *MemoryStore) Abandon(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	if entry, ok := s.entries[id]; ok && !entry.Completed && entry.Fingerprint == fingerprint {
		delete(s.entries, id)
	}
	return nil
}

// Purge implements Store. Oldest expiries go first.
func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, entry := range s.entries {
		if entry.Expired(now) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return s.entries[expired[i]].ExpiresAt.Before(s.entries[expired[j]].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(s.entries, id)
	}
	return len(expired), nil
}

func cloneEntry(entry Entry) Entry {
	entry.Body = append([]byte(nil), entry.Body...)
	return entry
}
