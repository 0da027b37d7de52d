// Package idempotency lets clients retry reservation mutations safely. The first request
// carrying a key runs; retries with the same key and payload get the stored response back.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const (
	// DefaultTTL bounds how long a completed response is replayed.
	DefaultTTL = 24 * time.Hour
	// InFlightLease bounds how long an unfinished claim blocks retries. A claim left behind
	// by a crashed instance is taken over once the lease lapses.
	InFlightLease = 2 * time.Minute
)

// Claim is the outcome of presenting a key to the store.
type Claim int

const (
	// ClaimAcquired means the caller owns the key and must run the request.
	ClaimAcquired Claim = iota
	// ClaimReplay means a response was already stored for the key.
	ClaimReplay
	// ClaimInFlight means another request holds the key.
	ClaimInFlight
)

func (c Claim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimReplay:
		return "replay"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ErrKeyReused is returned when a key is presented with a different request payload.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// Entry is the stored state of one key.
type Entry struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	ContentType string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry no longer holds its key at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Response is what the middleware captured from the handler.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store persists key claims and their responses.
type Store interface {
	// Claim registers the key for fingerprint. A replay returns the stored entry.
	Claim(ctx context.Context, key, fingerprint string, now time.Time) (Claim, Entry, error)
	// Complete stores the response of the request that holds the key.
	Complete(ctx context.Context, key, fingerprint string, response Response, now time.Time, ttl time.Duration) error
	// Abandon drops an unfinished claim so the client may retry.
	Abandon(ctx context.Context, key, fingerprint string) error
	// Purge removes up to limit entries that expired at or before now.
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

func claimEntry(key, fingerprint string, now time.Time) Entry {
	return Entry{
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(InFlightLease),
	}
}

// resolveClaim decides the claim for an existing entry. live is false when the entry has
// lapsed and the caller may overwrite it.
func resolveClaim(existing Entry, fingerprint string, now time.Time) (claim Claim, live bool, err error) {
	if existing.Expired(now) {
		return ClaimAcquired, false, nil
	}
	if existing.Fingerprint != fingerprint {
		return 0, true, ErrKeyReused
	}
	if existing.Completed {
		return ClaimReplay, true, nil
	}
	return ClaimInFlight, true, nil
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func clipTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
