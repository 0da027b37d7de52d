package services

import (
	"context"
	"sync"
)

// ReservationLocker serialises mutations of a single reservation.
type ReservationLocker interface {
	Lock(ctx context.Context, reservationID string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex. Waiters honour context cancellation.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

var _ ReservationLocker = (*LocalLocker)(nil)

// NewLocalLocker constructs an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

// Lock blocks until the reservation's lock is held or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, reservationID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[reservationID]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.locks[reservationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(reservationID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.release(reservationID, entry)
		})
	}, nil
}

func (l *LocalLocker) release(reservationID string, entry *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, reservationID)
	}
}
