package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/torquebay/api/internal/domain"
)

// ErrAuthorizationTimeout is wrapped into ErrAuthorizationDenied when the gate does not answer in time.
var ErrAuthorizationTimeout = errors.New("authorization: timed out")

// AuthorizationRequest asks a human to confirm an irreversible transition.
type AuthorizationRequest struct {
	Pending    domain.PendingTransition
	ActorID    string
	Credential string
}

// AuthorizationGate answers whether an irreversible transition may proceed. Any error
// counts as a denial.
type AuthorizationGate interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (bool, error)
}

// AuthorizationGateFunc adapts a function to AuthorizationGate.
type AuthorizationGateFunc func(ctx context.Context, req AuthorizationRequest) (bool, error)

// Authorize calls f.
func (f AuthorizationGateFunc) Authorize(ctx context.Context, req AuthorizationRequest) (bool, error) {
	return f(ctx, req)
}

// RequiresAuthorization reports whether moving to target cannot be undone.
func RequiresAuthorization(target domain.Status) bool {
	return target.IsTerminal()
}

// authorizeWithin runs the gate with a deadline. A gate that ignores its context still
// loses once the deadline passes.
func authorizeWithin(ctx context.Context, gate AuthorizationGate, req AuthorizationRequest, timeout time.Duration) error {
	if gate == nil {
		return fmt.Errorf("%w: no authorization gate configured", ErrAuthorizationDenied)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		ok  bool
		err error
	}
	done := make(chan answer, 1)
	go func() {
		ok, err := gate.Authorize(ctx, req)
		done <- answer{ok: ok, err: err}
	}()

	select {
	case <-ctx.Done():
		return expired(ctx)
	case res := <-done:
		if ctx.Err() != nil {
			return expired(ctx)
		}
		if res.err != nil {
			return fmt.Errorf("%w: %v", ErrAuthorizationDenied, res.err)
		}
		if !res.ok {
			return ErrAuthorizationDenied
		}
		return nil
	}
}

// expired turns a finished context into a denial. An answer that arrives after the
// deadline does not count.
func expired(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrAuthorizationDenied, ErrAuthorizationTimeout)
	}
	return fmt.Errorf("%w: %v", ErrAuthorizationDenied, ctx.Err())
}
