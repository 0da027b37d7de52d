package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/torquebay/api/internal/services"
)

// ErrPINNotConfigured is returned when no PIN hash was provisioned.
var ErrPINNotConfigured = errors.New("auth: confirmation pin not configured")

// PINGate authorizes irreversible transitions with a staff confirmation PIN stored as a
// bcrypt hash.
type PINGate struct {
	hash []byte
}

var _ services.AuthorizationGate = (*PINGate)(nil)

// NewPINGate validates hash as a bcrypt hash.
func NewPINGate(hash string) (*PINGate, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, ErrPINNotConfigured
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, err
	}
	return &PINGate{hash: []byte(hash)}, nil
}

// Authorize compares the request credential against the stored hash. A wrong PIN is a
// plain denial, not an error.
func (g *PINGate) Authorize(ctx context.Context, req services.AuthorizationRequest) (bool, error) {
	if g == nil || len(g.hash) == 0 {
		return false, ErrPINNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	pin := strings.TrimSpace(req.Credential)
	if pin == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword(g.hash, []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}
