package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/torquebay/api/internal/services"
)

func TestPINGate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("4821"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	gate, err := NewPINGate(string(hash))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	cases := map[string]bool{"4821": true, " 4821 ": true, "0000": false, "": false}
	for pin, want := range cases {
		ok, err := gate.Authorize(context.Background(), services.AuthorizationRequest{Credential: pin})
		if err != nil {
			t.Fatalf("pin %q: unexpected error %v", pin, err)
		}
		if ok != want {
			t.Fatalf("pin %q: expected %v, got %v", pin, want, ok)
		}
	}
}

func TestNewPINGateRejectsBadHashes(t *testing.T) {
	if _, err := NewPINGate(""); !errors.Is(err, ErrPINNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if _, err := NewPINGate("plaintext-pin"); err == nil {
		t.Fatalf("expected plaintext to be rejected")
	}
}
