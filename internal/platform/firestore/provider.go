// Package firestore holds the shared Firestore client and the error classification used
// by the reservation, pending transition, reconciliation and idempotency stores.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/torquebay/api/internal/platform/config"
)

const (
	connectTimeout = 10 * time.Second
	// Reservation writes touch one document each, so a short transaction budget is enough.
	txMaxAttempts = 5
	txMaxDuration = 15 * time.Second

	envEmulatorHost = "FIRESTORE_EMULATOR_HOST"
	envProjectID    = "GOOGLE_CLOUD_PROJECT"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider connects on first use and hands every store the same client.
type Provider struct {
	cfg config.FirestoreConfig

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider returns a provider for cfg. No connection is made until a store needs one.
func NewProvider(cfg config.FirestoreConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Client returns the shared client, connecting when needed. A failed connect is retried
// by the next caller.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	}
	client, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *Provider) connect(ctx context.Context) (*firestore.Client, error) {
	projectID := strings.TrimSpace(p.cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envProjectID))
	}
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	var opts []option.ClientOption
	if host := p.emulatorHost(); host != "" {
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, host)
		}
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := firestore.NewClient(connectCtx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect to %s: %w", projectID, err)
	}
	return client, nil
}

func (p *Provider) emulatorHost() string {
	if host := strings.TrimSpace(p.cfg.EmulatorHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}

// Collection resolves a top level collection.
func (p *Provider) Collection(ctx context.Context, name string) (*firestore.CollectionRef, error) {
	client, err := p.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(name), nil
}

// RunTransaction runs fn in a transaction bounded by the provider's attempt and time
// budget. Errors returned by fn keep their identity under the wrapping.
func (p *Provider) RunTransaction(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txMaxDuration {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txMaxDuration)
		defer cancel()
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(txMaxAttempts)))
}

// Ping lists one collection to prove the database answers. Used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Collections(ctx).Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError("ping", err)
	}
	return nil
}

// Close shuts the client down. The provider cannot reconnect afterwards.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	alreadyClosed := p.closed
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if alreadyClosed || client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
