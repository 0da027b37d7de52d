package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/torquebay/api/internal/platform/config"
	"github.com/torquebay/api/internal/platform/idempotency"
	"github.com/torquebay/api/internal/platform/observability"
	"github.com/torquebay/api/internal/repositories"
	"github.com/torquebay/api/internal/services"
)

const meterName = "github.com/torquebay/api"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Reservations services.ReservationService
	Reconciler   *services.Reconciler
}

// Container wires repositories, services and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	// Idempotency holds replayable responses for retried mutations.
	Idempotency idempotency.Store

	logger  *zap.Logger
	clock   func() time.Time
	closers []func(context.Context) error
}

// Option supplies platform adapters that the container cannot build on its own.
type Option func(*options)

type options struct {
	locker   services.ReservationLocker
	gate     services.AuthorizationGate
	notifier []services.Notifier
	logger   *zap.Logger
	meter    metric.Meter
	clock    func() time.Time
	replay   idempotency.Store
	closers  []func(context.Context) error
}

// WithLocker overrides the in-process reservation locker.
func WithLocker(locker services.ReservationLocker) Option {
	return func(o *options) { o.locker = locker }
}

// WithAuthorizationGate sets the gate consulted for irreversible transitions.
func WithAuthorizationGate(gate services.AuthorizationGate) Option {
	return func(o *options) { o.gate = gate }
}

// WithNotifiers adds status change notification channels.
func WithNotifiers(notifiers ...services.Notifier) Option {
	return func(o *options) {
		for _, n := range notifiers {
			if n != nil {
				o.notifier = append(o.notifier, n)
			}
		}
	}
}

// WithLogger sets the logger used for service events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter overrides the global otel meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithIdempotencyStore overrides the in-process idempotency store.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *options) { o.replay = store }
}

// WithCloser registers a hook run by Close after the registry is closed.
func WithCloser(fn func(context.Context) error) Option {
	return func(o *options) {
		if fn != nil {
			o.closers = append(o.closers, fn)
		}
	}
}

// NewContainer constructs the runtime dependencies around reg.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.meter == nil {
		o.meter = otel.Meter(meterName)
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.replay == nil {
		o.replay = idempotency.NewMemoryStore()
	}

	svc, err := buildServices(ctx, reg, cfg, o)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Idempotency:  o.replay,
		logger:       o.logger,
		clock:        o.clock,
		closers:      o.closers,
	}, nil
}

// Close releases the registry and any registered adapters.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, closer := range c.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, o options) (Services, error) {
	serviceLogger := observability.ServiceLogger(o.logger.Named("reservations"))

	locker := o.locker
	if locker == nil {
		locker = services.NewLocalLocker()
	}

	reconciler, err := services.NewReconciler(services.ReconcilerDeps{
		Global:   reg.GlobalReservations(),
		Customer: reg.CustomerReservations(),
		Tickets:  reg.Reconciliations(),
		Locker:   locker,
		Clock:    o.clock,
		Backoff: gax.Backoff{
			Initial:    cfg.Reconciliation.InitialBackoff,
			Max:        cfg.Reconciliation.MaxBackoff,
			Multiplier: 2,
		},
		BatchSize: cfg.Reconciliation.BatchSize,
		Meter:     o.meter,
		Logger:    serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciler: %w", err)
	}

	var notifier services.Notifier
	switch len(o.notifier) {
	case 0:
	case 1:
		notifier = o.notifier[0]
	default:
		notifier = services.MultiNotifier(o.notifier)
	}

	reservations, err := services.NewReservationService(services.ReservationServiceDeps{
		Global:               reg.GlobalReservations(),
		Customer:             reg.CustomerReservations(),
		Reconciler:           reconciler,
		Pending:              reg.PendingTransitions(),
		Locker:               locker,
		Bulk:                 services.NewBulkOrchestrator(cfg.Bulk.Concurrency, o.meter),
		Gate:                 o.gate,
		AuthorizationTimeout: cfg.Authorization.Timeout,
		PendingTTL:           cfg.Authorization.PendingTTL,
		Notifier:             notifier,
		NotifyTimeout:        cfg.Notifications.Timeout,
		Clock:                o.clock,
		Meter:                o.meter,
		Logger:               serviceLogger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reservation service: %w", err)
	}

	return Services{
		Reservations: reservations,
		Reconciler:   reconciler,
	}, nil
}

// RunMaintenance drives the reconciliation job, pending transition expiry and idempotency
// key purging on interval until ctx is cancelled. It returns immediately when interval is not positive.
func (c *Container) RunMaintenance(ctx context.Context, interval time.Duration, cleanupLimit int) {
	if c == nil || c.Services.Reservations == nil || interval <= 0 {
		return
	}
	logger := c.logger.Named("maintenance")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maintain(ctx, logger, interval, cleanupLimit)
		}
	}
}

func (c *Container) maintain(ctx context.Context, logger *zap.Logger, interval time.Duration, cleanupLimit int) {
	runCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	summary, err := c.Services.Reservations.RunReconciliation(runCtx)
	if err != nil {
		logger.Error("reconciliation run failed", zap.Error(err))
	} else if summary.Processed > 0 {
		logger.Info("reconciliation run finished",
			zap.Int("processed", summary.Processed),
			zap.Int("repaired", summary.Repaired),
			zap.Int("clean", summary.Clean),
			zap.Int("failed", summary.Failed),
		)
	}

	removed, err := c.Services.Reservations.CleanupExpiredPending(runCtx, cleanupLimit)
	if err != nil {
		logger.Error("pending transition cleanup failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("expired pending transitions removed", zap.Int("count", removed))
	}

	if c.Idempotency == nil {
		return
	}
	purged, err := c.Idempotency.Purge(runCtx, c.clock().UTC(), cleanupLimit)
	if err != nil {
		logger.Error("idempotency purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		logger.Info("expired idempotency keys purged", zap.Int("count", purged))
	}
}
