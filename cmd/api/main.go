package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"github.com/torquebay/api/internal/di"
	"github.com/torquebay/api/internal/handlers"
	"github.com/torquebay/api/internal/platform/auth"
	"github.com/torquebay/api/internal/platform/config"
	pfirestore "github.com/torquebay/api/internal/platform/firestore"
	"github.com/torquebay/api/internal/platform/idempotency"
	"github.com/torquebay/api/internal/platform/jobs"
	"github.com/torquebay/api/internal/platform/locks"
	"github.com/torquebay/api/internal/platform/observability"
	"github.com/torquebay/api/internal/platform/secrets"
	"github.com/torquebay/api/internal/repositories"
	firestoreRepo "github.com/torquebay/api/internal/repositories/firestore"
	"github.com/torquebay/api/internal/repositories/memory"
)

const pendingCleanupBatch = 200

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	resolver, err := secrets.NewResolver(ctx,
		firstNonEmpty(os.Getenv("API_SECRETS_PROJECT_ID"), os.Getenv("API_FIREBASE_PROJECT_ID")),
		os.Getenv("API_SECURITY_ENVIRONMENT"),
		secrets.WithLogger(logger.Named("secrets")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var containerOpts []di.Option
	containerOpts = append(containerOpts, di.WithLogger(logger))

	var readiness []repositories.DependencyCheck

	if cfg.Locks.Backend == config.LockBackendRedis {
		redisClient, err := locks.NewClient(ctx, cfg.Locks.RedisAddr, cfg.Locks.RedisPassword, cfg.Locks.RedisDB)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		locker, err := locks.NewRedisLocker(redisClient, cfg.Locks.KeyPrefix, cfg.Locks.TTL, logger.Named("locks"))
		if err != nil {
			logger.Fatal("failed to initialise redis locker", zap.Error(err))
		}
		containerOpts = append(containerOpts,
			di.WithLocker(locker),
			di.WithCloser(func(context.Context) error { return redisClient.Close() }),
		)
		readiness = append(readiness, repositories.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	if cfg.Notifications.PubSubEnabled {
		if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" && os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
			_ = os.Setenv("PUBSUB_EMULATOR_HOST", host)
		}
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.PubSub.StatusTopic)
		publisher, err := jobs.NewPubSubStatusPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise status publisher", zap.Error(err))
		}
		containerOpts = append(containerOpts,
			di.WithNotifiers(publisher),
			di.WithCloser(func(context.Context) error {
				topic.Stop()
				return pubsubClient.Close()
			}),
		)
		readiness = append(readiness, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.PubSub.StatusTopic)
				}
				return nil
			},
		})
	}

	firebaseApp, err := auth.NewFirebaseApp(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase app", zap.Error(err))
	}
	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, firebaseApp, 0)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	if cfg.Notifications.PushEnabled {
		pushNotifier, err := newPushNotifier(ctx, firebaseApp)
		if err != nil {
			logger.Fatal("failed to initialise push notifier", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithNotifiers(pushNotifier))
	}

	if hash := strings.TrimSpace(cfg.Authorization.PINHash); hash != "" {
		gate, err := auth.NewPINGate(hash)
		if err != nil {
			logger.Fatal("failed to initialise authorization gate", zap.Error(err))
		}
		containerOpts = append(containerOpts, di.WithAuthorizationGate(gate))
	} else {
		logger.Warn("authorization PIN not configured; irreversible transitions will be denied")
	}

	registry, replayStore, err := newRegistry(cfg, readiness)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}
	containerOpts = append(containerOpts, di.WithIdempotencyStore(replayStore))

	container, err := di.NewContainer(ctx, cfg, registry, containerOpts...)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	maintenanceCtx, maintenanceCancel := context.WithCancel(context.Background())
	var maintenanceWG sync.WaitGroup
	if cfg.Reconciliation.Enabled {
		maintenanceWG.Add(1)
		go func() {
			defer maintenanceWG.Done()
			container.RunMaintenance(maintenanceCtx, cfg.Reconciliation.Interval, pendingCleanupBatch)
		}()
	}

	reservations := container.Services.Reservations
	replay := handlers.WithAuthenticatedMiddlewares(idempotency.Middleware(container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	))
	adminHandlers := handlers.NewAdminReservationHandlers(authenticator, reservations, replay)
	meHandlers := handlers.NewMeReservationHandlers(authenticator, reservations, replay)
	internalHandlers := handlers.NewInternalJobHandlers(reservations)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(cfg, startedAt)),
		handlers.WithHealthChecks(readinessChecks(logger, cfg, registry, readiness)),
	)

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithMeRoutes(meHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("torquebay api listening", zap.String("storage", cfg.Firestore.Backend), zap.String("locks", cfg.Locks.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	maintenanceCancel()
	maintenanceWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newRegistry builds the repositories and the idempotency store on the same backend.
func newRegistry(cfg config.Config, checks []repositories.DependencyCheck) (repositories.Registry, idempotency.Store, error) {
	if cfg.Firestore.Backend == config.StorageBackendMemory {
		return memory.NewRegistry(), idempotency.NewMemoryStore(), nil
	}
	provider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestoreRepo.NewRegistry(provider, checks...)
	if err != nil {
		return nil, nil, err
	}
	store, err := idempotency.NewFirestoreStore(provider)
	if err != nil {
		return nil, nil, err
	}
	return registry, store, nil
}

// readinessChecks adds the adapter checks to the memory registry, which has no Firestore
// check to carry them.
func readinessChecks(logger *zap.Logger, cfg config.Config, registry repositories.Registry, checks []repositories.DependencyCheck) repositories.HealthRepository {
	if cfg.Firestore.Backend != config.StorageBackendMemory || len(checks) == 0 {
		return registry.Health()
	}
	health, err := repositories.NewDependencyHealthRepository(checks, nil)
	if err != nil {
		logger.Warn("health: adapter checks disabled", zap.Error(err))
		return registry.Health()
	}
	return health
}

func newPushNotifier(ctx context.Context, app *firebase.App) (*jobs.PushNotifier, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase messaging: %w", err)
	}
	return jobs.NewPushNotifier(client)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, &http.Client{Timeout: 5 * time.Second}, time.Now)
	validator := auth.NewOIDCValidator(cache, logger)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildInfoFromEnv(cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
