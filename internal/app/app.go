// Package app wires every subsystem together and dispatches on the
// configured run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/adimov-eth/vibecheck-sub003/internal/api"
	"github.com/adimov-eth/vibecheck-sub003/internal/config"
	"github.com/adimov-eth/vibecheck-sub003/internal/httpserver"
	"github.com/adimov-eth/vibecheck-sub003/internal/platform"
	"github.com/adimov-eth/vibecheck-sub003/internal/telemetry"
	"github.com/adimov-eth/vibecheck-sub003/pkg/conversation"
	"github.com/adimov-eth/vibecheck-sub003/pkg/cryptoenv"
	"github.com/adimov-eth/vibecheck-sub003/pkg/identity"
	"github.com/adimov-eth/vibecheck-sub003/pkg/keyring"
	"github.com/adimov-eth/vibecheck-sub003/pkg/kv"
	"github.com/adimov-eth/vibecheck-sub003/pkg/pipeline"
	"github.com/adimov-eth/vibecheck-sub003/pkg/push"
	"github.com/adimov-eth/vibecheck-sub003/pkg/quota"
	"github.com/adimov-eth/vibecheck-sub003/pkg/ratelimit"
	"github.com/adimov-eth/vibecheck-sub003/pkg/sessiontoken"
)

// ErrBootstrap marks a failure to establish signing material on first
// boot, distinguished so the CLI can exit with its dedicated code.
var ErrBootstrap = errors.New("bootstrap key rotation failed")

// Run is the application entry point: it connects to infrastructure,
// builds every domain service, and runs the requested mode until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting vibecheck", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	kvStore := kv.New(rdb)

	enc, err := cryptoenv.New(cfg.EncryptionSecret)
	if err != nil {
		return fmt.Errorf("initializing encryption service: %w", err)
	}

	processNonce := uuid.NewString()
	keyRing := keyring.New(kvStore, enc, logger, keyring.Config{
		RotationInterval: cfg.KeyRotationInterval,
		GracePeriod:      cfg.KeyRotationGracePeriod,
		MaxActiveKeys:    cfg.KeyRotationMaxActive,
		CheckInterval:    cfg.KeyRotationCheckEvery,
		LockTTL:          cfg.KeyRotationLockTTL,
	}, processNonce)

	// A process that cannot establish signing material on first boot must
	// not serve traffic; the CLI maps ErrBootstrap to its own exit code.
	if err := keyRing.Bootstrap(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}

	sessions := sessiontoken.New(keyRing, kvStore, cfg.JWTLegacySecret, cfg.JWTExpiresIn)

	identityVerifier := identity.New(cfg.IdentityIssuerURL, cfg.AcceptedAudiences, cfg.IdentityJWKSCacheTTL, cfg.IdentityResultCacheTTL, kvStore, logger)

	limiter := ratelimit.New(cfg.RateLimitWindow, kvStore, logger)

	pusher := push.New(push.Config{
		AuthTimeout:     cfg.PushAuthTimeout,
		PingInterval:    cfg.PushPingInterval,
		InactiveTimeout: cfg.PushInactiveTimeout,
		BufferMaxLen:    cfg.PushBufferMaxLen,
		BufferTTL:       cfg.PushBufferTTL,
		MessageExpiry:   cfg.PushMessageExpiry,
		ShutdownGrace:   cfg.PushShutdownGrace,
	}, sessions, kvStore, logger, telemetry.PushConnectionsActive, telemetry.PushBufferedEventsTotal)

	convStore := conversation.FromPool(db)

	quotaGate := quota.New(kvStore, quota.NoopSubscriptionChecker{}, cfg.FreeTierWeeklyLimit, logger)

	transcription := pipeline.NewHTTPTranscriptionClient(cfg.TranscriptionProviderURL, cfg.TranscriptionProviderAPIKey, cfg.ProviderTimeout)
	analysis := pipeline.NewHTTPAnalysisClient(cfg.AnalysisProviderURL, cfg.AnalysisProviderAPIKey, cfg.ProviderTimeout)

	coordinator := pipeline.New(convStore, pusher, transcription, analysis, pipeline.DefaultRetryPolicy, logger, telemetry.PipelineJobsTotal, cfg.PipelineQueueSize)

	// Background loops every mode needs: key rotation keeps signing
	// material fresh regardless of whether this process serves traffic,
	// and the session cache must invalidate everywhere a rotation lands.
	go keyRing.RunRotationLoop(ctx)
	go func() {
		if err := sessions.RunCacheInvalidationLoop(ctx, keyring.KeyUpdatesChannel); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session cache invalidation loop stopped", "error", err)
		}
	}()
	go limiter.RunSweepLoop(ctx)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, keyRing, sessions, identityVerifier, limiter, pusher, convStore, quotaGate, coordinator)
	case "worker":
		return runWorker(ctx, logger, coordinator, cfg.PipelineWorkers)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI serves the HTTP API and hosts the push channel's live
// connections. The pipeline coordinator also runs here: direct push
// delivery only reaches a client connected to the process that holds it,
// so co-locating the coordinator with the Manager avoids depending on the
// durable buffer for the common case (the buffer still covers the
// cross-process path on reconnect, and a dedicated worker-mode process
// can run alongside this one to scale job throughput independently).
func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	keyRing *keyring.Service,
	sessions *sessiontoken.Service,
	identityVerifier *identity.Verifier,
	limiter *ratelimit.Engine,
	pusher *push.Manager,
	convStore *conversation.Store,
	quotaGate *quota.Gate,
	coordinator *pipeline.Coordinator,
) error {
	handlers := api.New(cfg, sessions, identityVerifier, convStore, quotaGate, limiter, pusher, coordinator, logger)
	authMiddleware := api.RequireAuthMiddleware(sessions)

	srv := httpserver.NewServer(cfg, logger, db, rdb, keyRing, metricsReg, authMiddleware)

	handlers.RegisterPublicRoutes(srv.Router)
	handlers.RegisterAuthenticatedRoutes(srv.APIRouter)

	go pusher.RunLivenessLoop(ctx)
	go coordinator.Run(ctx, cfg.PipelineWorkers)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		pusher.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the pipeline's job workers without serving HTTP traffic —
// a horizontally scalable pool alongside one or more api-mode processes.
func runWorker(ctx context.Context, logger *slog.Logger, coordinator *pipeline.Coordinator, numWorkers int) error {
	logger.Info("worker started", "workers", numWorkers)
	coordinator.Run(ctx, numWorkers)
	return nil
}
