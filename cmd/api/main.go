package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/di"
	"github.com/vitrine/fulfillment/internal/handlers"
	"github.com/vitrine/fulfillment/internal/platform/auth"
	"github.com/vitrine/fulfillment/internal/platform/config"
	"github.com/vitrine/fulfillment/internal/platform/idempotency"
	"github.com/vitrine/fulfillment/internal/platform/observability"
)

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

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, logger.Named("di"))
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

	router := newRouter(cfg, container, buildInfoFromEnv(envValues, cfg, startedAt), logger)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workersWG sync.WaitGroup
	workers := container.Workers()
	if cfg.Idempotency.CleanupInterval > 0 {
		workers = append(workers, idempotencyCleanupWorker(container.Idempotency, cfg.Idempotency, logger.Named("idempotency")))
	}
	for _, worker := range workers {
		workersWG.Add(1)
		go func(w di.Worker) {
			defer workersWG.Done()
			workerLogger := logger.Named("worker").With(zap.String("worker", w.Name))
			workerLogger.Info("worker started")
			if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				workerLogger.Error("worker stopped with error", zap.Error(err))
				return
			}
			workerLogger.Info("worker stopped")
		}(worker)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("fulfillment api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopWorkers()
	workersWG.Wait()
}

func newRouter(cfg config.Config, container *di.Container, build handlers.BuildInfo, logger *zap.Logger) http.Handler {
	httpLogger := logger.Named("http")
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLogger(httpLogger),
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RequestLogger(container.Metrics),
		observability.Recovery(httpLogger),
	}

	idempotencyMW := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	svc := container.Services
	orderHandlers := handlers.NewOrderHandlers(container.Authenticator, svc.Orders, svc.Refunds,
		handlers.WithOrderIdempotency(idempotencyMW, cfg.Idempotency.Header),
	)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Reconciler,
		handlers.WithWebhookRateLimit(cfg.Security.WebhookRateLimit, cfg.Security.WebhookRateWindow, time.Now),
	)
	internalHandlers := handlers.NewInternalJobHandlers(svc.Retries)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthChecks(container.Health),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, container.Metrics.Handler()))
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg, container); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}
	return handlers.NewRouter(opts...)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, container *di.Container) func(http.Handler) http.Handler {
	if cfg.Security.OIDC.JWKSURL == "" {
		return nil
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache,
		auth.WithOIDCLogger(logger),
		auth.WithOIDCMetrics(container.Metrics),
	)
	if cfg.Security.OIDC.Audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)
}

func idempotencyCleanupWorker(store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) di.Worker {
	return di.Worker{
		Name: "idempotency_cleanup",
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					runCtx, cancel := context.WithTimeout(ctx, time.Minute)
					removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
					cancel()
					if err != nil {
						logger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				}
			}
		},
	}
}
