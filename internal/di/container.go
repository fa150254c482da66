package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/platform/auth"
	"github.com/vitrine/fulfillment/internal/platform/config"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/platform/idempotency"
	"github.com/vitrine/fulfillment/internal/platform/jobs"
	"github.com/vitrine/fulfillment/internal/platform/observability"
	pstorage "github.com/vitrine/fulfillment/internal/platform/storage"
	"github.com/vitrine/fulfillment/internal/repositories"
	"github.com/vitrine/fulfillment/internal/services"
)

const (
	firebaseVerifyTimeout = 5 * time.Second
	idempotencyCollection = "idempotency_keys"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders       services.OrderService
	Refunds      services.RefundProcessor
	Reconciler   services.WebhookReconciler
	Retries      services.RetryScheduler
	Ledger       services.StockLedger
	Coupons      services.CouponEngine
	Transactions services.TransactionLog
}

// Worker is a background loop started by the API process. Run blocks until ctx is cancelled.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Logger        *zap.Logger
	Repositories  repositories.Registry
	Services      Services
	Metrics       *observability.Metrics
	Health        repositories.HealthRepository
	Idempotency   idempotency.Store
	Authenticator *auth.Authenticator
	Payments      *payments.Manager

	bucketClient *gcs.Client
	workers      []Worker
	closers      []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	registry repositories.Registry
	verifier auth.TokenVerifier
	clock    func() time.Time
}

// WithRegistry supplies a prebuilt repository registry instead of the configured driver.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTokenVerifier overrides the Firebase ID token verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) { o.verifier = verifier }
}

// WithClock overrides the clock shared by all services.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies selected by cfg.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var checks []repositories.DependencyCheck

	store, err := c.buildPersistence(ctx, o.registry)
	if err != nil {
		return nil, err
	}
	c.Repositories = store.registry
	checks = append(checks, store.checks...)

	var psClient *pubsub.Client
	if cfg.PubSub.Enabled || cfg.Notifications.Transport == config.TransportPubSub {
		psClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return psClient.Close() })
	}

	alerter, err := c.buildAlerter(psClient)
	if err != nil {
		return nil, err
	}
	notifier, err := c.buildNotifier(psClient)
	if err != nil {
		return nil, err
	}

	manager, err := c.buildPayments()
	if err != nil {
		return nil, err
	}
	c.Payments = manager

	var archive services.PayloadArchive
	if bucket := cfg.Storage.WebhookArchiveBucket; bucket != "" {
		archive, err = c.buildArchive(ctx, bucket)
		if err != nil {
			return nil, err
		}
		checks = append(checks, repositories.DependencyCheck{
			Name: "webhook_archive",
			Check: func(ctx context.Context) error {
				return c.probeBucket(ctx, bucket)
			},
		})
	}

	queue, err := c.buildEventQueue(psClient)
	if err != nil {
		return nil, err
	}
	if psClient != nil && cfg.PubSub.Enabled {
		topic := psClient.Topic(cfg.PubSub.WebhookTopic)
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.PubSub.WebhookTopic)
				}
				return nil
			},
		})
	}

	svc, err := buildServices(cfg, c.Repositories, serviceInfra{
		gateways: manager,
		alerter:  alerter,
		notifier: notifier,
		queue:    queue.enqueuer,
		archive:  archive,
		metrics:  c.Metrics,
		logger:   observability.ServiceLogger(logger),
		clock:    o.clock,
	})
	if err != nil {
		return nil, err
	}
	c.Services = svc

	if err := c.bindEventProcessing(queue, psClient); err != nil {
		return nil, err
	}
	runner, err := jobs.NewRetryRunner(svc.Retries, cfg.Retry.PollInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("build retry runner: %w", err)
	}
	c.workers = append(c.workers, Worker{Name: "retry_runner", Run: func(ctx context.Context) error {
		runner.Run(ctx)
		return nil
	}})

	if c.Health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	if c.Idempotency == nil {
		c.Idempotency = idempotency.NewMemoryStore()
	}
	if err := c.buildAuthenticator(ctx, o.verifier); err != nil {
		return nil, err
	}

	logger.Info("container ready",
		zap.String("persistence", cfg.Persistence.Driver),
		zap.String("ledger", cfg.Persistence.LedgerDriver),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.String("notifications", cfg.Notifications.Transport),
		zap.Bool("archive", archive != nil),
	)
	return c, nil
}

// Workers returns the background loops the process must run alongside the HTTP server.
func (c *Container) Workers() []Worker {
	if c == nil {
		return nil
	}
	return append([]Worker(nil), c.workers...)
}

// Close releases resources in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) buildAuthenticator(ctx context.Context, verifier auth.TokenVerifier) error {
	if verifier == nil && c.Config.Firebase.ProjectID != "" {
		firebase, err := auth.NewFirebaseVerifier(ctx, c.Config.Firebase, firebaseVerifyTimeout)
		if err != nil {
			return fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebase
	}
	if verifier == nil {
		c.Logger.Warn("firebase verifier not configured; authenticated routes will reject all requests")
	}
	c.Authenticator = auth.NewAuthenticator(verifier)
	return nil
}

func (c *Container) buildArchive(ctx context.Context, bucket string) (services.PayloadArchive, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	c.bucketClient = client
	archive, err := pstorage.NewWebhookArchive(client, bucket)
	if err != nil {
		return nil, fmt.Errorf("build webhook archive: %w", err)
	}
	return archive, nil
}

func (c *Container) probeBucket(ctx context.Context, bucket string) error {
	if c.bucketClient == nil {
		return errors.New("storage client not initialised")
	}
	_, err := c.bucketClient.Bucket(bucket).Attrs(ctx)
	return err
}

func idempotencyStore(provider *pfirestore.Provider) idempotency.Store {
	if provider == nil {
		return idempotency.NewMemoryStore()
	}
	return idempotency.NewFirestoreStore(provider, idempotencyCollection)
}
