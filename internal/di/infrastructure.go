package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/platform/auth"
	"github.com/vitrine/fulfillment/internal/platform/config"
	"github.com/vitrine/fulfillment/internal/platform/crypto"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/platform/jobs"
	"github.com/vitrine/fulfillment/internal/platform/observability"
	"github.com/vitrine/fulfillment/internal/repositories"
	fsrepo "github.com/vitrine/fulfillment/internal/repositories/firestore"
	"github.com/vitrine/fulfillment/internal/repositories/memory"
	"github.com/vitrine/fulfillment/internal/repositories/postgres"
	"github.com/vitrine/fulfillment/internal/services"
)

const stripeSignatureTolerance = 5 * time.Minute

type persistence struct {
	registry repositories.Registry
	checks   []repositories.DependencyCheck
}

// ledgerRegistry serves stock and coupon counters from a different backend than the rest of
// the aggregate data.
type ledgerRegistry struct {
	repositories.Registry
	stock   repositories.StockRepository
	coupons repositories.CouponRepository
	close   func(context.Context) error
}

func (r *ledgerRegistry) Stock() repositories.StockRepository     { return r.stock }
func (r *ledgerRegistry) Coupons() repositories.CouponRepository { return r.coupons }

func (r *ledgerRegistry) Close(ctx context.Context) error {
	var errs []error
	if r.close != nil {
		errs = append(errs, r.close(ctx))
	}
	errs = append(errs, r.Registry.Close(ctx))
	return errors.Join(errs...)
}

func (c *Container) buildPersistence(ctx context.Context, override repositories.Registry) (persistence, error) {
	if override != nil {
		return persistence{registry: override}, nil
	}
	cfg := c.Config

	var cipher repositories.FieldCipher
	if key := strings.TrimSpace(cfg.Crypto.TransactionKey); key != "" {
		fc, err := crypto.NewFieldCipher(key)
		if err != nil {
			return persistence{}, fmt.Errorf("build field cipher: %w", err)
		}
		cipher = fc
	}

	var (
		out      persistence
		provider *pfirestore.Provider
	)
	firestoreProvider := func() *pfirestore.Provider {
		if provider == nil {
			provider = pfirestore.NewProvider(cfg.Firestore)
			out.checks = append(out.checks, repositories.DependencyCheck{Name: "firestore", Check: provider.Ping})
		}
		return provider
	}

	switch cfg.Persistence.Driver {
	case config.DriverMemory:
		var opts []memory.Option
		if cipher != nil {
			opts = append(opts, memory.WithCipher(cipher))
		}
		out.registry = memory.NewStore(opts...)
		c.Logger.Warn("using in-memory persistence; state is lost on restart")
	case config.DriverFirestore:
		reg, err := fsrepo.NewRegistry(firestoreProvider(), cipher)
		if err != nil {
			return persistence{}, fmt.Errorf("build firestore registry: %w", err)
		}
		out.registry = reg
		c.Idempotency = idempotencyStore(provider)
	default:
		return persistence{}, fmt.Errorf("unsupported persistence driver %q", cfg.Persistence.Driver)
	}

	if cfg.Persistence.LedgerDriver == cfg.Persistence.Driver {
		return out, nil
	}

	ledger := &ledgerRegistry{Registry: out.registry}
	switch cfg.Persistence.LedgerDriver {
	case config.DriverPostgres:
		db, err := openLedgerDB(ctx, cfg.Postgres, c.Logger)
		if err != nil {
			return persistence{}, err
		}
		ledger.stock = postgres.NewStockRepository(db)
		ledger.coupons = postgres.NewCouponRepository(db)
		ledger.close = func(context.Context) error { return db.Close() }
		out.checks = append(out.checks, repositories.DependencyCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return postgres.Ping(ctx, db) },
		})
	case config.DriverFirestore:
		p := firestoreProvider()
		stock, err := fsrepo.NewStockRepository(p)
		if err != nil {
			return persistence{}, fmt.Errorf("build firestore stock repository: %w", err)
		}
		coupons, err := fsrepo.NewCouponRepository(p)
		if err != nil {
			return persistence{}, fmt.Errorf("build firestore coupon repository: %w", err)
		}
		ledger.stock, ledger.coupons, ledger.close = stock, coupons, p.Close
	case config.DriverMemory:
		store := memory.NewStore()
		ledger.stock, ledger.coupons = store.Stock(), store.Coupons()
	default:
		return persistence{}, fmt.Errorf("unsupported ledger driver %q", cfg.Persistence.LedgerDriver)
	}
	out.registry = ledger
	return out, nil
}

func openLedgerDB(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := postgres.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := postgres.Ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres ledger: %w", err)
	}
	if cfg.MigrateOnStart {
		applied, err := postgres.Migrate(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("postgres ledger migrations checked", zap.Bool("applied", applied))
	}
	return db, nil
}

func (c *Container) buildAlerter(client *pubsub.Client) (jobs.FanoutAlerter, error) {
	targets := jobs.FanoutAlerter{jobs.NewLogAlerter(c.Logger)}
	if client == nil {
		return targets, nil
	}
	alerter, err := jobs.NewPubSubAlerter(client.Topic(c.Config.PubSub.AlertsTopic))
	if err != nil {
		return nil, fmt.Errorf("build pubsub alerter: %w", err)
	}
	return append(targets, alerter), nil
}

func (c *Container) buildNotifier(client *pubsub.Client) (services.Notifier, error) {
	cfg := c.Config.Notifications
	switch cfg.Transport {
	case config.TransportPubSub:
		n, err := jobs.NewPubSubNotifier(client.Topic(c.Config.PubSub.NotificationsTopic))
		if err != nil {
			return nil, fmt.Errorf("build pubsub notifier: %w", err)
		}
		return n, nil
	case config.TransportAMQP:
		n, err := jobs.DialAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("build amqp notifier: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return n.Close() })
		return n, nil
	default:
		return jobs.NewLogNotifier(c.Logger), nil
	}
}

func (c *Container) buildPayments() (*payments.Manager, error) {
	cfg := c.Config
	logger := observability.ServiceLogger(c.Logger)

	gateways := []payments.Gateway{payments.NewOfflineGateway(nil)}
	opts := []payments.ManagerOption{
		payments.WithMethodRoute(domain.PaymentMethodBankTransfer, payments.GatewayOffline),
		payments.WithMethodRoute(domain.PaymentMethodCashOnDelivery, payments.GatewayOffline),
	}

	if key := strings.TrimSpace(cfg.PSP.StripeAPIKey); key != "" {
		stripe, err := payments.NewStripeGateway(payments.StripeGatewayConfig{APIKey: key, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("build stripe gateway: %w", err)
		}
		gateways = append(gateways, payments.NewRetryingGateway(stripe, cfg.PSP.MaxAttempts, payments.WithRetryLogger(logger)))
		opts = append(opts, payments.WithMethodRoute(domain.PaymentMethodCard, payments.GatewayStripe))
	} else {
		c.Logger.Warn("stripe api key not configured; card charges settle through the offline gateway")
	}

	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		verifier, err := payments.NewStripeWebhookVerifier(secret, stripeSignatureTolerance, nil)
		if err != nil {
			return nil, fmt.Errorf("build stripe webhook verifier: %w", err)
		}
		opts = append(opts, payments.WithVerifier(payments.GatewayStripe, verifier))
	}

	if len(cfg.Security.HMAC.Secrets) > 0 {
		validator := auth.NewHMACValidator(
			auth.MapSecretProvider(cfg.Security.HMAC.Secrets),
			auth.NewInMemoryNonceStore(),
			auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
			auth.WithHMACWindow(cfg.Security.HMAC.ClockSkew, cfg.Security.HMAC.NonceTTL),
			auth.WithHMACMetrics(c.Metrics),
		)
		for gateway := range cfg.Security.HMAC.Secrets {
			if gateway == payments.GatewayStripe {
				continue
			}
			verifier, err := payments.NewHMACWebhookVerifier(gateway, validator, nil)
			if err != nil {
				return nil, fmt.Errorf("build %s webhook verifier: %w", gateway, err)
			}
			opts = append(opts, payments.WithVerifier(gateway, verifier))
		}
	}

	manager, err := payments.NewManager(gateways, opts...)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	return manager, nil
}

type eventQueue struct {
	enqueuer services.EventQueue
	local    *jobs.LocalEventQueue
}

// localQueueEnvironments may acknowledge webhooks from an in-process queue. Anywhere else a
// crash between acknowledgement and processing would lose the event.
var localQueueEnvironments = map[string]bool{"": true, "local": true, "dev": true, "development": true, "test": true}

func (c *Container) buildEventQueue(client *pubsub.Client) (eventQueue, error) {
	if client == nil || !c.Config.PubSub.Enabled {
		env := strings.ToLower(strings.TrimSpace(c.Config.Security.Environment))
		if !localQueueEnvironments[env] {
			return eventQueue{}, fmt.Errorf("webhook events need a durable queue in %q: enable pubsub (API_PUBSUB_ENABLED)", env)
		}
		c.Logger.Warn("webhook events use the in-process queue; undelivered events are lost on restart")
		local := jobs.NewLocalEventQueue(c.Logger)
		return eventQueue{enqueuer: local, local: local}, nil
	}
	topic := client.Topic(c.Config.PubSub.WebhookTopic)
	topic.EnableMessageOrdering = true
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return nil
	})
	queue, err := jobs.NewPubSubEventQueue(topic)
	if err != nil {
		return eventQueue{}, fmt.Errorf("build pubsub event queue: %w", err)
	}
	return eventQueue{enqueuer: queue}, nil
}

// bindEventProcessing connects the queue's consumer side to the reconciler once it exists.
func (c *Container) bindEventProcessing(queue eventQueue, client *pubsub.Client) error {
	reconciler := c.Services.Reconciler
	if queue.local != nil {
		local := queue.local
		local.Attach(reconciler)
		c.closers = append(c.closers, func(context.Context) error {
			local.Close()
			return nil
		})
		c.workers = append(c.workers, Worker{Name: "local_event_queue", Run: local.Run})
		return nil
	}
	subscriber, err := jobs.NewEventSubscriber(client.Subscription(c.Config.PubSub.WebhookSubscription), reconciler, c.Logger)
	if err != nil {
		return fmt.Errorf("build webhook subscriber: %w", err)
	}
	c.workers = append(c.workers, Worker{Name: "webhook_subscriber", Run: subscriber.Run})
	return nil
}

type serviceInfra struct {
	gateways *payments.Manager
	alerter  services.OperatorAlerter
	notifier services.Notifier
	queue    services.EventQueue
	archive  services.PayloadArchive
	metrics  services.Metrics
	logger   func(context.Context, string, map[string]any)
	clock    func() time.Time
}

func buildServices(cfg config.Config, reg repositories.Registry, infra serviceInfra) (Services, error) {
	scheduler, err := services.NewRetryScheduler(services.RetrySchedulerDeps{
		Jobs:           reg.RetryJobs(),
		Alerter:        infra.alerter,
		Metrics:        infra.metrics,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		BatchSize:      cfg.Retry.BatchSize,
		Clock:          infra.clock,
		Logger:         infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build retry scheduler: %w", err)
	}
	ledger, err := services.NewStockLedger(services.StockLedgerDeps{
		Stock:   reg.Stock(),
		Retry:   scheduler,
		Alerter: infra.alerter,
		Metrics: infra.metrics,
		Clock:   infra.clock,
		Logger:  infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}
	coupons, err := services.NewCouponEngine(services.CouponEngineDeps{
		Coupons: reg.Coupons(),
		Clock:   infra.clock,
		Logger:  infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon engine: %w", err)
	}
	txns, err := services.NewTransactionLog(services.TransactionLogDeps{
		Transactions: reg.Transactions(),
		Clock:        infra.clock,
		Logger:       infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build transaction log: %w", err)
	}
	catalog, err := services.NewCatalogReader(reg.Products())
	if err != nil {
		return Services{}, fmt.Errorf("build catalog reader: %w", err)
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:       reg.Orders(),
		Catalog:      catalog,
		Stock:        ledger,
		Coupons:      coupons,
		Transactions: txns,
		Gateways:     infra.gateways,
		Retry:        scheduler,
		Notifier:     infra.notifier,
		Alerter:      infra.alerter,
		Metrics:      infra.metrics,
		Currency:     cfg.PSP.Currency,
		Clock:        infra.clock,
		Logger:       infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	refunds, err := services.NewRefundProcessor(services.RefundProcessorDeps{
		Orders:             reg.Orders(),
		Transactions:       txns,
		Gateways:           infra.gateways,
		Retry:              scheduler,
		Notifier:           infra.notifier,
		Alerter:            infra.alerter,
		Metrics:            infra.metrics,
		QueueFailedRefunds: cfg.Retry.RefundRetry,
		Clock:              infra.clock,
		Logger:             infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build refund processor: %w", err)
	}
	reconciler, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{
		Verifiers:    infra.gateways,
		Queue:        infra.queue,
		Archive:      infra.archive,
		Transactions: txns,
		Orders:       orders,
		Alerter:      infra.alerter,
		Metrics:      infra.metrics,
		Clock:        infra.clock,
		Logger:       infra.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook reconciler: %w", err)
	}
	services.RegisterRetryHandlers(scheduler, ledger, refunds)

	return Services{
		Orders:       orders,
		Refunds:      refunds,
		Reconciler:   reconciler,
		Retries:      scheduler,
		Ledger:       ledger,
		Coupons:      coupons,
		Transactions: txns,
	}, nil
}
