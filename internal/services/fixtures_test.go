package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/repositories"
	"github.com/vitrine/fulfillment/internal/repositories/memory"
)

var (
	keyOil500  = domain.StockKey{ProductID: "oil", VariantID: "500ml"}
	keyOil1L   = domain.StockKey{ProductID: "oil", VariantID: "1l"}
	keyVinegar = domain.StockKey{ProductID: "vinegar", VariantID: "250ml"}
	keyBasket  = domain.StockKey{ProductID: "basket", VariantID: "std"}
)

var testAddress = domain.Address{
	Recipient:  "Aiko Tanaka",
	Line1:      "1-2-3 Shibuya",
	City:       "Tokyo",
	PostalCode: "150-0002",
	Country:    "jp",
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedGateway struct {
	mu         sync.Mutex
	name       string
	status     payments.Status
	chargeErr  error
	refundErrs []error
	declined   bool
	charges    int
	refunds    int
	lastRefund payments.RefundRequest
}

func (g *scriptedGateway) Name() string { return g.name }

func (g *scriptedGateway) Charge(_ context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	if g.chargeErr != nil {
		return payments.ChargeResult{}, g.chargeErr
	}
	return payments.ChargeResult{
		Status:               g.status,
		GatewayTransactionID: fmt.Sprintf("pi_%d_%s", g.charges, req.OrderID),
		ReceiptURL:           "https://pay.example.com/receipts/" + req.OrderID,
		Raw:                  map[string]string{"idempotency_key": req.IdempotencyKey},
	}, nil
}

func (g *scriptedGateway) Refund(_ context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	g.lastRefund = req
	if len(g.refundErrs) > 0 {
		err := g.refundErrs[0]
		g.refundErrs = g.refundErrs[1:]
		if err != nil {
			return payments.RefundResult{}, err
		}
	}
	if g.declined {
		return payments.RefundResult{Success: false}, nil
	}
	return payments.RefundResult{Success: true, RefundID: fmt.Sprintf("re_%d", g.refunds)}, nil
}

type staticVerifier struct {
	event domain.GatewayEvent
	err   error
}

func (v *staticVerifier) Verify(context.Context, *http.Request, []byte) (domain.GatewayEvent, error) {
	return v.event, v.err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *recordingAlerter) Alert(_ context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification.Event)
	return nil
}

func (n *recordingNotifier) has(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type recordingQueue struct {
	mu     sync.Mutex
	events []GatewayEvent
	err    error
}

func (q *recordingQueue) Enqueue(_ context.Context, event GatewayEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	clock      *testClock
	store      *memory.Store
	gateway    *scriptedGateway
	verifier   *staticVerifier
	alerts     *recordingAlerter
	notifier   *recordingNotifier
	queue      *recordingQueue
	ledger     StockLedger
	coupons    CouponEngine
	txns       TransactionLog
	orders     OrderService
	refunds    RefundProcessor
	scheduler  RetryScheduler
	reconciler WebhookReconciler
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	orders func(repositories.OrderRepository) repositories.OrderRepository
	stock  func(repositories.StockRepository) repositories.StockRepository
	txns   func(repositories.TransactionRepository) repositories.TransactionRepository
	opts   []memory.Option
}

func withOrderRepo(wrap func(repositories.OrderRepository) repositories.OrderRepository) fixtureOption {
	return func(c *fixtureConfig) { c.orders = wrap }
}

func withStockRepo(wrap func(repositories.StockRepository) repositories.StockRepository) fixtureOption {
	return func(c *fixtureConfig) { c.stock = wrap }
}

func withTransactionRepo(wrap func(repositories.TransactionRepository) repositories.TransactionRepository) fixtureOption {
	return func(c *fixtureConfig) { c.txns = wrap }
}

func withStoreOptions(opts ...memory.Option) fixtureOption {
	return func(c *fixtureConfig) { c.opts = append(c.opts, opts...) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := &testClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore(append([]memory.Option{memory.WithClock(clock.Now)}, cfg.opts...)...)
	store.PutProduct(domain.Product{
		ID:               "oil",
		Name:             "Olive oil",
		IsActive:         true,
		Variants:         []domain.Variant{{ID: "500ml", Price: 20}, {ID: "1l", Price: 35}},
		PackagingOptions: []string{"standard", "gift"},
	})
	store.PutProduct(domain.Product{
		ID:       "vinegar",
		Name:     "Balsamic vinegar",
		IsActive: true,
		Variants: []domain.Variant{{ID: "250ml", Price: 30}},
	})
	store.PutProduct(domain.Product{
		ID:       "basket",
		Name:     "Gift basket",
		IsActive: true,
		Variants: []domain.Variant{{ID: "std", Price: 100}},
	})
	store.PutProduct(domain.Product{ID: "retired", Name: "Retired", Variants: []domain.Variant{{ID: "x", Price: 5}}})
	store.PutStock(keyOil500, 10)
	store.PutStock(keyOil1L, 5)
	store.PutStock(keyVinegar, 1)
	store.PutStock(keyBasket, 5)

	f := &fixture{
		clock:    clock,
		store:    store,
		gateway:  &scriptedGateway{name: payments.GatewayStripe, status: payments.StatusSucceeded},
		verifier: &staticVerifier{},
		alerts:   &recordingAlerter{},
		notifier: &recordingNotifier{},
		queue:    &recordingQueue{},
	}

	manager, err := payments.NewManager(
		[]payments.Gateway{f.gateway, payments.NewOfflineGateway(nil)},
		payments.WithMethodRoute(domain.PaymentMethodBankTransfer, payments.GatewayOffline),
		payments.WithMethodRoute(domain.PaymentMethodCashOnDelivery, payments.GatewayOffline),
		payments.WithVerifier(payments.GatewayStripe, f.verifier),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var orderRepo repositories.OrderRepository = store.Orders()
	if cfg.orders != nil {
		orderRepo = cfg.orders(orderRepo)
	}
	var stockRepo repositories.StockRepository = store.Stock()
	if cfg.stock != nil {
		stockRepo = cfg.stock(stockRepo)
	}

	var txnRepo repositories.TransactionRepository = store.Transactions()
	if cfg.txns != nil {
		txnRepo = cfg.txns(txnRepo)
	}

	f.scheduler = mustBuild[RetryScheduler](t)(NewRetryScheduler(RetrySchedulerDeps{
		Jobs:           store.RetryJobs(),
		Alerter:        f.alerts,
		MaxAttempts:    3,
		InitialBackoff: time.Minute,
		MaxBackoff:     10 * time.Minute,
		Clock:          clock.Now,
	}))
	f.ledger = mustBuild[StockLedger](t)(NewStockLedger(StockLedgerDeps{
		Stock:   stockRepo,
		Retry:   f.scheduler,
		Alerter: f.alerts,
		Sleep:   noSleep,
		Clock:   clock.Now,
	}))
	f.coupons = mustBuild[CouponEngine](t)(NewCouponEngine(CouponEngineDeps{Coupons: store.Coupons(), Clock: clock.Now}))
	f.txns = mustBuild[TransactionLog](t)(NewTransactionLog(TransactionLogDeps{Transactions: txnRepo, Clock: clock.Now}))
	catalog := mustBuild[CatalogReader](t)(NewCatalogReader(store.Products()))
	f.orders = mustBuild[OrderService](t)(NewOrderService(OrderServiceDeps{
		Orders:       orderRepo,
		Catalog:      catalog,
		Stock:        f.ledger,
		Coupons:      f.coupons,
		Transactions: f.txns,
		Gateways:     manager,
		Retry:        f.scheduler,
		Notifier:     f.notifier,
		Alerter:      f.alerts,
		Clock:        clock.Now,
	}))
	f.refunds = mustBuild[RefundProcessor](t)(NewRefundProcessor(RefundProcessorDeps{
		Orders:             orderRepo,
		Transactions:       f.txns,
		Gateways:           manager,
		Retry:              f.scheduler,
		Notifier:           f.notifier,
		Alerter:            f.alerts,
		QueueFailedRefunds: true,
		Clock:              clock.Now,
	}))
	f.reconciler = mustBuild[WebhookReconciler](t)(NewWebhookReconciler(WebhookReconcilerDeps{
		Verifiers:    manager,
		Queue:        f.queue,
		Transactions: f.txns,
		Orders:       f.orders,
		Alerter:      f.alerts,
		Clock:        clock.Now,
	}))
	RegisterRetryHandlers(f.scheduler, f.ledger, f.refunds)
	return f
}

func mustBuild[T any](t *testing.T) func(T, error) T {
	return func(v T, err error) T {
		t.Helper()
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return v
	}
}

func (f *fixture) stock(t *testing.T, key domain.StockKey) int64 {
	t.Helper()
	entry, err := f.store.Stock().Get(context.Background(), key)
	if err != nil {
		t.Fatalf("stock %s: %v", key, err)
	}
	return entry.Quantity
}

func (f *fixture) paymentTxn(t *testing.T, orderID string) Transaction {
	t.Helper()
	txns, err := f.txns.ListByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	for _, txn := range txns {
		if txn.Kind == domain.TransactionKindPayment {
			return txn
		}
	}
	t.Fatalf("order %s has no payment transaction", orderID)
	return Transaction{}
}

func (f *fixture) createOrder(t *testing.T, method domain.PaymentMethod, items ...OrderItemInput) Order {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      "cus_1",
		CustomerEmail:   "aiko@example.com",
		Items:           items,
		ShippingAddress: testAddress,
		PaymentMethod:   method,
		PaymentToken:    "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func item(key domain.StockKey, qty int64) OrderItemInput {
	return OrderItemInput{ProductID: key.ProductID, VariantID: key.VariantID, Quantity: qty}
}
