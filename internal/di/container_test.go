package di

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/platform/config"
	"github.com/vitrine/fulfillment/internal/repositories/memory"
	"github.com/vitrine/fulfillment/internal/services"
)

func memoryConfig() config.Config {
	return config.Config{
		Persistence:   config.PersistenceConfig{Driver: config.DriverMemory, LedgerDriver: config.DriverMemory},
		PSP:           config.PSPConfig{Currency: "JPY", MaxAttempts: 3},
		Notifications: config.NotificationConfig{Transport: config.TransportLog},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			PollInterval:   time.Second,
			BatchSize:      10,
			RefundRetry:    true,
		},
	}
}

func TestNewContainer_MemoryDriver(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutProduct(domain.Product{
		ID:       "oil",
		Name:     "Olive oil",
		IsActive: true,
		Variants: []domain.Variant{{ID: "500ml", Price: 20}},
	})
	store.PutStock(domain.StockKey{ProductID: "oil", VariantID: "500ml"}, 4)

	c, err := NewContainer(ctx, memoryConfig(), zap.NewNop(), WithRegistry(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	require.NotNil(t, c.Services.Orders)
	require.NotNil(t, c.Services.Refunds)
	require.NotNil(t, c.Services.Reconciler)
	require.NotNil(t, c.Services.Retries)
	require.NotNil(t, c.Idempotency)
	require.NotNil(t, c.Authenticator)

	var names []string
	for _, w := range c.Workers() {
		names = append(names, w.Name)
	}
	assert.ElementsMatch(t, []string{"local_event_queue", "retry_runner"}, names)

	gateway, err := c.Payments.ForMethod(domain.PaymentMethodCard)
	require.NoError(t, err)
	assert.Equal(t, payments.GatewayOffline, gateway.Name())

	report, err := c.Health.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusOK, report.Status)

	order, err := c.Services.Orders.CreateOrder(ctx, services.CreateOrderCommand{
		CustomerID:    "cus_1",
		CustomerEmail: "aiko@example.com",
		Items:         []services.OrderItemInput{{ProductID: "oil", VariantID: "500ml", Quantity: 2}},
		ShippingAddress: domain.Address{
			Recipient:  "Aiko Tanaka",
			Line1:      "1-2-3 Shibuya",
			City:       "Tokyo",
			PostalCode: "150-0002",
			Country:    "jp",
		},
		PaymentMethod: domain.PaymentMethodBankTransfer,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, int64(40), order.Total)

	stored, err := c.Repositories.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)
}

func TestNewContainer_BuildsMemoryRegistryFromConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Crypto.TransactionKey = "local-transaction-key-0123456789"

	c, err := NewContainer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, ok := c.Repositories.(*memory.Store)
	assert.True(t, ok, "expected the in-memory registry, got %T", c.Repositories)
}

func TestNewContainer_SplitLedgerDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Persistence.Driver = config.DriverMemory
	cfg.Persistence.LedgerDriver = "etcd"

	_, err := NewContainer(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ledger driver")
}

func TestNewContainer_RejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Persistence.Driver = "mysql"

	_, err := NewContainer(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported persistence driver")
}

func TestLedgerRegistryOverridesCounters(t *testing.T) {
	base := memory.NewStore()
	ledger := memory.NewStore()
	ledger.PutStock(domain.StockKey{ProductID: "oil", VariantID: "500ml"}, 9)

	reg := &ledgerRegistry{Registry: base, stock: ledger.Stock(), coupons: ledger.Coupons()}
	entry, err := reg.Stock().Get(context.Background(), domain.StockKey{ProductID: "oil", VariantID: "500ml"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), entry.Quantity)
	assert.NoError(t, reg.Close(context.Background()))
}

func TestNewContainer_RequiresDurableQueueOutsideLocal(t *testing.T) {
	cfg := memoryConfig()
	cfg.Security.Environment = "prod"

	_, err := NewContainer(context.Background(), cfg, zap.NewNop(), WithRegistry(memory.NewStore()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "durable queue")
}
