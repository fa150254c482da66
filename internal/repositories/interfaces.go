package repositories

import (
	"context"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Stock() StockRepository
	Coupons() CouponRepository
	Transactions() TransactionRepository
	Products() ProductRepository
	RetryJobs() RetryJobRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders. Update is a compare-and-swap on Version: it succeeds only when
// the stored version equals expectedVersion and stores the order with Version expectedVersion+1.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error)
}

// StockRepository mutates per-variant quantities atomically at the storage layer.
type StockRepository interface {
	Get(ctx context.Context, key domain.StockKey) (domain.StockEntry, error)
	// Deduct decrements only when the current quantity covers qty. Returns a StockError with
	// StockErrorInsufficient otherwise.
	Deduct(ctx context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error)
	// Restore increments unconditionally, creating the entry when missing.
	Restore(ctx context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error)
}

// CouponRepository stores coupons and their redemption counters.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	// Redeem increments UsedCount when the coupon is active and below its cap, deactivating it
	// when the cap is reached. Returns a CouponError otherwise.
	Redeem(ctx context.Context, code string, now time.Time) (domain.Coupon, error)
	// Release undoes one redemption and reactivates a coupon that was deactivated by its cap.
	Release(ctx context.Context, code string, now time.Time) (domain.Coupon, error)
}

// TransactionRepository is the append-only payment log. Implementations encrypt the gateway
// transaction id and receipt url at rest and index the gateway id for lookups.
type TransactionRepository interface {
	Append(ctx context.Context, txn domain.Transaction) error
	FindByID(ctx context.Context, txnID string) (domain.Transaction, error)
	FindByGatewayID(ctx context.Context, gatewayTxnID string) (domain.Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error)
	// Update applies mutate to the stored transaction when its status equals expected. The
	// mutation must append to History rather than rewrite it.
	Update(ctx context.Context, txnID string, expected domain.TransactionStatus, mutate func(*domain.Transaction) error) (domain.Transaction, error)
}

// ProductRepository is the read path into the catalog.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// RetryJobRepository persists deferred work.
type RetryJobRepository interface {
	Insert(ctx context.Context, job domain.RetryJob) error
	// ListDue returns queued jobs and running jobs with an expired lease whose NextRunAt is not
	// after now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryJob, error)
	// Claim marks job running until leaseUntil, provided the stored job still carries the
	// status, attempt and NextRunAt it was listed with. A lost claim is a conflict.
	Claim(ctx context.Context, job domain.RetryJob, leaseUntil time.Time) (domain.RetryJob, error)
	Save(ctx context.Context, job domain.RetryJob) error
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// FieldCipher encrypts sensitive transaction fields on write and decrypts them on read. Index
// returns a deterministic keyed digest used to look up and deduplicate encrypted values.
type FieldCipher interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
	Index(plaintext string) string
}
