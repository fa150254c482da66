package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/crypto"
	"github.com/vitrine/fulfillment/internal/repositories"
)

func TestStockDeductNeverGoesNegative(t *testing.T) {
	store := NewStore()
	key := domain.StockKey{ProductID: "prod_1", VariantID: "var_1"}
	store.PutStock(key, 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Stock().Deduct(context.Background(), key, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.True(t, repositories.IsStockError(err, repositories.StockErrorInsufficient))
			}
		}()
	}
	wg.Wait()

	entry, err := store.Stock().Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, int64(0), entry.Quantity)
}

func TestCouponRedeemDeactivatesAtCapAndReleaseReactivates(t *testing.T) {
	store := NewStore()
	store.PutCoupon(domain.Coupon{Code: "SPRING", DiscountType: domain.DiscountTypeFixed, Value: 100, MaxUses: 1, Active: true})
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	coupon, err := store.Coupons().Redeem(context.Background(), "SPRING", now)
	require.NoError(t, err)
	assert.False(t, coupon.Active)
	assert.Equal(t, int64(1), coupon.UsedCount)

	_, err = store.Coupons().Redeem(context.Background(), "SPRING", now)
	assert.True(t, repositories.IsCouponError(err, repositories.CouponErrorExhausted))

	coupon, err = store.Coupons().Release(context.Background(), "SPRING", now)
	require.NoError(t, err)
	assert.True(t, coupon.Active)
	assert.Equal(t, int64(0), coupon.UsedCount)
}

func TestOrderUpdateIsVersionChecked(t *testing.T) {
	store := NewStore()
	order := domain.Order{ID: "ord_1", Status: domain.OrderStatusPending, Version: 1}
	require.NoError(t, store.Orders().Insert(context.Background(), order))

	order.Status = domain.OrderStatusProcessing
	updated, err := store.Orders().Update(context.Background(), order, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.Orders().Update(context.Background(), order, 1)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())
}

func TestTransactionsAreSealedAtRest(t *testing.T) {
	cipher, err := crypto.NewFieldCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	store := NewStore(WithCipher(cipher))
	ctx := context.Background()

	txn := domain.Transaction{
		ID:                   "txn_1",
		OrderID:              "ord_1",
		Kind:                 domain.TransactionKindPayment,
		Status:               domain.TransactionStatusPending,
		GatewayTransactionID: "pi_12345",
		ReceiptURL:           "https://pay.example.com/r/1",
		CreatedAt:            time.Now(),
	}
	require.NoError(t, store.Transactions().Append(ctx, txn))

	raw, ok := store.RawTransaction("txn_1")
	require.True(t, ok)
	assert.NotEqual(t, "pi_12345", raw.GatewayTransactionID)
	assert.NotContains(t, raw.ReceiptURL, "example.com")

	found, err := store.Transactions().FindByGatewayID(ctx, "pi_12345")
	require.NoError(t, err)
	assert.Equal(t, "txn_1", found.ID)
	assert.Equal(t, "pi_12345", found.GatewayTransactionID)

	dup := txn
	dup.ID = "txn_2"
	err = store.Transactions().Append(ctx, dup)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())
}

func TestTransactionUpdateChecksExpectedStatus(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.Transactions().Append(ctx, domain.Transaction{ID: "txn_1", Status: domain.TransactionStatusPending}))

	mark := func(txn *domain.Transaction) error {
		txn.Status = domain.TransactionStatusCompleted
		txn.History = append(txn.History, domain.TransactionEvent{Status: domain.TransactionStatusCompleted})
		return nil
	}
	updated, err := store.Transactions().Update(ctx, "txn_1", domain.TransactionStatusPending, mark)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, updated.Status)
	assert.Len(t, updated.History, 1)

	_, err = store.Transactions().Update(ctx, "txn_1", domain.TransactionStatusPending, mark)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())
}

func TestRetryJobsListDueOrdersByNextRun(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RetryJobs().Insert(ctx, domain.RetryJob{ID: "b", Status: domain.RetryJobQueued, NextRunAt: now.Add(-time.Minute)}))
	require.NoError(t, store.RetryJobs().Insert(ctx, domain.RetryJob{ID: "a", Status: domain.RetryJobQueued, NextRunAt: now.Add(-time.Hour)}))
	require.NoError(t, store.RetryJobs().Insert(ctx, domain.RetryJob{ID: "later", Status: domain.RetryJobQueued, NextRunAt: now.Add(time.Hour)}))
	require.NoError(t, store.RetryJobs().Insert(ctx, domain.RetryJob{ID: "done", Status: domain.RetryJobSucceeded, NextRunAt: now.Add(-time.Hour)}))

	due, err := store.RetryJobs().ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
}

func TestRetryJobsClaimIsCompareAndSwap(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	job := domain.RetryJob{ID: "job_1", Status: domain.RetryJobQueued, NextRunAt: now}
	require.NoError(t, store.RetryJobs().Insert(ctx, job))

	claimed, err := store.RetryJobs().Claim(ctx, job, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.RetryJobRunning, claimed.Status)
	assert.Equal(t, now.Add(time.Minute), claimed.NextRunAt)

	_, err = store.RetryJobs().Claim(ctx, job, now.Add(time.Minute))
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	due, err := store.RetryJobs().ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.RetryJobs().ListDue(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	_, err = store.RetryJobs().Claim(ctx, due[0], now.Add(2*time.Minute))
	assert.NoError(t, err)
}
