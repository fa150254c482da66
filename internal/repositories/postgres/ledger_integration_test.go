package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/config"
	"github.com/vitrine/fulfillment/internal/repositories"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("API_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("API_TEST_POSTGRES_DSN not set")
	}
	db, err := Open(config.PostgresConfig{DSN: dsn, MaxOpenConns: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = Migrate(db)
	require.NoError(t, err)
	return db
}

func TestStockDeductNeverOversells(t *testing.T) {
	db := openTestDB(t)
	repo := NewStockRepository(db)
	ctx := context.Background()

	key := domain.StockKey{ProductID: "prod_" + ulid.Make().String(), VariantID: "std"}
	_, err := repo.Restore(ctx, key, 10)
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Deduct(ctx, key, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if repositories.IsStockError(err, repositories.StockErrorInsufficient) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 15, rejected)
	entry, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, entry.Quantity)
}

func TestStockGetMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := NewStockRepository(db).Get(context.Background(), domain.StockKey{ProductID: "missing", VariantID: ulid.Make().String()})
	assert.True(t, repositories.IsStockError(err, repositories.StockErrorNotFound))
}

func TestCouponRedeemRespectsCap(t *testing.T) {
	db := openTestDB(t)
	repo := NewCouponRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	code := "CAP" + ulid.Make().String()
	require.NoError(t, repo.UpsertCoupon(ctx, domain.Coupon{
		Code: code, DiscountType: domain.DiscountTypeFixed, Value: 500, MaxUses: 2, Active: true,
	}))

	_, err := repo.Redeem(ctx, code, now)
	require.NoError(t, err)
	capped, err := repo.Redeem(ctx, code, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), capped.UsedCount)
	assert.False(t, capped.Active)

	_, err = repo.Redeem(ctx, code, now)
	assert.True(t, repositories.IsCouponError(err, repositories.CouponErrorExhausted))

	released, err := repo.Release(ctx, code, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released.UsedCount)
	assert.True(t, released.Active)
}

func TestCouponRedeemInactive(t *testing.T) {
	db := openTestDB(t)
	repo := NewCouponRepository(db)
	ctx := context.Background()

	code := "OFF" + ulid.Make().String()
	require.NoError(t, repo.UpsertCoupon(ctx, domain.Coupon{Code: code, DiscountType: domain.DiscountTypePercentage, Value: 10}))

	_, err := repo.Redeem(ctx, code, time.Now())
	assert.True(t, repositories.IsCouponError(err, repositories.CouponErrorInactive))

	_, err = repo.Redeem(ctx, "NOPE"+ulid.Make().String(), time.Now())
	assert.True(t, repositories.IsCouponError(err, repositories.CouponErrorNotFound))
}
