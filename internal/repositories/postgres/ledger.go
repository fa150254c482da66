package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/repositories"
)

type stockRow struct {
	ProductID string    `db:"product_id"`
	VariantID string    `db:"variant_id"`
	Quantity  int64     `db:"quantity"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r stockRow) toDomain() domain.StockEntry {
	return domain.StockEntry{
		Key:       domain.StockKey{ProductID: r.ProductID, VariantID: r.VariantID},
		Quantity:  r.Quantity,
		UpdatedAt: r.UpdatedAt,
	}
}

// StockRepository implements repositories.StockRepository.
type StockRepository struct {
	db *sqlx.DB
}

// NewStockRepository binds the repository to db.
func NewStockRepository(db *sqlx.DB) *StockRepository {
	return &StockRepository{db: db}
}

// Get returns the entry for key.
func (r *StockRepository) Get(ctx context.Context, key domain.StockKey) (domain.StockEntry, error) {
	var row stockRow
	err := r.db.GetContext(ctx, &row,
		`SELECT product_id, variant_id, quantity, updated_at FROM stock_entries WHERE product_id = $1 AND variant_id = $2`,
		key.ProductID, key.VariantID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorNotFound, "no stock entry for "+key.String(), nil)
	}
	if err != nil {
		return domain.StockEntry{}, wrapError("stock.get", err)
	}
	return row.toDomain(), nil
}

// Deduct is one guarded UPDATE; zero affected rows means the quantity did not cover qty.
func (r *StockRepository) Deduct(ctx context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error) {
	if qty <= 0 {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "quantity must be positive", nil)
	}
	var row stockRow
	err := r.db.GetContext(ctx, &row,
		`UPDATE stock_entries SET quantity = quantity - $3, updated_at = now()
		 WHERE product_id = $1 AND variant_id = $2 AND quantity >= $3
		 RETURNING product_id, variant_id, quantity, updated_at`,
		key.ProductID, key.VariantID, qty)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInsufficient, fmt.Sprintf("insufficient stock for %s", key), nil)
	}
	if err != nil {
		return domain.StockEntry{}, wrapError("stock.deduct", err)
	}
	return row.toDomain(), nil
}

// Restore upserts and increments.
func (r *StockRepository) Restore(ctx context.Context, key domain.StockKey, qty int64) (domain.StockEntry, error) {
	if qty <= 0 {
		return domain.StockEntry{}, repositories.NewStockError(repositories.StockErrorInvalidInput, "quantity must be positive", nil)
	}
	var row stockRow
	err := r.db.GetContext(ctx, &row,
		`INSERT INTO stock_entries (product_id, variant_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (product_id, variant_id)
		 DO UPDATE SET quantity = stock_entries.quantity + EXCLUDED.quantity, updated_at = now()
		 RETURNING product_id, variant_id, quantity, updated_at`,
		key.ProductID, key.VariantID, qty)
	if err != nil {
		return domain.StockEntry{}, wrapError("stock.restore", err)
	}
	return row.toDomain(), nil
}

type couponRow struct {
	Code         string       `db:"code"`
	DiscountType string       `db:"discount_type"`
	Value        int64        `db:"value"`
	MaxUses      int64        `db:"max_uses"`
	UsedCount    int64        `db:"used_count"`
	Active       bool         `db:"active"`
	StartsAt     sql.NullTime `db:"starts_at"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r couponRow) toDomain() domain.Coupon {
	coupon := domain.Coupon{
		Code:         r.Code,
		DiscountType: domain.DiscountType(r.DiscountType),
		Value:        r.Value,
		MaxUses:      r.MaxUses,
		UsedCount:    r.UsedCount,
		Active:       r.Active,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.StartsAt.Valid {
		t := r.StartsAt.Time
		coupon.StartsAt = &t
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		coupon.ExpiresAt = &t
	}
	return coupon
}

const couponColumns = `code, discount_type, value, max_uses, used_count, active, starts_at, expires_at, updated_at`

// CouponRepository implements repositories.CouponRepository.
type CouponRepository struct {
	db *sqlx.DB
}

// NewCouponRepository binds the repository to db.
func NewCouponRepository(db *sqlx.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// FindByCode loads a coupon.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	var row couponRow
	err := r.db.GetContext(ctx, &row, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
	}
	if err != nil {
		return domain.Coupon{}, wrapError("coupons.find", err)
	}
	return row.toDomain(), nil
}

// Redeem increments used_count only while the coupon is active and below its cap, and
// deactivates it in the same statement when the cap is reached.
func (r *CouponRepository) Redeem(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	var row couponRow
	err := r.db.GetContext(ctx, &row,
		`UPDATE coupons
		 SET used_count = used_count + 1,
		     active = NOT (max_uses > 0 AND used_count + 1 >= max_uses),
		     updated_at = $2
		 WHERE code = $1 AND active AND (max_uses = 0 OR used_count < max_uses)
		 RETURNING `+couponColumns,
		code, utc(now))
	if errors.Is(err, sql.ErrNoRows) {
		current, findErr := r.FindByCode(ctx, code)
		if findErr != nil {
			return domain.Coupon{}, findErr
		}
		if current.Exhausted() {
			return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorExhausted, "coupon "+code+" exhausted")
		}
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorInactive, "coupon "+code+" inactive")
	}
	if err != nil {
		return domain.Coupon{}, wrapError("coupons.redeem", err)
	}
	return row.toDomain(), nil
}

// Release undoes one redemption, reactivating a coupon that its cap had switched off.
func (r *CouponRepository) Release(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	var row couponRow
	err := r.db.GetContext(ctx, &row,
		`UPDATE coupons
		 SET used_count = GREATEST(used_count - 1, 0),
		     active = active OR (max_uses > 0 AND used_count >= max_uses),
		     updated_at = $2
		 WHERE code = $1
		 RETURNING `+couponColumns,
		code, utc(now))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
	}
	if err != nil {
		return domain.Coupon{}, wrapError("coupons.release", err)
	}
	return row.toDomain(), nil
}

// Ping checks connectivity for readiness probes.
func Ping(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}

func wrapError(op string, err error) error {
	storeErr := &repositories.StoreError{Op: op, Err: err}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			storeErr.Conflict = true
		case "08", "53", "57":
			storeErr.Unavailable = true
		case "40":
			storeErr.Conflict = true
		}
		return storeErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		storeErr.Unavailable = true
	}
	return storeErr
}

// UpsertCoupon writes a coupon definition. Counters are overwritten, so callers use it for
// seeding and catalog sync only.
func (r *CouponRepository) UpsertCoupon(ctx context.Context, coupon domain.Coupon) error {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO coupons (`+couponColumns+`)
		 VALUES (:code, :discount_type, :value, :max_uses, :used_count, :active, :starts_at, :expires_at, :updated_at)
		 ON CONFLICT (code) DO UPDATE SET
		   discount_type = EXCLUDED.discount_type, value = EXCLUDED.value, max_uses = EXCLUDED.max_uses,
		   used_count = EXCLUDED.used_count, active = EXCLUDED.active, starts_at = EXCLUDED.starts_at,
		   expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		newCouponRow(coupon))
	if err != nil {
		return wrapError("coupons.upsert", err)
	}
	return nil
}

func newCouponRow(c domain.Coupon) couponRow {
	row := couponRow{
		Code:         c.Code,
		DiscountType: string(c.DiscountType),
		Value:        c.Value,
		MaxUses:      c.MaxUses,
		UsedCount:    c.UsedCount,
		Active:       c.Active,
		UpdatedAt:    c.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if c.StartsAt != nil {
		row.StartsAt = sql.NullTime{Time: *c.StartsAt, Valid: true}
	}
	if c.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *c.ExpiresAt, Valid: true}
	}
	return row
}
