package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/textutil"
	"github.com/vitrine/fulfillment/internal/repositories"
)

// CouponEngineDeps bundles the collaborators required to construct a coupon engine.
type CouponEngineDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponEngine struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewCouponEngine wires dependencies into a CouponEngine implementation.
func NewCouponEngine(deps CouponEngineDeps) (CouponEngine, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon engine: coupon repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &couponEngine{
		repo:   deps.Coupons,
		clock:  utcClock(deps.Clock),
		logger: logger,
	}, nil
}

// Normalize folds full-width characters, strips spaces and upper-cases the code.
func (e *couponEngine) Normalize(code string) string {
	return textutil.NormalizeCode(code)
}

func (e *couponEngine) Validate(ctx context.Context, code string) (Coupon, error) {
	normalized := e.Normalize(code)
	if normalized == "" {
		return Coupon{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalid)
	}
	coupon, err := e.repo.FindByCode(ctx, normalized)
	if err != nil {
		return Coupon{}, mapCouponError(err, normalized)
	}

	now := e.clock()
	switch {
	case coupon.Exhausted():
		return Coupon{}, fmt.Errorf("%w: %s", ErrCouponExhausted, normalized)
	case !coupon.Active:
		return Coupon{}, fmt.Errorf("%w: %s is inactive", ErrCouponInvalid, normalized)
	case coupon.ExpiresAt != nil && !now.Before(*coupon.ExpiresAt):
		return Coupon{}, fmt.Errorf("%w: %s", ErrCouponExpired, normalized)
	case coupon.StartsAt != nil && now.Before(*coupon.StartsAt):
		return Coupon{}, fmt.Errorf("%w: %s is not active yet", ErrCouponInvalid, normalized)
	}
	switch coupon.DiscountType {
	case domain.DiscountTypePercentage, domain.DiscountTypeFixed:
	default:
		return Coupon{}, fmt.Errorf("%w: %s has unsupported discount type", ErrCouponInvalid, normalized)
	}
	return coupon, nil
}

func (e *couponEngine) Apply(coupon Coupon, subtotal int64) int64 {
	return domain.CouponDiscount(coupon, subtotal)
}

func (e *couponEngine) Redeem(ctx context.Context, code string) (Coupon, error) {
	normalized := e.Normalize(code)
	coupon, err := e.repo.Redeem(ctx, normalized, e.clock())
	if err != nil {
		return Coupon{}, mapCouponError(err, normalized)
	}
	e.logger(ctx, "coupon.redeemed", map[string]any{"code": normalized, "usedCount": coupon.UsedCount})
	return coupon, nil
}

func (e *couponEngine) Release(ctx context.Context, code string) error {
	normalized := e.Normalize(code)
	if normalized == "" {
		return nil
	}
	coupon, err := e.repo.Release(ctx, normalized, e.clock())
	if err != nil {
		e.logger(ctx, "coupon.release.failed", map[string]any{"code": normalized, "error": err.Error()})
		return mapCouponError(err, normalized)
	}
	e.logger(ctx, "coupon.released", map[string]any{"code": normalized, "usedCount": coupon.UsedCount})
	return nil
}

func mapCouponError(err error, code string) error {
	switch {
	case repositories.IsCouponError(err, repositories.CouponErrorNotFound):
		return fmt.Errorf("%w: %s not found", ErrCouponInvalid, code)
	case repositories.IsCouponError(err, repositories.CouponErrorInactive):
		return fmt.Errorf("%w: %s is inactive", ErrCouponInvalid, code)
	case repositories.IsCouponError(err, repositories.CouponErrorExhausted):
		return fmt.Errorf("%w: %s", ErrCouponExhausted, code)
	}
	if isRepoNotFound(err) {
		return fmt.Errorf("%w: %s not found", ErrCouponInvalid, code)
	}
	return translateRepoError(err, nil, nil)
}
