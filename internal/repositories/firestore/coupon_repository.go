package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/vitrine/fulfillment/internal/domain"
	pfirestore "github.com/vitrine/fulfillment/internal/platform/firestore"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const couponsCollection = "coupons"

// CouponRepository stores coupons keyed by normalised code.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.Collection[couponDocument]
}

// NewCouponRepository constructs the repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		provider: provider,
		coupons:  pfirestore.NewCollection[couponDocument](provider, couponsCollection),
	}, nil
}

// FindByCode loads a coupon.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	doc, err := r.coupons.Get(ctx, code)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Coupon{}, repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
		}
		return domain.Coupon{}, err
	}
	return doc.toDomain(code), nil
}

// Redeem increments the usage counter inside a transaction.
func (r *CouponRepository) Redeem(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	return r.mutate(ctx, "coupons.redeem", code, func(doc *couponDocument) error {
		coupon := doc.toDomain(code)
		switch {
		case coupon.Exhausted():
			return repositories.NewCouponError(repositories.CouponErrorExhausted, "coupon "+code+" exhausted")
		case !coupon.Active:
			return repositories.NewCouponError(repositories.CouponErrorInactive, "coupon "+code+" inactive")
		}
		doc.UsedCount++
		if doc.MaxUses > 0 && doc.UsedCount >= doc.MaxUses {
			doc.Active = false
		}
		doc.UpdatedAt = now.UTC()
		return nil
	})
}

// Release undoes one redemption.
func (r *CouponRepository) Release(ctx context.Context, code string, now time.Time) (domain.Coupon, error) {
	return r.mutate(ctx, "coupons.release", code, func(doc *couponDocument) error {
		capped := doc.MaxUses > 0 && doc.UsedCount >= doc.MaxUses
		if doc.UsedCount > 0 {
			doc.UsedCount--
		}
		if capped && doc.UsedCount < doc.MaxUses {
			doc.Active = true
		}
		doc.UpdatedAt = now.UTC()
		return nil
	})
}

func (r *CouponRepository) mutate(ctx context.Context, op, code string, apply func(*couponDocument) error) (domain.Coupon, error) {
	ref, err := r.coupons.Doc(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	var result couponDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if pfirestore.IsNotFound(err) {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon "+code+" not found")
		}
		if err != nil {
			return err
		}
		doc, err := r.coupons.Decode(snap)
		if err != nil {
			return err
		}
		if err := apply(&doc); err != nil {
			return err
		}
		result = doc
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError(op, err)
	}
	return result.toDomain(code), nil
}
