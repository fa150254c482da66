package services

import (
	"errors"
	"fmt"

	"github.com/vitrine/fulfillment/internal/repositories"
)

var (
	// ErrValidation indicates malformed input: missing fields, bad quantities, unknown enums.
	ErrValidation = errors.New("validation failed")
	// ErrProductInvalid indicates a referenced product is missing or inactive.
	ErrProductInvalid = errors.New("product invalid")
	// ErrVariantNotFound indicates the product has no such variant.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrPackagingInvalid indicates the packaging option is not offered for the product.
	ErrPackagingInvalid = errors.New("packaging invalid")
	// ErrInsufficientStock indicates the ledger cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrCouponInvalid indicates the coupon does not exist, is inactive or not yet started.
	ErrCouponInvalid = errors.New("coupon invalid")
	// ErrCouponExpired indicates the coupon is past its expiry.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponExhausted indicates the coupon reached its usage cap.
	ErrCouponExhausted = errors.New("coupon exhausted")
	// ErrInvalidTransition indicates the state machine forbids the requested change.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderConflict indicates a concurrent writer changed the order first.
	ErrOrderConflict = errors.New("order modified concurrently")
	// ErrTransactionConflict indicates the transaction changed status underneath the caller or
	// its gateway reference is already recorded.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrWebhookSignatureInvalid indicates an unauthenticated webhook delivery.
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")
	// ErrRefundExceedsLimit indicates the refund is larger than the refundable remainder.
	ErrRefundExceedsLimit = errors.New("refund exceeds refundable amount")
	// ErrRefundProcessingFailed indicates the gateway did not accept the refund.
	ErrRefundProcessingFailed = errors.New("refund processing failed")
	// ErrPaymentGatewayError wraps opaque upstream gateway failures.
	ErrPaymentGatewayError = errors.New("payment gateway error")
	// ErrUnavailable indicates a transient infrastructure failure; callers may retry.
	ErrUnavailable = errors.New("service unavailable")
	// ErrRetryAbandon marks retry job failures that more attempts cannot fix.
	ErrRetryAbandon = errors.New("retry abandoned")
)

// translateRepoError maps repository failures onto the service taxonomy. notFound replaces
// not-found errors; conflict replaces conflicts.
func translateRepoError(err error, notFound, conflict error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound() && notFound != nil:
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict() && conflict != nil:
			return fmt.Errorf("%w: %v", conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
