package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTotals is returned when an order's money fields break their invariants.
var ErrInvalidTotals = errors.New("domain: invalid order totals")

// Totals is the money summary computed for an order.
type Totals struct {
	Subtotal int64
	Discount int64
	Total    int64
}

// LineTotal returns unit price multiplied by quantity.
func LineTotal(unitPrice, quantity int64) int64 {
	return unitPrice * quantity
}

// ComputeTotals sums line items and applies a discount clamped to the subtotal.
func ComputeTotals(items []LineItem, discount int64) Totals {
	var subtotal int64
	for _, item := range items {
		subtotal += LineTotal(item.UnitPrice, item.Quantity)
	}
	if discount < 0 {
		discount = 0
	}
	if discount > subtotal {
		discount = subtotal
	}
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Total:    subtotal - discount,
	}
}

// CouponDiscount computes the discount a coupon grants on subtotal. Percentages round half up
// on integer minor units so the stored amount can be reproduced exactly.
func CouponDiscount(coupon Coupon, subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	var discount int64
	switch coupon.DiscountType {
	case DiscountTypePercentage:
		pct := coupon.Value
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		discount = (subtotal*pct + 50) / 100
	case DiscountTypeFixed:
		discount = coupon.Value
	}
	if discount < 0 {
		return 0
	}
	if discount > subtotal {
		return subtotal
	}
	return discount
}

// CheckTotals verifies the money invariants of an order.
func CheckTotals(order Order) error {
	if len(order.Items) == 0 {
		return fmt.Errorf("%w: order has no line items", ErrInvalidTotals)
	}
	var subtotal int64
	for i, item := range order.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidTotals, i)
		}
		if item.Total != LineTotal(item.UnitPrice, item.Quantity) {
			return fmt.Errorf("%w: item %d total mismatch", ErrInvalidTotals, i)
		}
		subtotal += item.Total
	}
	switch {
	case subtotal != order.Subtotal:
		return fmt.Errorf("%w: subtotal %d != %d", ErrInvalidTotals, order.Subtotal, subtotal)
	case order.Discount < 0 || order.Discount > order.Subtotal:
		return fmt.Errorf("%w: discount %d outside [0, %d]", ErrInvalidTotals, order.Discount, order.Subtotal)
	case order.Total != order.Subtotal-order.Discount:
		return fmt.Errorf("%w: total %d != subtotal - discount", ErrInvalidTotals, order.Total)
	case order.TotalRefunded < 0 || order.RefundHold < 0 || order.TotalRefunded+order.RefundHold > order.Total:
		return fmt.Errorf("%w: refunds exceed total", ErrInvalidTotals)
	}
	return nil
}

// ErrInvalidStatusPair is returned when order and payment statuses cannot coexist.
var ErrInvalidStatusPair = errors.New("domain: invalid status pair")

// Validate checks the money invariants and the status pair of the order.
func (o Order) Validate() error {
	if err := CheckTotals(o); err != nil {
		return err
	}
	if !ValidStatusPair(o.Status, o.PaymentStatus) {
		return fmt.Errorf("%w: %s/%s", ErrInvalidStatusPair, o.Status, o.PaymentStatus)
	}
	return nil
}
