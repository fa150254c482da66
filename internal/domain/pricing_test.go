package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTotalsScenarioA(t *testing.T) {
	items := []LineItem{{ProductID: "oil", VariantID: "500ml", Quantity: 2, UnitPrice: 20, Total: 40}}
	totals := ComputeTotals(items, 0)
	assert.Equal(t, Totals{Subtotal: 40, Discount: 0, Total: 40}, totals)
}

func TestComputeTotalsClampsDiscount(t *testing.T) {
	items := []LineItem{{Quantity: 1, UnitPrice: 30}}
	totals := ComputeTotals(items, 50)
	assert.Equal(t, int64(30), totals.Discount)
	assert.Equal(t, int64(0), totals.Total)

	totals = ComputeTotals(items, -5)
	assert.Equal(t, int64(0), totals.Discount)
	assert.Equal(t, int64(30), totals.Total)
}

func TestCouponDiscount(t *testing.T) {
	tests := []struct {
		name     string
		coupon   Coupon
		subtotal int64
		want     int64
	}{
		{"percentage", Coupon{DiscountType: DiscountTypePercentage, Value: 10}, 100, 10},
		{"percentage rounds half up", Coupon{DiscountType: DiscountTypePercentage, Value: 15}, 105, 16},
		{"percentage capped at 100", Coupon{DiscountType: DiscountTypePercentage, Value: 150}, 80, 80},
		{"fixed", Coupon{DiscountType: DiscountTypeFixed, Value: 25}, 100, 25},
		{"fixed clamps to subtotal", Coupon{DiscountType: DiscountTypeFixed, Value: 500}, 100, 100},
		{"empty subtotal", Coupon{DiscountType: DiscountTypeFixed, Value: 5}, 0, 0},
		{"unknown type", Coupon{DiscountType: "bogus", Value: 5}, 10, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CouponDiscount(tc.coupon, tc.subtotal))
		})
	}
}

func TestCheckTotals(t *testing.T) {
	order := Order{
		Items:    []LineItem{{Quantity: 2, UnitPrice: 50, Total: 100}},
		Subtotal: 100,
		Discount: 10,
		Total:    90,
	}
	require.NoError(t, CheckTotals(order))

	broken := order
	broken.Total = 95
	assert.ErrorIs(t, CheckTotals(broken), ErrInvalidTotals)

	overRefunded := order
	overRefunded.TotalRefunded = 80
	overRefunded.RefundHold = 20
	assert.ErrorIs(t, CheckTotals(overRefunded), ErrInvalidTotals)

	assert.ErrorIs(t, CheckTotals(Order{}), ErrInvalidTotals)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusProcessing))
	assert.True(t, CanTransition(OrderStatusPending, OrderStatusDelivered))
	assert.True(t, CanTransition(OrderStatusShipped, OrderStatusRefunded))
	assert.False(t, CanTransition(OrderStatusShipped, OrderStatusCancelled))
	assert.False(t, CanTransition(OrderStatusProcessing, OrderStatusRefunded))
	assert.False(t, CanTransition(OrderStatusCancelled, OrderStatusPending))
	assert.Empty(t, AllowedTransitions(OrderStatusRefunded))
	assert.True(t, OrderStatusCancelled.Terminal())
	assert.False(t, OrderStatus("archived").Valid())
}

func TestValidStatusPair(t *testing.T) {
	assert.True(t, ValidStatusPair(OrderStatusPending, PaymentStatusFailed))
	assert.False(t, ValidStatusPair(OrderStatusProcessing, PaymentStatusFailed))
	assert.True(t, ValidStatusPair(OrderStatusCancelled, PaymentStatusRefunded))
	assert.False(t, ValidStatusPair(OrderStatusRefunded, PaymentStatusPaid))
}

func TestTransactionStatusMoves(t *testing.T) {
	assert.True(t, TransactionStatusPending.CanMoveTo(TransactionStatusCompleted))
	assert.True(t, TransactionStatusFailed.CanMoveTo(TransactionStatusCompleted))
	assert.False(t, TransactionStatusCompleted.CanMoveTo(TransactionStatusFailed))
	assert.False(t, TransactionStatusRefunded.CanMoveTo(TransactionStatusCompleted))
}
