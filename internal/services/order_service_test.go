package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/repositories"
)

func TestOrderService_CreateAndAcceptDeductsStockOnAcceptance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCashOnDelivery, item(keyOil500, 2))
	if order.Total != 40 || order.Subtotal != 40 || order.Discount != 0 {
		t.Fatalf("unexpected totals: subtotal=%d discount=%d total=%d", order.Subtotal, order.Discount, order.Total)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if !strings.HasPrefix(order.ID, "ord_") || !strings.HasPrefix(order.OrderNumber, "ORD-") {
		t.Fatalf("unexpected identifiers %q %q", order.ID, order.OrderNumber)
	}
	if order.Currency != "JPY" {
		t.Fatalf("expected default currency JPY, got %s", order.Currency)
	}
	if order.ShippingAddress.Country != "JP" || order.BillingAddress.Line1 != testAddress.Line1 {
		t.Fatalf("addresses not snapshotted: %+v / %+v", order.ShippingAddress, order.BillingAddress)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("creation must not deduct stock, have %d", got)
	}
	if !f.notifier.has(NotificationOrderConfirmation) {
		t.Fatalf("expected confirmation notification, got %v", f.notifier.events)
	}

	accepted, err := f.orders.AcceptOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if accepted.Status != domain.OrderStatusProcessing || !accepted.StockCommitted || accepted.AcceptedAt == nil {
		t.Fatalf("unexpected accepted order: status=%s committed=%v", accepted.Status, accepted.StockCommitted)
	}
	if got := f.stock(t, keyOil500); got != 8 {
		t.Fatalf("expected 8 in stock after acceptance, got %d", got)
	}

	if _, err := f.orders.AcceptOrder(ctx, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second accept to fail with ErrInvalidTransition, got %v", err)
	}
	if got := f.stock(t, keyOil500); got != 8 {
		t.Fatalf("second accept must not deduct again, have %d", got)
	}
}

func TestOrderService_CardChargeSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCard, item(keyOil1L, 2))
	if order.Status != domain.OrderStatusProcessing || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected processing/paid, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.PaidAt == nil || !order.StockCommitted {
		t.Fatalf("expected paid order with committed stock")
	}
	if got := f.stock(t, keyOil1L); got != 3 {
		t.Fatalf("expected 3 in stock, got %d", got)
	}
	if f.gateway.charges != 1 {
		t.Fatalf("expected exactly one charge, got %d", f.gateway.charges)
	}

	txns, err := f.orders.ListTransactions(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected one transaction, got %d", len(txns))
	}
	txn := txns[0]
	if txn.Status != domain.TransactionStatusCompleted || txn.Amount != 70 || txn.Gateway != payments.GatewayStripe {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	if txn.GatewayTransactionID != "pi_1****" {
		t.Fatalf("gateway id must be masked, got %q", txn.GatewayTransactionID)
	}
	if !strings.HasSuffix(txn.ReceiptURL, "****") || strings.Contains(txn.ReceiptURL, order.ID) {
		t.Fatalf("receipt must be masked, got %q", txn.ReceiptURL)
	}
	if len(txn.History) < 3 {
		t.Fatalf("expected created, attached and completed history entries, got %+v", txn.History)
	}
}

func TestOrderService_CouponAppliedAndExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutCoupon(domain.Coupon{
		Code:         "SAVE10",
		DiscountType: domain.DiscountTypePercentage,
		Value:        10,
		MaxUses:      1,
		Active:       true,
	})

	order, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		CustomerID:      "cus_1",
		Items:           []OrderItemInput{item(keyBasket, 1)},
		ShippingAddress: testAddress,
		PaymentMethod:   domain.PaymentMethodCashOnDelivery,
		CouponCode:      " save10 ",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Subtotal != 100 || order.Discount != 10 || order.Total != 90 {
		t.Fatalf("unexpected totals: subtotal=%d discount=%d total=%d", order.Subtotal, order.Discount, order.Total)
	}
	if order.CouponCode != "SAVE10" {
		t.Fatalf("expected normalised coupon code, got %q", order.CouponCode)
	}
	coupon, err := f.store.Coupons().FindByCode(ctx, "SAVE10")
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if coupon.UsedCount != 1 {
		t.Fatalf("expected usedCount 1, got %d", coupon.UsedCount)
	}

	_, err = f.orders.CreateOrder(ctx, CreateOrderCommand{
		CustomerID:      "cus_2",
		Items:           []OrderItemInput{item(keyBasket, 1)},
		ShippingAddress: testAddress,
		PaymentMethod:   domain.PaymentMethodCashOnDelivery,
		CouponCode:      "SAVE10",
	})
	if !errors.Is(err, ErrCouponExhausted) {
		t.Fatalf("expected ErrCouponExhausted, got %v", err)
	}
}

func TestOrderService_CreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := func() CreateOrderCommand {
		return CreateOrderCommand{
			CustomerID:      "cus_1",
			Items:           []OrderItemInput{item(keyOil500, 1)},
			ShippingAddress: testAddress,
			PaymentMethod:   domain.PaymentMethodCard,
			PaymentToken:    "pm_card_visa",
		}
	}

	tests := []struct {
		name   string
		mutate func(*CreateOrderCommand)
		want   error
	}{
		{"missing customer", func(c *CreateOrderCommand) { c.CustomerID = " " }, ErrValidation},
		{"no items", func(c *CreateOrderCommand) { c.Items = nil }, ErrValidation},
		{"zero quantity", func(c *CreateOrderCommand) { c.Items[0].Quantity = 0 }, ErrValidation},
		{"missing address", func(c *CreateOrderCommand) { c.ShippingAddress = domain.Address{} }, ErrValidation},
		{"address without country", func(c *CreateOrderCommand) { c.ShippingAddress.Country = "" }, ErrValidation},
		{"unknown payment method", func(c *CreateOrderCommand) { c.PaymentMethod = "crypto" }, ErrValidation},
		{"card without token", func(c *CreateOrderCommand) { c.PaymentToken = "" }, ErrValidation},
		{"unknown product", func(c *CreateOrderCommand) { c.Items[0].ProductID = "ghost" }, ErrProductInvalid},
		{"inactive product", func(c *CreateOrderCommand) { c.Items[0] = OrderItemInput{ProductID: "retired", VariantID: "x", Quantity: 1} }, ErrProductInvalid},
		{"unknown variant", func(c *CreateOrderCommand) { c.Items[0].VariantID = "5l" }, ErrVariantNotFound},
		{"packaging not offered", func(c *CreateOrderCommand) { c.Items[0].Packaging = "crate" }, ErrPackagingInvalid},
		{"more than in stock", func(c *CreateOrderCommand) { c.Items = []OrderItemInput{item(keyVinegar, 2)} }, ErrInsufficientStock},
		{"aggregated lines exceed stock", func(c *CreateOrderCommand) {
			c.Items = []OrderItemInput{item(keyVinegar, 1), item(keyVinegar, 1)}
		}, ErrInsufficientStock},
		{"unknown coupon", func(c *CreateOrderCommand) { c.CouponCode = "NOPE" }, ErrCouponInvalid},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := valid()
			tc.mutate(&cmd)
			if _, err := f.orders.CreateOrder(ctx, cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if f.gateway.charges != 0 {
		t.Fatalf("rejected orders must not be charged, got %d charges", f.gateway.charges)
	}
}

func TestOrderService_AcceptRestoresPartialDeduction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCashOnDelivery, item(keyOil500, 2), item(keyVinegar, 1))
	f.store.PutStock(keyVinegar, 0)

	if _, err := f.orders.AcceptOrder(ctx, order.ID); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("first line must be restored, have %d", got)
	}
	current, err := f.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if current.Status != domain.OrderStatusPending || current.StockCommitted {
		t.Fatalf("order must stay pending without stock, got %s committed=%v", current.Status, current.StockCommitted)
	}
	if kinds := f.alerts.kinds(); len(kinds) != 0 {
		t.Fatalf("successful compensation must not alert, got %v", kinds)
	}
}

func TestOrderService_CancelRestoresCommittedStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCashOnDelivery, item(keyOil500, 3))
	if _, err := f.orders.AcceptOrder(ctx, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if got := f.stock(t, keyOil500); got != 7 {
		t.Fatalf("expected 7 after accept, got %d", got)
	}

	cancelled, err := f.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Reason: "<b>customer</b> changed mind"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected cancelled/refunded, got %s/%s", cancelled.Status, cancelled.PaymentStatus)
	}
	if cancelled.CancelReason != "customer changed mind" || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancel metadata %q", cancelled.CancelReason)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("cancel must restore stock, have %d", got)
	}
	if txn := f.paymentTxn(t, order.ID); txn.Status != domain.TransactionStatusFailed {
		t.Fatalf("pending payment must be failed on cancel, got %s", txn.Status)
	}
	if jobs := f.store.AllRetryJobs(); len(jobs) != 0 {
		t.Fatalf("nothing was collected, no refund job expected, got %d", len(jobs))
	}
	if !f.notifier.has(NotificationOrderCancelled) {
		t.Fatalf("expected cancellation notification")
	}

	if _, err := f.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for terminal order, got %v", err)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("second cancel must not restore again, have %d", got)
	}
}

func TestOrderService_CancelPendingOrderLeavesStockAlone(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, domain.PaymentMethodBankTransfer, item(keyOil500, 1))
	if _, err := f.orders.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("stock was never deducted, have %d", got)
	}
}

func TestOrderService_CancelPaidOrderQueuesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCard, item(keyOil500, 2))
	if _, err := f.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Reason: "fraud check"}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	jobs := f.store.AllRetryJobs()
	if len(jobs) != 1 || jobs[0].Kind != domain.RetryJobCancelRefund {
		t.Fatalf("expected one cancel_refund job, got %+v", jobs)
	}
	if jobs[0].Payload["amount"] != "40" || jobs[0].Payload["orderId"] != order.ID {
		t.Fatalf("unexpected payload %+v", jobs[0].Payload)
	}

	summary, err := f.scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("expected the refund job to succeed, got %+v", summary)
	}
	if f.gateway.refunds != 1 || f.gateway.lastRefund.Amount != 40 {
		t.Fatalf("expected one refund of 40, got %d refunds, last %+v", f.gateway.refunds, f.gateway.lastRefund)
	}
	if f.gateway.lastRefund.IdempotencyKey != "cancel-refund-"+order.ID {
		t.Fatalf("unexpected idempotency key %q", f.gateway.lastRefund.IdempotencyKey)
	}
	current, err := f.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if current.Status != domain.OrderStatusCancelled || current.TotalRefunded != 40 {
		t.Fatalf("expected cancelled order refunded 40, got %s/%d", current.Status, current.TotalRefunded)
	}
	if txn := f.paymentTxn(t, order.ID); txn.Status != domain.TransactionStatusRefunded || txn.RefundedAmount != 40 {
		t.Fatalf("payment must be fully refunded, got %s/%d", txn.Status, txn.RefundedAmount)
	}

	f.clock.Advance(time.Hour)
	summary, err = f.scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if summary.Processed != 0 || f.gateway.refunds != 1 {
		t.Fatalf("completed job must not run again: %+v refunds=%d", summary, f.gateway.refunds)
	}
}

func TestOrderService_CardDeclined(t *testing.T) {
	f := newFixture(t)
	f.gateway.status = payments.StatusFailed

	order := f.createOrder(t, domain.PaymentMethodCard, item(keyOil500, 1))
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected pending/failed, got %s/%s", order.Status, order.PaymentStatus)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("declined order must not deduct stock, have %d", got)
	}
	if txn := f.paymentTxn(t, order.ID); txn.Status != domain.TransactionStatusFailed || txn.GatewayTransactionID == "" {
		t.Fatalf("expected failed transaction carrying the gateway id, got %+v", txn)
	}
	if _, err := f.orders.AcceptOrder(context.Background(), order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed payment cannot be accepted, got %v", err)
	}
}

func TestOrderService_GatewayError(t *testing.T) {
	f := newFixture(t)
	f.gateway.chargeErr = errors.New("connection reset")

	_, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      "cus_1",
		Items:           []OrderItemInput{item(keyOil500, 1)},
		ShippingAddress: testAddress,
		PaymentMethod:   domain.PaymentMethodCard,
		PaymentToken:    "pm_card_visa",
	})
	if !errors.Is(err, ErrPaymentGatewayError) {
		t.Fatalf("expected ErrPaymentGatewayError, got %v", err)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("gateway error must not deduct stock, have %d", got)
	}
}

func TestOrderService_PendingChargeWaitsForWebhook(t *testing.T) {
	f := newFixture(t)
	f.gateway.status = payments.StatusPending

	order := f.createOrder(t, domain.PaymentMethodCard, item(keyOil500, 1))
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	txn := f.paymentTxn(t, order.ID)
	if txn.Status != domain.TransactionStatusPending || !strings.HasPrefix(txn.GatewayTransactionID, "pi_1_") {
		t.Fatalf("expected pending transaction with gateway reference, got %+v", txn)
	}
}

func TestOrderService_ZeroTotalIsPaidWithoutCharge(t *testing.T) {
	f := newFixture(t)
	f.store.PutCoupon(domain.Coupon{Code: "FREE", DiscountType: domain.DiscountTypeFixed, Value: 1000, Active: true})

	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		CustomerID:      "cus_1",
		Items:           []OrderItemInput{item(keyOil500, 1)},
		ShippingAddress: testAddress,
		PaymentMethod:   domain.PaymentMethodCard,
		PaymentToken:    "pm_card_visa",
		CouponCode:      "free",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Total != 0 || order.Discount != 20 {
		t.Fatalf("discount must be clamped to subtotal, got discount=%d total=%d", order.Discount, order.Total)
	}
	if order.Status != domain.OrderStatusProcessing || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected processing/paid, got %s/%s", order.Status, order.PaymentStatus)
	}
	if f.gateway.charges != 0 {
		t.Fatalf("zero total must not be charged")
	}
}

func TestOrderService_TransitionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, domain.PaymentMethodCard, item(keyOil500, 1))

	shipped, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{
		OrderID:  order.ID,
		Target:   domain.OrderStatusShipped,
		Tracking: &domain.Tracking{Carrier: "Yamato", Number: "1234-5678"},
	})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.ShippedAt == nil || shipped.Tracking == nil || shipped.Tracking.Carrier != "Yamato" {
		t.Fatalf("unexpected shipped order %+v", shipped)
	}

	if _, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, Target: domain.OrderStatusProcessing}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("shipped -> processing must be rejected, got %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, Target: domain.OrderStatusCancelled}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("shipped -> cancelled must be rejected, got %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, Target: domain.OrderStatusRefunded}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refunded requires a full refund, got %v", err)
	}
	if _, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, Target: "lost"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown status must be a validation error, got %v", err)
	}

	delivered, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, Target: domain.OrderStatusDelivered})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered || delivered.DeliveredAt == nil {
		t.Fatalf("unexpected delivered order %+v", delivered)
	}
	if !f.notifier.has(NotificationOrderDelivered) {
		t.Fatalf("expected delivered notification")
	}
	if got := f.stock(t, keyOil500); got != 9 {
		t.Fatalf("transitions must not move stock again, have %d", got)
	}
}

func TestOrderService_CashOnDeliverySettlesOnDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, domain.PaymentMethodCashOnDelivery, item(keyOil500, 2))

	delivered, err := f.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, Target: domain.OrderStatusDelivered})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.PaymentStatus != domain.PaymentStatusPaid || !delivered.StockCommitted {
		t.Fatalf("expected paid delivery with committed stock, got %s committed=%v", delivered.PaymentStatus, delivered.StockCommitted)
	}
	if got := f.stock(t, keyOil500); got != 8 {
		t.Fatalf("skipping acceptance must still deduct stock, have %d", got)
	}
	if txn := f.paymentTxn(t, order.ID); txn.Status != domain.TransactionStatusCompleted {
		t.Fatalf("cash collected on delivery must complete the payment, got %s", txn.Status)
	}
}

type conflictingOrders struct {
	repositories.OrderRepository
	fail atomic.Bool
}

func (c *conflictingOrders) Update(ctx context.Context, order domain.Order, expectedVersion int64) (domain.Order, error) {
	if c.fail.Load() {
		return domain.Order{}, repositories.Conflict("orders.update", "order %s changed", order.ID)
	}
	return c.OrderRepository.Update(ctx, order, expectedVersion)
}

func TestOrderService_AcceptLosesRaceRestoresStock(t *testing.T) {
	var wrapped *conflictingOrders
	f := newFixture(t, withOrderRepo(func(repo repositories.OrderRepository) repositories.OrderRepository {
		wrapped = &conflictingOrders{OrderRepository: repo}
		return wrapped
	}))
	ctx := context.Background()

	order := f.createOrder(t, domain.PaymentMethodCashOnDelivery, item(keyOil500, 4))
	wrapped.fail.Store(true)

	if _, err := f.orders.AcceptOrder(ctx, order.ID); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("lost write must hand stock back, have %d", got)
	}

	wrapped.fail.Store(false)
	if _, err := f.orders.AcceptOrder(ctx, order.ID); err != nil {
		t.Fatalf("retry AcceptOrder: %v", err)
	}
	if got := f.stock(t, keyOil500); got != 6 {
		t.Fatalf("expected 6 after successful retry, got %d", got)
	}
}

func TestOrderService_ConcurrentAcceptDeductsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, domain.PaymentMethodCashOnDelivery, item(keyOil500, 5))

	var succeeded atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := f.orders.AcceptOrder(ctx, order.ID); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if succeeded.Load() != 1 {
		t.Fatalf("exactly one acceptance must win, got %d", succeeded.Load())
	}
	if got := f.stock(t, keyOil500); got != 5 {
		t.Fatalf("stock must be deducted once, have %d", got)
	}
}

func TestOrderService_GetOrderNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orders.GetOrder(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := f.orders.GetOrder(context.Background(), " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank id, got %v", err)
	}
}

type insertRecorder struct {
	repositories.OrderRepository
	mu  sync.Mutex
	ids []string
}

func (r *insertRecorder) Insert(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	r.ids = append(r.ids, order.ID)
	r.mu.Unlock()
	return r.OrderRepository.Insert(ctx, order)
}

type failingAppend struct {
	repositories.TransactionRepository
}

func (failingAppend) Append(context.Context, domain.Transaction) error {
	return repositories.Unavailable("transactions.append", errors.New("write quorum lost"))
}

func TestOrderService_GatewayErrorReturnsCoupon(t *testing.T) {
	recorder := &insertRecorder{}
	f := newFixture(t, withOrderRepo(func(repo repositories.OrderRepository) repositories.OrderRepository {
		recorder.OrderRepository = repo
		return recorder
	}))
	ctx := context.Background()
	f.store.PutCoupon(domain.Coupon{
		Code:         "SAVE10",
		DiscountType: domain.DiscountTypePercentage,
		Value:        10,
		MaxUses:      1,
		Active:       true,
	})
	cmd := CreateOrderCommand{
		CustomerID:      "cus_1",
		Items:           []OrderItemInput{item(keyBasket, 1)},
		ShippingAddress: testAddress,
		PaymentMethod:   domain.PaymentMethodCard,
		PaymentToken:    "pm_card_visa",
		CouponCode:      "SAVE10",
	}

	f.gateway.chargeErr = payments.ErrGatewayFailure
	if _, err := f.orders.CreateOrder(ctx, cmd); !errors.Is(err, ErrPaymentGatewayError) {
		t.Fatalf("expected ErrPaymentGatewayError, got %v", err)
	}
	coupon, err := f.store.Coupons().FindByCode(ctx, "SAVE10")
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if coupon.UsedCount != 0 || !coupon.Active {
		t.Fatalf("coupon must be released after a gateway error, got usedCount=%d active=%t", coupon.UsedCount, coupon.Active)
	}
	if len(recorder.ids) != 1 {
		t.Fatalf("expected one inserted order, got %v", recorder.ids)
	}
	abandoned, err := f.orders.GetOrder(ctx, recorder.ids[0])
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if abandoned.Status != domain.OrderStatusCancelled || abandoned.CancelReason == "" {
		t.Fatalf("expected the failed checkout to be cancelled, got %s reason=%q", abandoned.Status, abandoned.CancelReason)
	}

	f.gateway.chargeErr = nil
	f.gateway.status = payments.StatusSucceeded
	order, err := f.orders.CreateOrder(ctx, cmd)
	if err != nil {
		t.Fatalf("retried checkout must succeed, got %v", err)
	}
	if order.CouponCode != "SAVE10" || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected retried order %+v", order)
	}
}

func TestOrderService_TransactionWriteFailureReturnsCoupon(t *testing.T) {
	f := newFixture(t, withTransactionRepo(func(repo repositories.TransactionRepository) repositories.TransactionRepository {
		return failingAppend{TransactionRepository: repo}
	}))
	ctx := context.Background()
	f.store.PutCoupon(domain.Coupon{Code: "SAVE10", DiscountType: domain.DiscountTypePercentage, Value: 10, MaxUses: 1, Active: true})

	_, err := f.orders.CreateOrder(ctx, CreateOrderCommand{
		CustomerID:      "cus_1",
		Items:           []OrderItemInput{item(keyBasket, 1)},
		ShippingAddress: testAddress,
		PaymentMethod:   domain.PaymentMethodBankTransfer,
		CouponCode:      "SAVE10",
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	coupon, err := f.store.Coupons().FindByCode(ctx, "SAVE10")
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if coupon.UsedCount != 0 {
		t.Fatalf("coupon must be released, usedCount=%d", coupon.UsedCount)
	}
}
