package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
)

func shippedOrder(t *testing.T, f *fixture, items ...OrderItemInput) Order {
	t.Helper()
	order := f.createOrder(t, domain.PaymentMethodCard, items...)
	shipped, err := f.orders.TransitionStatus(context.Background(), TransitionStatusCommand{OrderID: order.ID, Target: domain.OrderStatusShipped})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	return shipped
}

func TestRefundProcessor_PartialThenFullRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := shippedOrder(t, f, item(keyOil500, 1), item(keyVinegar, 1))
	if order.Total != 50 {
		t.Fatalf("expected total 50, got %d", order.Total)
	}

	first, err := f.refunds.Refund(ctx, RefundCommand{OrderID: order.ID, Amount: 20, Reason: "bottle cracked"})
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if first.Order.TotalRefunded != 20 || first.Order.Status != domain.OrderStatusShipped || first.Order.PaymentStatus != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("unexpected state after partial refund: %d %s/%s", first.Order.TotalRefunded, first.Order.Status, first.Order.PaymentStatus)
	}
	if first.Order.RefundHold != 0 {
		t.Fatalf("hold must be released, got %d", first.Order.RefundHold)
	}
	if first.Refund.Kind != domain.TransactionKindRefund || first.Refund.Status != domain.TransactionStatusCompleted || first.Refund.Amount != 20 {
		t.Fatalf("unexpected refund transaction %+v", first.Refund)
	}
	if first.Refund.GatewayTransactionID != "re_1****" {
		t.Fatalf("refund id must be masked, got %q", first.Refund.GatewayTransactionID)
	}

	if _, err := f.refunds.Refund(ctx, RefundCommand{OrderID: order.ID, Amount: 31}); !errors.Is(err, ErrRefundExceedsLimit) {
		t.Fatalf("expected ErrRefundExceedsLimit, got %v", err)
	}

	second, err := f.refunds.Refund(ctx, RefundCommand{OrderID: order.ID, Amount: 30})
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if second.Order.TotalRefunded != 50 || second.Order.Status != domain.OrderStatusRefunded || second.Order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected fully refunded order, got %d %s/%s", second.Order.TotalRefunded, second.Order.Status, second.Order.PaymentStatus)
	}
	if second.Order.RefundedAt == nil {
		t.Fatalf("expected refundedAt")
	}
	if payment := f.paymentTxn(t, order.ID); payment.Status != domain.TransactionStatusRefunded || payment.RefundedAmount != 50 {
		t.Fatalf("payment must be fully refunded, got %s/%d", payment.Status, payment.RefundedAmount)
	}
	if !f.notifier.has(NotificationOrderRefunded) {
		t.Fatalf("expected refund notification")
	}

	if _, err := f.refunds.Refund(ctx, RefundCommand{OrderID: order.ID, Amount: 1}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refunded order accepts no more refunds, got %v", err)
	}
	if got := f.stock(t, keyOil500); got != 9 {
		t.Fatalf("refunds must not move stock, have %d", got)
	}
}

func TestRefundProcessor_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	processing := f.createOrder(t, domain.PaymentMethodCard, item(keyOil500, 1))

	tests := []struct {
		name string
		cmd  RefundCommand
		want error
	}{
		{"zero amount", RefundCommand{OrderID: processing.ID, Amount: 0}, ErrValidation},
		{"not shipped", RefundCommand{OrderID: processing.ID, Amount: 5}, ErrInvalidTransition},
		{"unknown order", RefundCommand{OrderID: "ord_missing", Amount: 5}, ErrOrderNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.refunds.Refund(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if f.gateway.refunds != 0 {
		t.Fatalf("rejected refunds must not reach the gateway")
	}
}

func TestRefundProcessor_GatewayFailureReleasesHoldAndQueuesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := shippedOrder(t, f, item(keyOil500, 2))
	f.gateway.refundErrs = []error{errors.New("upstream 503")}

	_, err := f.refunds.Refund(ctx, RefundCommand{OrderID: order.ID, Amount: 15, IdempotencyKey: "rk-1"})
	if !errors.Is(err, ErrRefundProcessingFailed) {
		t.Fatalf("expected ErrRefundProcessingFailed, got %v", err)
	}
	current, err := f.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if current.RefundHold != 0 || current.TotalRefunded != 0 {
		t.Fatalf("failed refund must leave no hold and no refunded total, got hold=%d refunded=%d", current.RefundHold, current.TotalRefunded)
	}
	txns, err := f.txns.ListByOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListByOrder: %v", err)
	}
	if len(txns) != 2 || txns[1].Kind != domain.TransactionKindRefund || txns[1].Status != domain.TransactionStatusFailed {
		t.Fatalf("expected a failed refund record, got %+v", txns)
	}
	jobs := f.store.AllRetryJobs()
	if len(jobs) != 1 || jobs[0].Kind != domain.RetryJobRefund || jobs[0].Payload["amount"] != "15" {
		t.Fatalf("expected one refund_retry job, got %+v", jobs)
	}

	summary, err := f.scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("expected retry to succeed, got %+v", summary)
	}
	if f.gateway.lastRefund.IdempotencyKey != "refund-"+order.ID+"-rk-1" {
		t.Fatalf("retry must reuse the idempotency key, got %q", f.gateway.lastRefund.IdempotencyKey)
	}
	current, err = f.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if current.TotalRefunded != 15 || current.PaymentStatus != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected refunded 15, got %d %s", current.TotalRefunded, current.PaymentStatus)
	}
}

func TestRefundProcessor_DeclinedRetriesExhaustAndAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := shippedOrder(t, f, item(keyOil500, 1))
	f.gateway.declined = true

	if _, err := f.refunds.Refund(ctx, RefundCommand{OrderID: order.ID, Amount: 10}); !errors.Is(err, ErrRefundProcessingFailed) {
		t.Fatalf("expected ErrRefundProcessingFailed, got %v", err)
	}

	for i, wait := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		f.clock.Advance(wait)
		summary, err := f.scheduler.RunDue(ctx)
		if err != nil {
			t.Fatalf("RunDue %d: %v", i, err)
		}
		if summary.Processed != 1 {
			t.Fatalf("run %d: expected the job to be due, got %+v", i, summary)
		}
	}

	jobs := f.store.AllRetryJobs()
	if len(jobs) != 1 || jobs[0].Status != domain.RetryJobExhausted || jobs[0].Attempt != 3 {
		t.Fatalf("expected exhausted job after 3 attempts, got %+v", jobs)
	}
	kinds := f.alerts.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != AlertRetryExhausted {
		t.Fatalf("expected retry exhaustion alert, got %v", kinds)
	}
	if len(f.store.AllRetryJobs()) != 1 {
		t.Fatalf("retries must not queue further jobs")
	}
}
