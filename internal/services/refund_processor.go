package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/platform/textutil"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const payloadIdempotencyKey = "idempotencyKey"

// RefundProcessorDeps bundles collaborators required to construct the refund processor.
type RefundProcessorDeps struct {
	Orders       repositories.OrderRepository
	Transactions TransactionLog
	Gateways     PaymentGateways
	Retry        RetryEnqueuer
	Notifier     Notifier
	Alerter      OperatorAlerter
	Metrics      Metrics
	// QueueFailedRefunds schedules a refund_retry job when the gateway rejects a refund.
	QueueFailedRefunds bool
	Clock              func() time.Time
	IDGenerator        func() string
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type refundProcessor struct {
	orders      repositories.OrderRepository
	txns        TransactionLog
	gateways    PaymentGateways
	retry       RetryEnqueuer
	notifier    Notifier
	alerter     OperatorAlerter
	metrics     Metrics
	queueFailed bool
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewRefundProcessor wires dependencies into a RefundProcessor implementation.
func NewRefundProcessor(deps RefundProcessorDeps) (RefundProcessor, error) {
	if deps.Orders == nil {
		return nil, errors.New("refund processor: order repository is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("refund processor: transaction log is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("refund processor: payment gateways are required")
	}
	if deps.QueueFailedRefunds && deps.Retry == nil {
		return nil, errors.New("refund processor: retry queue is required when failed refunds are queued")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &refundProcessor{
		orders:      deps.Orders,
		txns:        deps.Transactions,
		gateways:    deps.Gateways,
		retry:       deps.Retry,
		notifier:    deps.Notifier,
		alerter:     deps.Alerter,
		metrics:     metrics,
		queueFailed: deps.QueueFailedRefunds,
		clock:       utcClock(deps.Clock),
		newID:       newID,
		logger:      logger,
	}, nil
}

func (p *refundProcessor) Refund(ctx context.Context, cmd RefundCommand) (outcome RefundOutcome, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		p.metrics.OrderOperation("refund", result)
	}()
	return p.refund(ctx, cmd, false)
}

func (p *refundProcessor) refund(ctx context.Context, cmd RefundCommand, retrying bool) (RefundOutcome, error) {
	if cmd.Amount <= 0 {
		return RefundOutcome{}, fmt.Errorf("%w: refund amount must be positive", ErrValidation)
	}
	order, err := p.load(ctx, cmd.OrderID)
	if err != nil {
		return RefundOutcome{}, err
	}
	if order.Status != domain.OrderStatusShipped && order.Status != domain.OrderStatusDelivered {
		return RefundOutcome{}, fmt.Errorf("%w: order %s is %s; refunds need a shipped or delivered order", ErrInvalidTransition, order.ID, order.Status)
	}
	if refundable := order.Refundable(); cmd.Amount > refundable {
		return RefundOutcome{}, fmt.Errorf("%w: requested %d, refundable %d", ErrRefundExceedsLimit, cmd.Amount, refundable)
	}
	payment, err := p.settledPayment(ctx, order.ID)
	if err != nil {
		return RefundOutcome{}, err
	}
	if remaining := payment.Amount - payment.RefundedAmount; cmd.Amount > remaining {
		return RefundOutcome{}, fmt.Errorf("%w: payment %s has %d left to refund", ErrRefundExceedsLimit, payment.ID, remaining)
	}
	gateway, err := p.gateways.Gateway(payment.Gateway)
	if err != nil {
		return RefundOutcome{}, fmt.Errorf("%w: %v", ErrRefundProcessingFailed, err)
	}

	reason := textutil.SanitizeText(cmd.Reason)
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		key = strings.ToLower(p.newID())
	}
	key = "refund-" + order.ID + "-" + key

	held, err := p.placeHold(ctx, order, cmd.Amount)
	if err != nil {
		return RefundOutcome{}, err
	}

	result, gwErr := gateway.Refund(ctx, payments.RefundRequest{
		GatewayTransactionID: payment.GatewayTransactionID,
		Amount:               cmd.Amount,
		Currency:             payment.Currency,
		Reason:               reason,
		IdempotencyKey:       key,
		Metadata:             map[string]string{"order_id": order.ID},
	})
	if gwErr != nil || !result.Success {
		detail := "gateway declined the refund"
		if gwErr != nil {
			detail = gwErr.Error()
		}
		p.logger(ctx, "refund.failed", map[string]any{
			"orderId":  order.ID,
			"amount":   cmd.Amount,
			"gateway":  gateway.Name(),
			"retrying": retrying,
			"error":    detail,
		})
		p.releaseHold(ctx, held.ID, cmd.Amount)
		p.appendRefund(ctx, payment, cmd.Amount, domain.TransactionStatusFailed, "", reason, detail)
		if p.queueFailed && !retrying {
			p.queueRetry(ctx, order.ID, payment.ID, cmd.Amount, reason, cmd.IdempotencyKey)
		}
		return RefundOutcome{}, fmt.Errorf("%w: %s", ErrRefundProcessingFailed, detail)
	}

	return p.applyRefund(ctx, order.ID, payment, cmd.Amount, result.RefundID, reason, true)
}

// applyRefund records a refund the gateway accepted. The money already moved, so ledger failures
// from here on are alerted instead of returned.
func (p *refundProcessor) applyRefund(ctx context.Context, orderID string, payment Transaction, amount int64, refundID, reason string, held bool) (RefundOutcome, error) {
	refundTxn := p.appendRefund(ctx, payment, amount, domain.TransactionStatusCompleted, refundID, reason, "")

	if _, err := p.txns.AddRefunded(ctx, payment.ID, amount, reason); err != nil {
		p.ledgerAlert(ctx, orderID, "payment transaction refund total not updated", err)
	}

	var (
		order Order
		err   error
	)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		order, err = p.load(ctx, orderID)
		if err != nil {
			break
		}
		now := p.clock()
		updated := order
		if held {
			updated.RefundHold = max(updated.RefundHold-amount, 0)
		}
		updated.TotalRefunded = min(updated.TotalRefunded+amount, updated.Total)
		switch {
		case updated.Status == domain.OrderStatusCancelled:
			updated.PaymentStatus = domain.PaymentStatusRefunded
		case updated.TotalRefunded >= updated.Total:
			updated.Status = domain.OrderStatusRefunded
			updated.PaymentStatus = domain.PaymentStatusRefunded
			updated.RefundedAt = timePtr(now)
		default:
			updated.PaymentStatus = domain.PaymentStatusPartiallyRefunded
		}
		updated.UpdatedAt = now
		order, err = p.orders.Update(ctx, updated, order.Version)
		if err == nil || !isRepoConflict(err) {
			break
		}
	}
	if err != nil {
		p.ledgerAlert(ctx, orderID, "order refund total not updated", err)
		return RefundOutcome{}, fmt.Errorf("%w: refund %s succeeded but the order was not updated: %v", ErrUnavailable, refundID, err)
	}

	p.logger(ctx, "refund.completed", map[string]any{
		"orderId":       order.ID,
		"amount":        amount,
		"totalRefunded": order.TotalRefunded,
		"status":        string(order.Status),
	})
	sendNotification(ctx, p.notifier, p.logger, orderNotification(NotificationOrderRefunded, order, map[string]any{
		"amount":        amount,
		"totalRefunded": order.TotalRefunded,
		"currency":      order.Currency,
	}, p.clock()))
	return RefundOutcome{Order: order, Refund: p.txns.Masked(refundTxn)}, nil
}

func (p *refundProcessor) RetryRefund(ctx context.Context, job RetryJob) error {
	amount, err := strconv.ParseInt(job.Payload[payloadAmount], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("%w: invalid amount %q", ErrRetryAbandon, job.Payload[payloadAmount])
	}
	orderID := job.Payload[payloadOrderID]

	switch job.Kind {
	case RetryJobRefund:
		_, err := p.refund(ctx, RefundCommand{
			OrderID:        orderID,
			Amount:         amount,
			Reason:         job.Payload[payloadReason],
			IdempotencyKey: job.Payload[payloadIdempotencyKey],
		}, true)
		return classifyRefundRetry(err)
	case RetryJobCancelRefund:
		return classifyRefundRetry(p.refundCancelled(ctx, orderID, job.Payload[payloadTransactionID], amount))
	default:
		return fmt.Errorf("%w: unsupported job kind %s", ErrRetryAbandon, job.Kind)
	}
}

// refundCancelled returns money collected for an order that was cancelled.
func (p *refundProcessor) refundCancelled(ctx context.Context, orderID, paymentID string, amount int64) error {
	order, err := p.load(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusCancelled {
		return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, order.ID, order.Status)
	}
	amount = min(amount, order.Total-order.TotalRefunded)
	if amount <= 0 {
		p.logger(ctx, "refund.cancel.already_settled", map[string]any{"orderId": order.ID})
		return nil
	}
	payment, err := p.txns.Get(ctx, paymentID)
	if err != nil {
		if isRepoNotFound(err) {
			return fmt.Errorf("%w: payment %s not found", ErrValidation, paymentID)
		}
		return err
	}
	if payment.Status != domain.TransactionStatusCompleted {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidTransition, payment.ID, payment.Status)
	}
	amount = min(amount, payment.Amount-payment.RefundedAmount)
	if amount <= 0 {
		return nil
	}
	gateway, err := p.gateways.Gateway(payment.Gateway)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	result, err := gateway.Refund(ctx, payments.RefundRequest{
		GatewayTransactionID: payment.GatewayTransactionID,
		Amount:               amount,
		Currency:             payment.Currency,
		Reason:               "order cancelled",
		IdempotencyKey:       "cancel-refund-" + order.ID,
		Metadata:             map[string]string{"order_id": order.ID},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefundProcessingFailed, err)
	}
	if !result.Success {
		return fmt.Errorf("%w: gateway declined the refund", ErrRefundProcessingFailed)
	}
	_, err = p.applyRefund(ctx, order.ID, payment, amount, result.RefundID, "order cancelled", false)
	return err
}

func classifyRefundRetry(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrRefundExceedsLimit),
		errors.Is(err, ErrOrderNotFound):
		return fmt.Errorf("%w: %v", ErrRetryAbandon, err)
	}
	return err
}

// settledPayment returns the completed payment transaction that refunds are drawn from.
func (p *refundProcessor) settledPayment(ctx context.Context, orderID string) (Transaction, error) {
	txns, err := p.txns.ListByOrder(ctx, orderID)
	if err != nil {
		return Transaction{}, err
	}
	for i := len(txns) - 1; i >= 0; i-- {
		txn := txns[i]
		if txn.Kind == domain.TransactionKindPayment && txn.Status == domain.TransactionStatusCompleted {
			return txn, nil
		}
	}
	return Transaction{}, fmt.Errorf("%w: order %s has no settled payment to refund", ErrInvalidTransition, orderID)
}

func (p *refundProcessor) placeHold(ctx context.Context, order Order, amount int64) (Order, error) {
	updated := order
	updated.RefundHold += amount
	updated.UpdatedAt = p.clock()
	saved, err := p.orders.Update(ctx, updated, order.Version)
	if err != nil {
		return Order{}, translateRepoError(err, ErrOrderNotFound, ErrOrderConflict)
	}
	return saved, nil
}

func (p *refundProcessor) releaseHold(ctx context.Context, orderID string, amount int64) {
	var err error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var order Order
		order, err = p.load(ctx, orderID)
		if err != nil {
			break
		}
		updated := order
		updated.RefundHold = max(updated.RefundHold-amount, 0)
		updated.UpdatedAt = p.clock()
		if _, err = p.orders.Update(ctx, updated, order.Version); err == nil || !isRepoConflict(err) {
			break
		}
	}
	if err != nil {
		p.ledgerAlert(ctx, orderID, "refund hold not released", err)
	}
}

func (p *refundProcessor) appendRefund(ctx context.Context, payment Transaction, amount int64, status TransactionStatus, refundID, reason, detail string) Transaction {
	meta := map[string]string{"reason": reason}
	if detail != "" {
		meta["error"] = detail
	}
	txn, err := p.txns.Append(ctx, Transaction{
		OrderID:              payment.OrderID,
		Kind:                 domain.TransactionKindRefund,
		ParentID:             payment.ID,
		PaymentMethod:        payment.PaymentMethod,
		Gateway:              payment.Gateway,
		Amount:               amount,
		Currency:             payment.Currency,
		Status:               status,
		GatewayTransactionID: refundID,
		Metadata:             meta,
	})
	if err != nil {
		p.logger(ctx, "refund.transaction.append_failed", map[string]any{"orderId": payment.OrderID, "error": err.Error()})
		return Transaction{OrderID: payment.OrderID, Kind: domain.TransactionKindRefund, Amount: amount, Status: status}
	}
	return txn
}

func (p *refundProcessor) queueRetry(ctx context.Context, orderID, paymentID string, amount int64, reason, key string) {
	payload := map[string]string{
		payloadOrderID:        orderID,
		payloadTransactionID:  paymentID,
		payloadAmount:         strconv.FormatInt(amount, 10),
		payloadReason:         reason,
		payloadIdempotencyKey: key,
	}
	if _, err := p.retry.Enqueue(ctx, RetryJobRefund, payload); err != nil {
		payload["error"] = err.Error()
		raiseAlert(ctx, p.alerter, p.logger, Alert{
			Kind:     AlertRetryEnqueueFailure,
			Severity: SeverityCritical,
			OrderID:  orderID,
			Message:  "failed refund could not be queued for retry",
			Details:  payload,
			RaisedAt: p.clock(),
		})
	}
}

func (p *refundProcessor) ledgerAlert(ctx context.Context, orderID, message string, err error) {
	raiseAlert(ctx, p.alerter, p.logger, Alert{
		Kind:     AlertRefundLedger,
		Severity: SeverityCritical,
		OrderID:  orderID,
		Message:  message,
		Details:  map[string]string{"error": err.Error()},
		RaisedAt: p.clock(),
	})
}

func (p *refundProcessor) load(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := p.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, translateRepoError(err, ErrOrderNotFound, nil)
	}
	return order, nil
}
