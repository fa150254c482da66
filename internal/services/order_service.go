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

const (
	orderIDPrefix     = "ord_"
	orderNumberPrefix = "ORD"
	orderNumberSuffix = 6

	maxOrderLineItems = 100
	maxCASAttempts    = 5

	defaultOrderCurrency = "JPY"

	payloadTransactionID = "transactionId"
	payloadAmount        = "amount"
	payloadReason        = "reason"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Catalog      CatalogReader
	Stock        StockLedger
	Coupons      CouponEngine
	Transactions TransactionLog
	Gateways     PaymentGateways
	Retry        RetryEnqueuer
	Notifier     Notifier
	Alerter      OperatorAlerter
	Metrics      Metrics
	Currency     string
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	catalog  CatalogReader
	stock    StockLedger
	coupons  CouponEngine
	txns     TransactionLog
	gateways PaymentGateways
	retry    RetryEnqueuer
	notifier Notifier
	alerter  OperatorAlerter
	metrics  Metrics
	currency string
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog reader is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("order service: coupon engine is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("order service: transaction log is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("order service: payment gateways are required")
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	return &orderService{
		orders:   deps.Orders,
		catalog:  deps.Catalog,
		stock:    deps.Stock,
		coupons:  deps.Coupons,
		txns:     deps.Transactions,
		gateways: deps.Gateways,
		retry:    deps.Retry,
		notifier: deps.Notifier,
		alerter:  deps.Alerter,
		metrics:  metrics,
		currency: currency,
		clock:    utcClock(deps.Clock),
		newID:    idGen,
		logger:   logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (order Order, err error) {
	defer func() { s.observe("create", err) }()

	if err := validateCreateOrder(cmd); err != nil {
		return Order{}, err
	}

	items, err := s.priceItems(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}
	lines, err := AggregateStockLines(stockLinesFromItems(items))
	if err != nil {
		return Order{}, err
	}
	for _, line := range lines {
		if err := s.stock.ReserveCheck(ctx, line.Key, line.Quantity); err != nil {
			return Order{}, err
		}
	}

	var coupon *Coupon
	var discount int64
	if strings.TrimSpace(cmd.CouponCode) != "" {
		validated, err := s.coupons.Validate(ctx, cmd.CouponCode)
		if err != nil {
			return Order{}, err
		}
		coupon = &validated
		discount = s.coupons.Apply(validated, domain.ComputeTotals(items, 0).Subtotal)
	}
	totals := domain.ComputeTotals(items, discount)

	gateway, err := s.gateways.ForMethod(cmd.PaymentMethod)
	if err != nil {
		return Order{}, fmt.Errorf("%w: payment method %s is not available", ErrValidation, cmd.PaymentMethod)
	}

	now := s.clock()
	billing := cmd.ShippingAddress
	if cmd.BillingAddress != nil && !cmd.BillingAddress.IsZero() {
		billing = *cmd.BillingAddress
	}
	order = Order{
		ID:              orderIDPrefix + strings.ToLower(s.newID()),
		OrderNumber:     s.nextOrderNumber(now),
		CustomerID:      strings.TrimSpace(cmd.CustomerID),
		CustomerEmail:   strings.TrimSpace(cmd.CustomerEmail),
		Items:           items,
		ShippingAddress: sanitizeAddress(cmd.ShippingAddress),
		BillingAddress:  sanitizeAddress(billing),
		PaymentMethod:   cmd.PaymentMethod,
		Currency:        s.currency,
		Subtotal:        totals.Subtotal,
		Discount:        totals.Discount,
		Total:           totals.Total,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := order.Validate(); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if coupon != nil {
		redeemed, err := s.coupons.Redeem(ctx, coupon.Code)
		if err != nil {
			return Order{}, err
		}
		order.CouponCode = redeemed.Code
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseCoupon(ctx, order)
		return Order{}, translateRepoError(err, nil, ErrOrderConflict)
	}

	txn := Transaction{
		OrderID:       order.ID,
		Kind:          domain.TransactionKindPayment,
		PaymentMethod: order.PaymentMethod,
		Gateway:       gateway.Name(),
		Amount:        order.Total,
		Currency:      order.Currency,
		Status:        domain.TransactionStatusPending,
	}
	if order.Total == 0 {
		txn.Status = domain.TransactionStatusCompleted
	}
	txn, err = s.txns.Append(ctx, txn)
	if err != nil {
		s.logger(ctx, "order.transaction.append_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		s.abandonCheckout(ctx, order, "payment record could not be written")
		return Order{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":       order.ID,
		"orderNumber":   order.OrderNumber,
		"customerId":    order.CustomerID,
		"total":         order.Total,
		"paymentMethod": string(order.PaymentMethod),
	})
	sendNotification(ctx, s.notifier, s.logger, orderNotification(NotificationOrderConfirmation, order, map[string]any{
		"total":    order.Total,
		"currency": order.Currency,
	}, now))

	switch {
	case order.Total == 0:
		return s.ConfirmPayment(ctx, order.ID)
	case order.PaymentMethod.Deferred():
		return order, nil
	}
	return s.charge(ctx, order, txn, gateway, cmd)
}

// charge runs the synchronous gateway call and interprets the tri-state result.
func (s *orderService) charge(ctx context.Context, order Order, txn Transaction, gateway payments.Gateway, cmd CreateOrderCommand) (Order, error) {
	key := "charge-" + order.ID
	if k := strings.TrimSpace(cmd.IdempotencyKey); k != "" {
		key = "charge-" + k
	}
	result, err := gateway.Charge(ctx, payments.ChargeRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		CustomerID:     order.CustomerID,
		Amount:         order.Total,
		Currency:       order.Currency,
		Method:         order.PaymentMethod,
		PaymentToken:   cmd.PaymentToken,
		IdempotencyKey: key,
		Metadata:       map[string]string{"order_number": order.OrderNumber},
	})
	if err != nil {
		s.logger(ctx, "order.charge.failed", map[string]any{"orderId": order.ID, "gateway": gateway.Name(), "error": err.Error()})
		if _, markErr := s.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusFailed, "charge error"); markErr != nil {
			s.logger(ctx, "order.transaction.mark_failed", map[string]any{"orderId": order.ID, "error": markErr.Error()})
		}
		s.abandonCheckout(ctx, order, "payment gateway error")
		return Order{}, fmt.Errorf("%w: order %s: %v", ErrPaymentGatewayError, order.ID, err)
	}

	if _, err := s.txns.AttachGatewayResult(ctx, txn.ID, domain.TransactionStatusPending, GatewayResult{
		GatewayTransactionID: result.GatewayTransactionID,
		ReceiptURL:           result.ReceiptURL,
		Metadata:             result.Raw,
		Note:                 "charge " + string(result.Status),
	}); err != nil && !errors.Is(err, ErrTransactionConflict) {
		return Order{}, err
	}

	switch result.Status {
	case payments.StatusSucceeded:
		if _, err := s.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusCompleted, "charge succeeded"); err != nil && !errors.Is(err, ErrTransactionConflict) {
			return Order{}, err
		}
		return s.ConfirmPayment(ctx, order.ID)
	case payments.StatusFailed:
		if _, err := s.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusFailed, "charge declined"); err != nil && !errors.Is(err, ErrTransactionConflict) {
			return Order{}, err
		}
		return s.RecordPaymentFailure(ctx, order.ID)
	default:
		s.logger(ctx, "order.charge.pending", map[string]any{"orderId": order.ID, "gateway": gateway.Name()})
		return s.GetOrder(ctx, order.ID)
	}
}

func (s *orderService) AcceptOrder(ctx context.Context, orderID string) (order Order, err error) {
	defer func() { s.observe("accept", err) }()

	current, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if current.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, current.ID, current.Status)
	}
	if current.PaymentStatus != domain.PaymentStatusPending && current.PaymentStatus != domain.PaymentStatusPaid {
		return Order{}, fmt.Errorf("%w: order %s payment is %s", ErrInvalidTransition, current.ID, current.PaymentStatus)
	}

	updated := current
	updated.Status = domain.OrderStatusProcessing
	return s.commitAndSave(ctx, current, updated)
}

// commitAndSave deducts the order's stock when it is not yet committed and writes updated with
// a version check. A lost write returns the deducted stock.
func (s *orderService) commitAndSave(ctx context.Context, current, updated Order) (Order, error) {
	now := s.clock()
	deducted := false
	if !current.StockCommitted {
		if err := s.stock.DeductAll(ctx, current.ID, stockLinesFromItems(current.Items)); err != nil {
			return Order{}, err
		}
		deducted = true
		updated.StockCommitted = true
		updated.AcceptedAt = timePtr(now)
	}
	updated.UpdatedAt = now
	if !domain.ValidStatusPair(updated.Status, updated.PaymentStatus) {
		if deducted {
			s.restoreStock(ctx, current)
		}
		return Order{}, fmt.Errorf("%w: %s/%s is not a valid state", ErrInvalidTransition, updated.Status, updated.PaymentStatus)
	}

	saved, err := s.orders.Update(ctx, updated, current.Version)
	if err != nil {
		if deducted {
			s.restoreStock(ctx, current)
		}
		return Order{}, translateRepoError(err, ErrOrderNotFound, ErrOrderConflict)
	}
	if deducted {
		s.logger(ctx, "order.stock.committed", map[string]any{"orderId": saved.ID, "status": string(saved.Status)})
	}
	return saved, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (order Order, err error) {
	defer func() { s.observe("transition", err) }()

	if !cmd.Target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrValidation, cmd.Target)
	}
	current, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !domain.CanTransition(current.Status, cmd.Target) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, cmd.Target)
	}
	if cmd.Target == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, CancelOrderCommand{OrderID: current.ID, Reason: cmd.Reason})
	}

	now := s.clock()
	updated := current
	updated.Status = cmd.Target
	settleCOD := false
	switch cmd.Target {
	case domain.OrderStatusShipped:
		updated.ShippedAt = timePtr(now)
		if cmd.Tracking != nil {
			updated.Tracking = &Tracking{
				Carrier: textutil.SanitizeText(cmd.Tracking.Carrier),
				Number:  textutil.SanitizeText(cmd.Tracking.Number),
			}
		}
	case domain.OrderStatusDelivered:
		updated.DeliveredAt = timePtr(now)
		if updated.ShippedAt == nil {
			updated.ShippedAt = timePtr(now)
		}
		if current.PaymentMethod.Deferred() && current.PaymentStatus == domain.PaymentStatusPending {
			updated.PaymentStatus = domain.PaymentStatusPaid
			updated.PaidAt = timePtr(now)
			settleCOD = true
		}
	case domain.OrderStatusRefunded:
		if current.Total == 0 || current.TotalRefunded < current.Total {
			return Order{}, fmt.Errorf("%w: order %s is not fully refunded", ErrInvalidTransition, current.ID)
		}
		updated.PaymentStatus = domain.PaymentStatusRefunded
		updated.RefundedAt = timePtr(now)
	}

	var saved Order
	if current.Status == domain.OrderStatusPending && domain.StockHeld(cmd.Target) {
		saved, err = s.commitAndSave(ctx, current, updated)
	} else {
		saved, err = s.save(ctx, current, updated)
	}
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": saved.ID,
		"from":    string(current.Status),
		"to":      string(saved.Status),
	})
	if settleCOD {
		s.settleDeferredPayment(ctx, saved)
	}
	if saved.Status == domain.OrderStatusDelivered {
		sendNotification(ctx, s.notifier, s.logger, orderNotification(NotificationOrderDelivered, saved, nil, now))
	}
	return saved, nil
}

// settleDeferredPayment completes the pending cash on delivery transaction once the carrier
// collected the money.
func (s *orderService) settleDeferredPayment(ctx context.Context, order Order) {
	txns, err := s.txns.ListByOrder(ctx, order.ID)
	if err != nil {
		s.logger(ctx, "order.cod.settle_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return
	}
	for _, txn := range txns {
		if txn.Kind != domain.TransactionKindPayment || txn.Status != domain.TransactionStatusPending {
			continue
		}
		if _, err := s.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusCompleted, "collected on delivery"); err != nil {
			s.logger(ctx, "order.cod.settle_failed", map[string]any{"orderId": order.ID, "transactionId": txn.ID, "error": err.Error()})
		}
	}
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (order Order, err error) {
	defer func() { s.observe("cancel", err) }()

	current, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if current.Status.Terminal() {
		return Order{}, fmt.Errorf("%w: order %s is already %s", ErrInvalidTransition, current.ID, current.Status)
	}
	if current.RefundHold > 0 {
		return Order{}, fmt.Errorf("%w: order %s has a refund in flight", ErrOrderConflict, current.ID)
	}

	now := s.clock()
	updated := current
	updated.Status = domain.OrderStatusCancelled
	updated.PaymentStatus = domain.PaymentStatusRefunded
	updated.CancelReason = textutil.SanitizeText(cmd.Reason)
	updated.CancelledAt = timePtr(now)
	updated.StockCommitted = false

	saved, err := s.save(ctx, current, updated)
	if err != nil {
		return Order{}, err
	}
	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId": saved.ID,
		"from":    string(current.Status),
		"reason":  saved.CancelReason,
	})

	if current.StockCommitted {
		s.restoreStock(ctx, current)
	}
	s.settleCancelledPayments(ctx, current)

	sendNotification(ctx, s.notifier, s.logger, orderNotification(NotificationOrderCancelled, saved, map[string]any{
		"reason": saved.CancelReason,
	}, now))
	return saved, nil
}

// settleCancelledPayments fails pending payment attempts and queues a refund of any money
// already collected.
func (s *orderService) settleCancelledPayments(ctx context.Context, order Order) {
	txns, err := s.txns.ListByOrder(ctx, order.ID)
	if err != nil {
		s.logger(ctx, "order.cancel.transactions_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return
	}
	for _, txn := range txns {
		if txn.Kind != domain.TransactionKindPayment {
			continue
		}
		switch txn.Status {
		case domain.TransactionStatusPending:
			if _, err := s.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusFailed, "order cancelled"); err != nil {
				s.logger(ctx, "order.cancel.transaction_failed", map[string]any{"orderId": order.ID, "transactionId": txn.ID, "error": err.Error()})
			}
		case domain.TransactionStatusCompleted:
			if remainder := txn.Amount - txn.RefundedAmount; remainder > 0 {
				s.queueCancelRefund(ctx, order.ID, txn.ID, remainder)
			}
		}
	}
}

func (s *orderService) queueCancelRefund(ctx context.Context, orderID, txnID string, amount int64) {
	payload := map[string]string{
		payloadOrderID:       orderID,
		payloadTransactionID: txnID,
		payloadAmount:        strconv.FormatInt(amount, 10),
	}
	var err error
	if s.retry == nil {
		err = errors.New("retry queue not configured")
	} else {
		_, err = s.retry.Enqueue(ctx, RetryJobCancelRefund, payload)
	}
	if err == nil {
		s.logger(ctx, "order.cancel.refund_queued", map[string]any{"orderId": orderID, "amount": amount})
		return
	}
	payload["error"] = err.Error()
	raiseAlert(ctx, s.alerter, s.logger, Alert{
		Kind:     AlertRetryEnqueueFailure,
		Severity: SeverityCritical,
		OrderID:  orderID,
		Message:  "refund for cancelled order could not be queued",
		Details:  payload,
		RaisedAt: s.clock(),
	})
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return s.load(ctx, orderID)
}

func (s *orderService) ListTransactions(ctx context.Context, orderID string) ([]MaskedTransaction, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	txns, err := s.txns.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	masked := make([]MaskedTransaction, 0, len(txns))
	for _, txn := range txns {
		masked = append(masked, s.txns.Masked(txn))
	}
	return masked, nil
}

// ConfirmPayment records a successful payment. Stock is committed here unless an earlier
// acceptance already committed it; StockCommitted is the guard both paths check.
func (s *orderService) ConfirmPayment(ctx context.Context, orderID string) (Order, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, orderID)
		if err != nil {
			return Order{}, err
		}
		now := s.clock()

		switch current.Status {
		case domain.OrderStatusCancelled:
			s.paymentAfterCancel(ctx, current)
			return current, nil
		case domain.OrderStatusRefunded:
			return current, nil
		case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
			if current.PaymentStatus != domain.PaymentStatusPending {
				return current, nil
			}
			updated := current
			updated.PaymentStatus = domain.PaymentStatusPaid
			updated.PaidAt = timePtr(now)
			saved, err := s.save(ctx, current, updated)
			if errors.Is(err, ErrOrderConflict) {
				continue
			}
			if err == nil {
				s.logger(ctx, "order.payment.confirmed", map[string]any{"orderId": saved.ID, "status": string(saved.Status)})
			}
			return saved, err
		}

		// pending
		updated := current
		wasPaid := current.PaymentStatus == domain.PaymentStatusPaid
		updated.PaymentStatus = domain.PaymentStatusPaid
		if updated.PaidAt == nil {
			updated.PaidAt = timePtr(now)
		}
		updated.Status = domain.OrderStatusProcessing
		saved, err := s.commitAndSave(ctx, current, updated)
		switch {
		case err == nil:
			s.logger(ctx, "order.payment.confirmed", map[string]any{"orderId": saved.ID, "status": string(saved.Status)})
			return saved, nil
		case errors.Is(err, ErrOrderConflict):
			continue
		case errors.Is(err, ErrInsufficientStock):
			if wasPaid {
				return current, nil
			}
			paidOnly := current
			paidOnly.PaymentStatus = domain.PaymentStatusPaid
			paidOnly.PaidAt = timePtr(now)
			saved, saveErr := s.save(ctx, current, paidOnly)
			if errors.Is(saveErr, ErrOrderConflict) {
				continue
			}
			if saveErr != nil {
				return Order{}, saveErr
			}
			raiseAlert(ctx, s.alerter, s.logger, Alert{
				Kind:     AlertPaidOutOfStock,
				Severity: SeverityCritical,
				OrderID:  saved.ID,
				Message:  "payment succeeded but stock could not be committed",
				Details:  map[string]string{"error": err.Error()},
				RaisedAt: now,
			})
			return saved, nil
		default:
			return Order{}, err
		}
	}
	return Order{}, fmt.Errorf("%w: order %s kept changing while confirming payment", ErrOrderConflict, orderID)
}

func (s *orderService) paymentAfterCancel(ctx context.Context, order Order) {
	remainder := order.Total - order.TotalRefunded
	raiseAlert(ctx, s.alerter, s.logger, Alert{
		Kind:     AlertPaymentAfterCancel,
		Severity: SeverityWarning,
		OrderID:  order.ID,
		Message:  "payment confirmed for a cancelled order; refund queued",
		Details:  map[string]string{payloadAmount: strconv.FormatInt(remainder, 10)},
		RaisedAt: s.clock(),
	})
	if remainder <= 0 {
		return
	}
	txns, err := s.txns.ListByOrder(ctx, order.ID)
	if err != nil {
		s.logger(ctx, "order.cancel.transactions_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return
	}
	for _, txn := range txns {
		if txn.Kind == domain.TransactionKindPayment && txn.Status == domain.TransactionStatusCompleted && txn.Amount > txn.RefundedAmount {
			s.queueCancelRefund(ctx, order.ID, txn.ID, min(remainder, txn.Amount-txn.RefundedAmount))
			return
		}
	}
}

// RecordPaymentFailure marks a pending order's payment failed. Orders that already moved on are
// left untouched because a later success or a manual decision supersedes the failure.
func (s *orderService) RecordPaymentFailure(ctx context.Context, orderID string) (Order, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, orderID)
		if err != nil {
			return Order{}, err
		}
		if current.Status != domain.OrderStatusPending || current.PaymentStatus != domain.PaymentStatusPending {
			s.logger(ctx, "order.payment.failure_ignored", map[string]any{
				"orderId":       current.ID,
				"status":        string(current.Status),
				"paymentStatus": string(current.PaymentStatus),
			})
			return current, nil
		}
		updated := current
		updated.PaymentStatus = domain.PaymentStatusFailed
		saved, err := s.save(ctx, current, updated)
		if errors.Is(err, ErrOrderConflict) {
			continue
		}
		if err == nil {
			s.logger(ctx, "order.payment.failed", map[string]any{"orderId": saved.ID})
		}
		return saved, err
	}
	return Order{}, fmt.Errorf("%w: order %s kept changing while recording payment failure", ErrOrderConflict, orderID)
}

func (s *orderService) load(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, translateRepoError(err, ErrOrderNotFound, ErrOrderConflict)
	}
	return order, nil
}

func (s *orderService) save(ctx context.Context, current, updated Order) (Order, error) {
	updated.UpdatedAt = s.clock()
	if !domain.ValidStatusPair(updated.Status, updated.PaymentStatus) {
		return Order{}, fmt.Errorf("%w: %s/%s is not a valid state", ErrInvalidTransition, updated.Status, updated.PaymentStatus)
	}
	saved, err := s.orders.Update(ctx, updated, current.Version)
	if err != nil {
		return Order{}, translateRepoError(err, ErrOrderNotFound, ErrOrderConflict)
	}
	return saved, nil
}

func (s *orderService) restoreStock(ctx context.Context, order Order) {
	if err := s.stock.RestoreAll(ctx, order.ID, stockLinesFromItems(order.Items)); err != nil {
		s.logger(ctx, "order.stock.restore_deferred", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

// abandonCheckout closes an order whose creation failed after it was written and returns its
// coupon use. Orders that a concurrent webhook already moved past pending/pending are left alone.
func (s *orderService) abandonCheckout(ctx context.Context, order Order, reason string) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, order.ID)
		if errors.Is(err, ErrOrderNotFound) {
			s.releaseCoupon(ctx, order)
			return
		}
		if err != nil {
			s.logger(ctx, "order.checkout.abandon_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			return
		}
		if current.Status != domain.OrderStatusPending || current.PaymentStatus != domain.PaymentStatusPending {
			return
		}
		updated := current
		updated.Status = domain.OrderStatusCancelled
		updated.PaymentStatus = domain.PaymentStatusRefunded
		updated.CancelReason = reason
		updated.CancelledAt = timePtr(s.clock())
		_, err = s.save(ctx, current, updated)
		if errors.Is(err, ErrOrderConflict) {
			continue
		}
		if err != nil {
			s.logger(ctx, "order.checkout.abandon_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			return
		}
		s.releaseCoupon(ctx, current)
		s.logger(ctx, "order.checkout.abandoned", map[string]any{"orderId": order.ID, "reason": reason})
		return
	}
	s.logger(ctx, "order.checkout.abandon_failed", map[string]any{"orderId": order.ID, "error": "order kept changing"})
}

func (s *orderService) releaseCoupon(ctx context.Context, order Order) {
	if order.CouponCode == "" {
		return
	}
	if err := s.coupons.Release(ctx, order.CouponCode); err != nil {
		s.logger(ctx, "order.coupon.release_failed", map[string]any{"orderId": order.ID, "code": order.CouponCode, "error": err.Error()})
	}
}

func (s *orderService) observe(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.OrderOperation(operation, outcome)
}

// priceItems resolves every requested line against the catalog and snapshots its price.
func (s *orderService) priceItems(ctx context.Context, inputs []OrderItemInput) ([]LineItem, error) {
	products := make(map[string]Product, len(inputs))
	items := make([]LineItem, 0, len(inputs))
	for i, input := range inputs {
		productID := strings.TrimSpace(input.ProductID)
		product, ok := products[productID]
		if !ok {
			fetched, err := s.catalog.GetProduct(ctx, productID)
			if err != nil {
				if isRepoNotFound(err) {
					return nil, fmt.Errorf("%w: product %s not found", ErrProductInvalid, productID)
				}
				return nil, translateRepoError(err, nil, nil)
			}
			product = fetched
			products[productID] = product
		}
		if !product.IsActive {
			return nil, fmt.Errorf("%w: product %s is not available", ErrProductInvalid, productID)
		}
		variantID := strings.TrimSpace(input.VariantID)
		variant, ok := product.FindVariant(variantID)
		if !ok {
			return nil, fmt.Errorf("%w: product %s has no variant %s", ErrVariantNotFound, productID, variantID)
		}
		packaging := strings.TrimSpace(input.Packaging)
		if packaging != "" && !product.HasPackaging(packaging) {
			return nil, fmt.Errorf("%w: %q is not offered for product %s", ErrPackagingInvalid, packaging, productID)
		}
		if variant.Price < 0 {
			return nil, fmt.Errorf("%w: item %d has a negative price", ErrProductInvalid, i)
		}
		items = append(items, LineItem{
			ProductID: productID,
			VariantID: variantID,
			Packaging: packaging,
			Name:      product.Name,
			Quantity:  input.Quantity,
			UnitPrice: variant.Price,
			Total:     domain.LineTotal(variant.Price, input.Quantity),
		})
	}
	return items, nil
}

func (s *orderService) nextOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.TrimSpace(ulid.Make().String()))
	if len(suffix) > orderNumberSuffix {
		suffix = suffix[len(suffix)-orderNumberSuffix:]
	}
	return fmt.Sprintf("%s-%d-%s", orderNumberPrefix, now.UnixMilli(), suffix)
}

func validateCreateOrder(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.CustomerID) == "" {
		return fmt.Errorf("%w: customer id is required", ErrValidation)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	if len(cmd.Items) > maxOrderLineItems {
		return fmt.Errorf("%w: at most %d items are allowed", ErrValidation, maxOrderLineItems)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" || strings.TrimSpace(item.VariantID) == "" {
			return fmt.Errorf("%w: item %d requires product and variant", ErrValidation, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, i)
		}
	}
	if cmd.ShippingAddress.IsZero() {
		return fmt.Errorf("%w: shipping address is required", ErrValidation)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Line1) == "" || strings.TrimSpace(cmd.ShippingAddress.Country) == "" {
		return fmt.Errorf("%w: shipping address requires line1 and country", ErrValidation)
	}
	if !cmd.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, cmd.PaymentMethod)
	}
	if cmd.PaymentMethod == domain.PaymentMethodCard && strings.TrimSpace(cmd.PaymentToken) == "" {
		return fmt.Errorf("%w: card payments require a payment token", ErrValidation)
	}
	return nil
}

func sanitizeAddress(addr Address) Address {
	return Address{
		Recipient:  textutil.SanitizeText(addr.Recipient),
		Line1:      textutil.SanitizeText(addr.Line1),
		Line2:      textutil.SanitizeText(addr.Line2),
		City:       textutil.SanitizeText(addr.City),
		State:      textutil.SanitizeText(addr.State),
		PostalCode: textutil.SanitizeText(addr.PostalCode),
		Country:    strings.ToUpper(textutil.SanitizeText(addr.Country)),
		Phone:      textutil.SanitizeText(addr.Phone),
	}
}
