package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/payments"
	"github.com/vitrine/fulfillment/internal/platform/observability"
)

// WebhookReconcilerDeps bundles collaborators required to construct the reconciler.
type WebhookReconcilerDeps struct {
	Verifiers    WebhookVerifiers
	Queue        EventQueue
	Archive      PayloadArchive
	Transactions TransactionLog
	Orders       OrderService
	Alerter      OperatorAlerter
	Metrics      Metrics
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type webhookReconciler struct {
	verifiers WebhookVerifiers
	queue     EventQueue
	archive   PayloadArchive
	txns      TransactionLog
	orders    OrderService
	alerter   OperatorAlerter
	metrics   Metrics
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewWebhookReconciler wires dependencies into a WebhookReconciler implementation.
func NewWebhookReconciler(deps WebhookReconcilerDeps) (WebhookReconciler, error) {
	if deps.Verifiers == nil {
		return nil, errors.New("webhook reconciler: verifiers are required")
	}
	if deps.Queue == nil {
		return nil, errors.New("webhook reconciler: event queue is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("webhook reconciler: transaction log is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook reconciler: order service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &webhookReconciler{
		verifiers: deps.Verifiers,
		queue:     deps.Queue,
		archive:   deps.Archive,
		txns:      deps.Transactions,
		orders:    deps.Orders,
		alerter:   deps.Alerter,
		metrics:   metrics,
		clock:     utcClock(deps.Clock),
		logger:    logger,
	}, nil
}

func (w *webhookReconciler) Receive(ctx context.Context, gateway string, r *http.Request, body []byte) (GatewayEvent, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if gateway == "" {
		return GatewayEvent{}, fmt.Errorf("%w: gateway is required", ErrValidation)
	}
	verifier, err := w.verifiers.Verifier(gateway)
	if err != nil {
		w.metrics.WebhookEvent(gateway, "unknown_gateway")
		return GatewayEvent{}, fmt.Errorf("%w: unknown gateway %q", ErrValidation, gateway)
	}

	event, err := verifier.Verify(ctx, r, body)
	if err != nil {
		w.metrics.WebhookEvent(gateway, "rejected")
		w.logger(ctx, "webhook.rejected", map[string]any{"gateway": gateway, "error": err.Error()})
		switch {
		case errors.Is(err, payments.ErrMalformedEvent):
			return GatewayEvent{}, fmt.Errorf("%w: %v", ErrValidation, err)
		case errors.Is(err, payments.ErrGatewayUnavailable):
			return GatewayEvent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			return GatewayEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
		}
	}
	if event.Gateway == "" {
		event.Gateway = gateway
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = w.clock()
	}

	if w.archive != nil {
		location, err := w.archive.Archive(ctx, gateway, event.ID, body, event.ReceivedAt)
		if err != nil {
			w.logger(ctx, "webhook.archive_failed", map[string]any{"gateway": gateway, "eventId": event.ID, "error": err.Error()})
		} else {
			w.logger(ctx, "webhook.archived", map[string]any{"gateway": gateway, "eventId": event.ID, "location": location})
		}
	}

	if err := w.queue.Enqueue(ctx, event); err != nil {
		w.metrics.WebhookEvent(gateway, "queue_failed")
		w.logger(ctx, "webhook.queue_failed", map[string]any{"gateway": gateway, "eventId": event.ID, "error": err.Error()})
		return GatewayEvent{}, fmt.Errorf("%w: event queue: %v", ErrUnavailable, err)
	}
	w.metrics.WebhookEvent(gateway, "received")
	w.logger(ctx, "webhook.received", map[string]any{
		"gateway": gateway,
		"eventId": event.ID,
		"type":    event.Type,
		"outcome": string(event.Outcome),
	})
	return event, nil
}

func (w *webhookReconciler) Process(ctx context.Context, event GatewayEvent) (ReconcileOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "webhook.process",
		attribute.String("webhook.gateway", event.Gateway),
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.outcome", string(event.Outcome)),
	)
	defer span.End()

	outcome, err := w.process(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		w.metrics.WebhookEvent(event.Gateway, "error")
		w.logger(ctx, "webhook.process_failed", map[string]any{"gateway": event.Gateway, "eventId": event.ID, "error": err.Error()})
		return "", err
	}
	span.SetAttributes(attribute.String("webhook.result", string(outcome)))
	w.metrics.WebhookEvent(event.Gateway, string(outcome))
	w.logger(ctx, "webhook.processed", map[string]any{
		"gateway": event.Gateway,
		"eventId": event.ID,
		"outcome": string(event.Outcome),
		"result":  string(outcome),
	})
	return outcome, nil
}

func (w *webhookReconciler) process(ctx context.Context, event GatewayEvent) (ReconcileOutcome, error) {
	switch event.Outcome {
	case domain.PaymentOutcomeSucceeded, domain.PaymentOutcomeFailed, domain.PaymentOutcomeRefunded:
	default:
		return ReconcileIgnored, nil
	}
	if strings.TrimSpace(event.GatewayTransactionID) == "" {
		return ReconcileDiscarded, nil
	}

	txn, err := w.txns.FindByGatewayID(ctx, event.GatewayTransactionID)
	if err != nil {
		if isRepoNotFound(err) {
			w.logger(ctx, "webhook.transaction_missing", map[string]any{"gateway": event.Gateway, "eventId": event.ID, "type": event.Type})
			return ReconcileDiscarded, nil
		}
		return "", err
	}
	if txn.Kind != domain.TransactionKindPayment {
		return ReconcileIgnored, nil
	}

	switch event.Outcome {
	case domain.PaymentOutcomeSucceeded:
		return w.applySuccess(ctx, txn)
	case domain.PaymentOutcomeFailed:
		return w.applyFailure(ctx, txn)
	default:
		return w.applyRefund(ctx, txn, event)
	}
}

func (w *webhookReconciler) applySuccess(ctx context.Context, txn Transaction) (ReconcileOutcome, error) {
	switch txn.Status {
	case domain.TransactionStatusCompleted, domain.TransactionStatusRefunded:
		return ReconcileDuplicate, w.healConfirmation(ctx, txn.OrderID)
	}
	if _, err := w.txns.MarkStatus(ctx, txn.ID, txn.Status, domain.TransactionStatusCompleted, "gateway confirmed payment"); err != nil {
		if errors.Is(err, ErrTransactionConflict) {
			return ReconcileDuplicate, w.healConfirmation(ctx, txn.OrderID)
		}
		return "", err
	}
	if _, err := w.orders.ConfirmPayment(ctx, txn.OrderID); err != nil {
		return "", err
	}
	return ReconcileApplied, nil
}

// healConfirmation finishes a confirmation whose transaction was completed but whose order was
// never marked paid, such as a synchronous charge interrupted between the two writes.
func (w *webhookReconciler) healConfirmation(ctx context.Context, orderID string) error {
	order, err := w.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil
		}
		return err
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus == domain.PaymentStatusPaid {
		return nil
	}
	w.logger(ctx, "webhook.confirmation_healed", map[string]any{"orderId": order.ID})
	_, err = w.orders.ConfirmPayment(ctx, order.ID)
	return err
}

func (w *webhookReconciler) applyFailure(ctx context.Context, txn Transaction) (ReconcileOutcome, error) {
	if txn.Status != domain.TransactionStatusPending {
		if txn.Status != domain.TransactionStatusFailed {
			w.logger(ctx, "webhook.failure_stale", map[string]any{"transactionId": txn.ID, "status": string(txn.Status)})
		}
		return ReconcileDuplicate, nil
	}
	if _, err := w.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusPending, domain.TransactionStatusFailed, "gateway reported failure"); err != nil {
		if errors.Is(err, ErrTransactionConflict) {
			return ReconcileDuplicate, nil
		}
		return "", err
	}
	if _, err := w.orders.RecordPaymentFailure(ctx, txn.OrderID); err != nil {
		return "", err
	}
	return ReconcileApplied, nil
}

func (w *webhookReconciler) applyRefund(ctx context.Context, txn Transaction, event GatewayEvent) (ReconcileOutcome, error) {
	switch txn.Status {
	case domain.TransactionStatusRefunded:
		return ReconcileDuplicate, nil
	case domain.TransactionStatusCompleted:
	default:
		w.logger(ctx, "webhook.refund_unsettled", map[string]any{"transactionId": txn.ID, "status": string(txn.Status)})
		return ReconcileIgnored, nil
	}
	if _, err := w.txns.MarkStatus(ctx, txn.ID, domain.TransactionStatusCompleted, domain.TransactionStatusRefunded, "gateway reported refund"); err != nil {
		if errors.Is(err, ErrTransactionConflict) {
			return ReconcileDuplicate, nil
		}
		return "", err
	}

	order, err := w.orders.GetOrder(ctx, txn.OrderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return "", err
	}
	if err != nil || order.TotalRefunded < txn.Amount {
		var recorded int64
		if err == nil {
			recorded = order.TotalRefunded
		}
		raiseAlert(ctx, w.alerter, w.logger, Alert{
			Kind:     AlertExternalRefund,
			Severity: SeverityWarning,
			OrderID:  txn.OrderID,
			Message:  "gateway refunded a payment the order ledger has not fully recorded",
			Details: map[string]string{
				"transactionId": txn.ID,
				"eventId":       event.ID,
				"paid":          strconv.FormatInt(txn.Amount, 10),
				"recorded":      strconv.FormatInt(recorded, 10),
			},
			RaisedAt: w.clock(),
		})
	}
	return ReconcileApplied, nil
}
