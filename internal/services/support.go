package services

import (
	"context"
	"time"
)

type noopMetrics struct{}

func (noopMetrics) OrderOperation(string, string) {}
func (noopMetrics) WebhookEvent(string, string)   {}
func (noopMetrics) StockCompensation(string)      {}
func (noopMetrics) RetryJob(string, string)       {}

type serviceLogger = func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}

// raiseAlert hands the alert to the operator channel. Delivery failures are logged; alerts never
// fail the operation that raised them.
func raiseAlert(ctx context.Context, alerter OperatorAlerter, logger serviceLogger, alert Alert) {
	fields := map[string]any{
		"kind":     alert.Kind,
		"severity": alert.Severity,
		"orderId":  alert.OrderID,
		"message":  alert.Message,
	}
	for k, v := range alert.Details {
		fields["detail."+k] = v
	}
	logger(ctx, "operator.alert", fields)
	if alerter == nil {
		return
	}
	if err := alerter.Alert(ctx, alert); err != nil {
		logger(ctx, "operator.alert.failed", map[string]any{"kind": alert.Kind, "orderId": alert.OrderID, "error": err.Error()})
	}
}

// sendNotification is fire and forget.
func sendNotification(ctx context.Context, notifier Notifier, logger serviceLogger, notification Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, notification); err != nil {
		logger(ctx, "notification.failed", map[string]any{
			"event":   notification.Event,
			"orderId": notification.OrderID,
			"error":   err.Error(),
		})
	}
}

func orderNotification(event string, order Order, payload map[string]any, at time.Time) Notification {
	return Notification{
		Recipient:   order.CustomerEmail,
		CustomerID:  order.CustomerID,
		Event:       event,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Payload:     payload,
		OccurredAt:  at,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
