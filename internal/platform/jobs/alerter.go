package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/services"
)

// LogAlerter writes operator alerts at error level so log-based alerting policies pick them up.
type LogAlerter struct {
	logger *zap.Logger
}

var _ services.OperatorAlerter = (*LogAlerter)(nil)

// NewLogAlerter constructs a log alerter.
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger}
}

// Alert logs the alert.
func (a *LogAlerter) Alert(_ context.Context, alert services.Alert) error {
	fields := []zap.Field{
		zap.String("alertKind", alert.Kind),
		zap.String("alertSeverity", alert.Severity),
		zap.String("orderId", alert.OrderID),
		zap.Time("raisedAt", alert.RaisedAt),
	}
	if len(alert.Details) > 0 {
		fields = append(fields, zap.Any("details", alert.Details))
	}
	a.logger.Error(alert.Message, fields...)
	return nil
}

// PubSubAlerter publishes operator alerts to a Pub/Sub topic feeding paging integrations.
type PubSubAlerter struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OperatorAlerter = (*PubSubAlerter)(nil)

// NewPubSubAlerter constructs a Pub/Sub alert publisher.
func NewPubSubAlerter(topic *pubsub.Topic) (*PubSubAlerter, error) {
	if topic == nil {
		return nil, errors.New("pubsub alerter: topic is required")
	}
	return &PubSubAlerter{topic: topic, marshal: json.Marshal}, nil
}

// Alert publishes the alert and waits for the server acknowledgement.
func (a *PubSubAlerter) Alert(ctx context.Context, alert services.Alert) error {
	if a == nil || a.topic == nil {
		return errors.New("pubsub alerter: not initialised")
	}
	data, err := a.marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	attrs := make(map[string]string)
	setAttr(attrs, "kind", alert.Kind)
	setAttr(attrs, "severity", alert.Severity)
	setAttr(attrs, "orderId", alert.OrderID)

	result := a.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// FanoutAlerter delivers each alert to every target and joins the failures.
type FanoutAlerter []services.OperatorAlerter

var _ services.OperatorAlerter = FanoutAlerter(nil)

// Alert delivers to all targets even when one fails.
func (f FanoutAlerter) Alert(ctx context.Context, alert services.Alert) error {
	var errs []error
	for _, target := range f {
		if target == nil {
			continue
		}
		if err := target.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
