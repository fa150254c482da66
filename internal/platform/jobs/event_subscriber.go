package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/services"
)

// EventProcessor applies one queued gateway event. services.WebhookReconciler satisfies it.
type EventProcessor interface {
	Process(ctx context.Context, event services.GatewayEvent) (services.ReconcileOutcome, error)
}

// EventSubscriber pulls webhook events from a Pub/Sub subscription and hands them to the
// reconciler. Messages are acked once processed or found unprocessable and nacked on transient
// failures so Pub/Sub redelivers them.
type EventSubscriber struct {
	sub       *pubsub.Subscription
	processor EventProcessor
	logger    *zap.Logger
}

// NewEventSubscriber constructs a subscriber for the webhook event subscription.
func NewEventSubscriber(sub *pubsub.Subscription, processor EventProcessor, logger *zap.Logger) (*EventSubscriber, error) {
	if sub == nil {
		return nil, errors.New("event subscriber: subscription is required")
	}
	if processor == nil {
		return nil, errors.New("event subscriber: processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSubscriber{sub: sub, processor: processor, logger: logger}, nil
}

// Run blocks receiving messages until ctx is cancelled.
func (s *EventSubscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("event subscriber: receive: %w", err)
	}
	return nil
}

// handle reports whether the message should be acknowledged.
func (s *EventSubscriber) handle(ctx context.Context, messageID string, data []byte) bool {
	event, err := DecodeEvent(data)
	if err != nil {
		s.logger.Warn("dropping undecodable gateway event", zap.String("messageId", messageID), zap.Error(err))
		return true
	}
	outcome, err := s.processor.Process(ctx, event)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			s.logger.Warn("dropping invalid gateway event",
				zap.String("eventId", event.ID), zap.String("gateway", event.Gateway), zap.Error(err))
			return true
		}
		s.logger.Error("gateway event processing failed",
			zap.String("eventId", event.ID), zap.String("gateway", event.Gateway), zap.Error(err))
		return false
	}
	s.logger.Debug("gateway event processed",
		zap.String("eventId", event.ID), zap.String("outcome", string(outcome)))
	return true
}
