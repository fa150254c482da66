package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/services"
)

// eventMessage is the wire form of a verified gateway event.
type eventMessage struct {
	ID                   string    `json:"id"`
	Gateway              string    `json:"gateway"`
	Type                 string    `json:"type"`
	GatewayTransactionID string    `json:"gatewayTransactionId"`
	Outcome              string    `json:"outcome"`
	Amount               int64     `json:"amount,omitempty"`
	ReceivedAt           time.Time `json:"receivedAt"`
}

func encodeEvent(event services.GatewayEvent) eventMessage {
	return eventMessage{
		ID:                   event.ID,
		Gateway:              event.Gateway,
		Type:                 event.Type,
		GatewayTransactionID: event.GatewayTransactionID,
		Outcome:              string(event.Outcome),
		Amount:               event.Amount,
		ReceivedAt:           event.ReceivedAt.UTC(),
	}
}

func (m eventMessage) toEvent() services.GatewayEvent {
	return services.GatewayEvent{
		ID:                   m.ID,
		Gateway:              m.Gateway,
		Type:                 m.Type,
		GatewayTransactionID: m.GatewayTransactionID,
		Outcome:              domain.PaymentOutcome(m.Outcome),
		Amount:               m.Amount,
		ReceivedAt:           m.ReceivedAt,
	}
}

// DecodeEvent parses a queued event payload.
func DecodeEvent(data []byte) (services.GatewayEvent, error) {
	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return services.GatewayEvent{}, fmt.Errorf("decode gateway event: %w", err)
	}
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.Gateway) == "" {
		return services.GatewayEvent{}, errors.New("decode gateway event: id and gateway are required")
	}
	return msg.toEvent(), nil
}

// PubSubEventQueue publishes verified webhook events to a Pub/Sub topic.
type PubSubEventQueue struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.EventQueue = (*PubSubEventQueue)(nil)

// NewPubSubEventQueue constructs a Pub/Sub backed event queue.
func NewPubSubEventQueue(topic *pubsub.Topic) (*PubSubEventQueue, error) {
	if topic == nil {
		return nil, errors.New("pubsub event queue: topic is required")
	}
	return &PubSubEventQueue{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Enqueue publishes the event and waits for the server acknowledgement. Events are ordered by
// gateway transaction id so deliveries for one payment arrive in sequence when the
// subscription enables message ordering.
func (q *PubSubEventQueue) Enqueue(ctx context.Context, event services.GatewayEvent) error {
	if q == nil || q.topic == nil {
		return errors.New("pubsub event queue: not initialised")
	}

	data, err := q.marshal(encodeEvent(event))
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "gateway", event.Gateway)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "outcome", string(event.Outcome))

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if q.topic.EnableMessageOrdering {
		msg.OrderingKey = strings.TrimSpace(event.GatewayTransactionID)
	}
	result := q.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			q.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish gateway event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
