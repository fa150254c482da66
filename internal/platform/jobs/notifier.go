package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/services"
)

// PubSubNotifier publishes customer notifications to a Pub/Sub topic consumed by the mailer.
type PubSubNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.Notifier = (*PubSubNotifier)(nil)

// NewPubSubNotifier constructs a Pub/Sub notification publisher.
func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	return &PubSubNotifier{topic: topic, marshal: json.Marshal}, nil
}

// Notify publishes the notification and waits for the server acknowledgement.
func (n *PubSubNotifier) Notify(ctx context.Context, notification services.Notification) error {
	if n == nil || n.topic == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	data, err := n.marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	attrs := make(map[string]string)
	setAttr(attrs, "event", notification.Event)
	setAttr(attrs, "orderId", notification.OrderID)
	setAttr(attrs, "customerId", notification.CustomerID)

	result := n.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// amqpPublisher is the subset of *amqp.Channel used by AMQPNotifier.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes customer notifications to a RabbitMQ topic exchange. The routing key
// is the notification event name.
type AMQPNotifier struct {
	conn     *amqp.Connection
	exchange string
	marshal  func(any) ([]byte, error)
	clock    func() time.Time

	mu      sync.Mutex
	channel amqpPublisher
}

var _ services.Notifier = (*AMQPNotifier)(nil)

// DialAMQPNotifier connects to the broker and declares a durable topic exchange.
func DialAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp notifier: url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp notifier: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp notifier: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp notifier: declare exchange %q: %w", exchange, err)
	}
	notifier, err := newAMQPNotifier(ch, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	notifier.conn = conn
	return notifier, nil
}

func newAMQPNotifier(ch amqpPublisher, exchange string) (*AMQPNotifier, error) {
	if ch == nil {
		return nil, errors.New("amqp notifier: channel is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("amqp notifier: exchange is required")
	}
	return &AMQPNotifier{
		channel:  ch,
		exchange: exchange,
		marshal:  json.Marshal,
		clock:    time.Now,
	}, nil
}

// Notify publishes a persistent JSON message.
func (n *AMQPNotifier) Notify(ctx context.Context, notification services.Notification) error {
	body, err := n.marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     n.clock().UTC(),
		Type:          notification.Event,
		CorrelationId: notification.OrderID,
		Body:          body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.channel.PublishWithContext(ctx, n.exchange, notification.Event, false, false, msg); err != nil {
		return fmt.Errorf("amqp notifier: publish %s: %w", notification.Event, err)
	}
	return nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log. Used when no transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

var _ services.Notifier = (*LogNotifier)(nil)

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification at info level.
func (n *LogNotifier) Notify(_ context.Context, notification services.Notification) error {
	n.logger.Info("customer notification",
		zap.String("event", notification.Event),
		zap.String("orderId", notification.OrderID),
		zap.String("customerId", notification.CustomerID),
		zap.Time("occurredAt", notification.OccurredAt),
	)
	return nil
}
