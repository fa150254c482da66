package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/services"
)

const (
	defaultLocalQueueSize     = 256
	defaultLocalRedeliveries  = 3
	defaultLocalRedeliveryGap = 2 * time.Second
)

// LocalEventQueue is an in-process queue for environments without Pub/Sub. Events are lost on
// restart; gateways redeliver unacknowledged webhooks in that case.
type LocalEventQueue struct {
	events    chan services.GatewayEvent
	processor EventProcessor
	logger    *zap.Logger
	attempts  int
	gap       time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ services.EventQueue = (*LocalEventQueue)(nil)

// LocalQueueOption customises the local queue.
type LocalQueueOption func(*LocalEventQueue)

// WithLocalRedelivery sets how many times a failing event is attempted and the wait between
// attempts.
func WithLocalRedelivery(attempts int, gap time.Duration) LocalQueueOption {
	return func(q *LocalEventQueue) {
		if attempts > 0 {
			q.attempts = attempts
		}
		if gap >= 0 {
			q.gap = gap
		}
	}
}

// WithLocalQueueSize sets the channel buffer.
func WithLocalQueueSize(size int) LocalQueueOption {
	return func(q *LocalEventQueue) {
		if size > 0 {
			q.events = make(chan services.GatewayEvent, size)
		}
	}
}

// NewLocalEventQueue constructs the queue. The processor may be attached later with Attach
// since the reconciler itself depends on the queue.
func NewLocalEventQueue(logger *zap.Logger, opts ...LocalQueueOption) *LocalEventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &LocalEventQueue{
		events:   make(chan services.GatewayEvent, defaultLocalQueueSize),
		logger:   logger,
		attempts: defaultLocalRedeliveries,
		gap:      defaultLocalRedeliveryGap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Attach sets the processor consumed by Run.
func (q *LocalEventQueue) Attach(processor EventProcessor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = processor
}

// Enqueue buffers the event. A full buffer is reported as an error so the webhook is answered
// with 503 and redelivered by the gateway.
func (q *LocalEventQueue) Enqueue(ctx context.Context, event services.GatewayEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errors.New("local event queue: closed")
	}
	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("local event queue: full (%d buffered)", cap(q.events))
	}
}

// Run drains the queue until ctx is cancelled or Close is called.
func (q *LocalEventQueue) Run(ctx context.Context) error {
	q.mu.RLock()
	processor := q.processor
	q.mu.RUnlock()
	if processor == nil {
		return errors.New("local event queue: processor is required")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-q.events:
			if !ok {
				return nil
			}
			q.process(ctx, processor, event)
		}
	}
}

func (q *LocalEventQueue) process(ctx context.Context, processor EventProcessor, event services.GatewayEvent) {
	for attempt := 1; attempt <= q.attempts; attempt++ {
		outcome, err := processor.Process(ctx, event)
		if err == nil {
			q.logger.Debug("gateway event processed",
				zap.String("eventId", event.ID), zap.String("outcome", string(outcome)))
			return
		}
		if errors.Is(err, services.ErrValidation) {
			q.logger.Warn("dropping invalid gateway event", zap.String("eventId", event.ID), zap.Error(err))
			return
		}
		q.logger.Error("gateway event processing failed",
			zap.String("eventId", event.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == q.attempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.gap):
		}
	}
}

// Close stops accepting events and ends Run once the buffer drains.
func (q *LocalEventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}
