package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
)

// RetryingGateway retries transient gateway errors with exponential backoff. Callers must set
// idempotency keys on requests so a retried charge or refund is applied once by the processor.
type RetryingGateway struct {
	next        Gateway
	maxAttempts int
	backoff     func() gax.Backoff
	sleep       func(ctx context.Context, d time.Duration) error
	logger      StripeLogger
}

// RetryOption customises RetryingGateway.
type RetryOption func(*RetryingGateway)

// WithRetryBackoff overrides the backoff parameters.
func WithRetryBackoff(initial, maxDelay time.Duration, multiplier float64) RetryOption {
	return func(g *RetryingGateway) {
		g.backoff = func() gax.Backoff {
			return gax.Backoff{Initial: initial, Max: maxDelay, Multiplier: multiplier}
		}
	}
}

// WithRetrySleep replaces gax.Sleep, mainly for tests.
func WithRetrySleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(g *RetryingGateway) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// WithRetryLogger records each retried attempt.
func WithRetryLogger(logger StripeLogger) RetryOption {
	return func(g *RetryingGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewRetryingGateway wraps next. maxAttempts below 1 is treated as 1.
func NewRetryingGateway(next Gateway, maxAttempts int, opts ...RetryOption) *RetryingGateway {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	g := &RetryingGateway{
		next:        next,
		maxAttempts: maxAttempts,
		backoff: func() gax.Backoff {
			return gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
		},
		sleep:  gax.Sleep,
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Name implements Gateway.
func (g *RetryingGateway) Name() string { return g.next.Name() }

// Charge implements Gateway.
func (g *RetryingGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var result ChargeResult
	err := g.do(ctx, "charge", func() error {
		var err error
		result, err = g.next.Charge(ctx, req)
		return err
	})
	return result, err
}

// Refund implements Gateway.
func (g *RetryingGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var result RefundResult
	err := g.do(ctx, "refund", func() error {
		var err error
		result, err = g.next.Refund(ctx, req)
		return err
	})
	return result, err
}

func (g *RetryingGateway) do(ctx context.Context, op string, call func() error) error {
	bo := g.backoff()
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrGatewayUnavailable) {
			return lastErr
		}
		if attempt == g.maxAttempts {
			break
		}
		g.logger(ctx, "payments.gateway.retry", map[string]any{
			"gateway": g.next.Name(),
			"op":      op,
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		if err := g.sleep(ctx, bo.Pause()); err != nil {
			return fmt.Errorf("%w: %s interrupted: %v", ErrGatewayUnavailable, op, err)
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrGatewayFailure, op, g.maxAttempts, lastErr)
}
