package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/vitrine/fulfillment/internal/repositories"
)

const (
	defaultCompensationAttempts = 3

	payloadOrderID   = "orderId"
	payloadProductID = "productId"
	payloadVariantID = "variantId"
	payloadQuantity  = "quantity"
)

// StockLedgerDeps bundles the collaborators required to construct a stock ledger.
type StockLedgerDeps struct {
	Stock   repositories.StockRepository
	Retry   RetryEnqueuer
	Alerter OperatorAlerter
	Metrics Metrics
	// CompensationAttempts bounds inline restore retries before work is deferred to the queue.
	CompensationAttempts int
	CompensationBackoff  gax.Backoff
	Sleep                func(ctx context.Context, d time.Duration) error
	Clock                func() time.Time
	Logger               func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	repo     repositories.StockRepository
	retry    RetryEnqueuer
	alerter  OperatorAlerter
	metrics  Metrics
	attempts int
	backoff  gax.Backoff
	sleep    func(context.Context, time.Duration) error
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewStockLedger wires dependencies into a StockLedger implementation.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock ledger: stock repository is required")
	}
	attempts := deps.CompensationAttempts
	if attempts <= 0 {
		attempts = defaultCompensationAttempts
	}
	backoff := deps.CompensationBackoff
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = gax.Sleep
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &stockLedger{
		repo:     deps.Stock,
		retry:    deps.Retry,
		alerter:  deps.Alerter,
		metrics:  metrics,
		attempts: attempts,
		backoff:  backoff,
		sleep:    sleep,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (l *stockLedger) ReserveCheck(ctx context.Context, key StockKey, qty int64) error {
	if err := validateStockInput(key, qty); err != nil {
		return err
	}
	entry, err := l.repo.Get(ctx, key)
	if err != nil {
		if repositories.IsStockError(err, repositories.StockErrorNotFound) {
			return fmt.Errorf("%w: %s has no stock", ErrInsufficientStock, key)
		}
		return l.mapStockError(err, key)
	}
	if entry.Quantity < qty {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientStock, key, entry.Quantity, qty)
	}
	return nil
}

func (l *stockLedger) Deduct(ctx context.Context, key StockKey, qty int64) error {
	if err := validateStockInput(key, qty); err != nil {
		return err
	}
	if _, err := l.repo.Deduct(ctx, key, qty); err != nil {
		return l.mapStockError(err, key)
	}
	return nil
}

func (l *stockLedger) Restore(ctx context.Context, key StockKey, qty int64) error {
	if err := validateStockInput(key, qty); err != nil {
		return err
	}
	if _, err := l.repo.Restore(ctx, key, qty); err != nil {
		return l.mapStockError(err, key)
	}
	return nil
}

func (l *stockLedger) DeductAll(ctx context.Context, orderID string, lines []StockLine) error {
	lines, err := AggregateStockLines(lines)
	if err != nil {
		return err
	}
	for i, line := range lines {
		if err := l.Deduct(ctx, line.Key, line.Quantity); err != nil {
			l.logger(ctx, "stock.deduct.failed", map[string]any{
				"orderId": orderID,
				"key":     line.Key.String(),
				"applied": i,
				"error":   err.Error(),
			})
			if i > 0 {
				l.compensate(ctx, orderID, lines[:i])
			}
			return err
		}
	}
	return nil
}

func (l *stockLedger) RestoreAll(ctx context.Context, orderID string, lines []StockLine) error {
	lines, err := AggregateStockLines(lines)
	if err != nil {
		return err
	}
	if failed := l.compensate(ctx, orderID, lines); failed > 0 {
		return fmt.Errorf("%w: %d stock restorations deferred", ErrUnavailable, failed)
	}
	return nil
}

// compensate restores lines with bounded inline retries. Lines that still fail become one
// stock_restore job each so a retried job never re-applies a line that already succeeded.
// It returns the number of lines that could not be queued either.
func (l *stockLedger) compensate(ctx context.Context, orderID string, lines []StockLine) int {
	var unqueued int
	for _, line := range lines {
		err := l.restoreWithRetry(ctx, line)
		if err == nil {
			l.metrics.StockCompensation("restored")
			continue
		}
		l.metrics.StockCompensation("deferred")
		l.logger(ctx, "stock.restore.failed", map[string]any{
			"orderId":  orderID,
			"key":      line.Key.String(),
			"quantity": line.Quantity,
			"error":    err.Error(),
		})

		details := map[string]string{
			payloadOrderID:   orderID,
			payloadProductID: line.Key.ProductID,
			payloadVariantID: line.Key.VariantID,
			payloadQuantity:  strconv.FormatInt(line.Quantity, 10),
		}
		var queueErr error
		if l.retry == nil {
			queueErr = errors.New("retry queue not configured")
		} else {
			_, queueErr = l.retry.Enqueue(ctx, RetryJobStockRestore, details)
		}
		severity := SeverityWarning
		message := "stock restoration deferred to retry queue"
		if queueErr != nil {
			unqueued++
			severity = SeverityCritical
			message = "stock restoration failed and could not be queued"
			details["queueError"] = queueErr.Error()
		}
		details["error"] = err.Error()
		raiseAlert(ctx, l.alerter, l.logger, Alert{
			Kind:     AlertStockCompensation,
			Severity: severity,
			OrderID:  orderID,
			Message:  message,
			Details:  details,
			RaisedAt: l.clock(),
		})
	}
	return unqueued
}

func (l *stockLedger) restoreWithRetry(ctx context.Context, line StockLine) error {
	bo := l.backoff
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if err = l.Restore(ctx, line.Key, line.Quantity); err == nil {
			return nil
		}
		if errors.Is(err, ErrValidation) || attempt == l.attempts {
			break
		}
		if sleepErr := l.sleep(ctx, bo.Pause()); sleepErr != nil {
			return fmt.Errorf("%w (interrupted: %v)", err, sleepErr)
		}
	}
	return err
}

func (l *stockLedger) mapStockError(err error, key StockKey) error {
	switch {
	case repositories.IsStockError(err, repositories.StockErrorInsufficient):
		return fmt.Errorf("%w: %s", ErrInsufficientStock, key)
	case repositories.IsStockError(err, repositories.StockErrorNotFound):
		return fmt.Errorf("%w: %s has no stock entry", ErrInsufficientStock, key)
	case repositories.IsStockError(err, repositories.StockErrorInvalidInput):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return translateRepoError(err, nil, nil)
}

func validateStockInput(key StockKey, qty int64) error {
	if strings.TrimSpace(key.ProductID) == "" || strings.TrimSpace(key.VariantID) == "" {
		return fmt.Errorf("%w: product and variant are required", ErrValidation)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	return nil
}

// AggregateStockLines merges lines for the same variant, preserving first-seen order.
func AggregateStockLines(lines []StockLine) ([]StockLine, error) {
	out := make([]StockLine, 0, len(lines))
	index := make(map[StockKey]int, len(lines))
	for _, line := range lines {
		if err := validateStockInput(line.Key, line.Quantity); err != nil {
			return nil, err
		}
		if i, ok := index[line.Key]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.Key] = len(out)
		out = append(out, line)
	}
	return out, nil
}

func stockLinesFromItems(items []LineItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{Key: item.StockKey(), Quantity: item.Quantity})
	}
	return lines
}

func stockLineFromPayload(payload map[string]string) (StockLine, error) {
	qty, err := strconv.ParseInt(payload[payloadQuantity], 10, 64)
	if err != nil {
		return StockLine{}, fmt.Errorf("invalid quantity %q", payload[payloadQuantity])
	}
	line := StockLine{
		Key:      StockKey{ProductID: payload[payloadProductID], VariantID: payload[payloadVariantID]},
		Quantity: qty,
	}
	if err := validateStockInput(line.Key, line.Quantity); err != nil {
		return StockLine{}, err
	}
	return line, nil
}
