package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vitrine/fulfillment/internal/services"
)

// DueRunner runs due retry jobs. services.RetryScheduler satisfies it.
type DueRunner interface {
	RunDue(ctx context.Context) (services.RetryRunSummary, error)
}

// RetryRunner polls the retry queue on a fixed interval. Cloud Scheduler can also trigger runs
// through the internal HTTP endpoint; both paths claim jobs in the repository before running them.
type RetryRunner struct {
	runner   DueRunner
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRetryRunner constructs a poller. A non-positive interval disables polling.
func NewRetryRunner(runner DueRunner, interval time.Duration, logger *zap.Logger) (*RetryRunner, error) {
	if runner == nil {
		return nil, errors.New("retry runner: scheduler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Minute
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	return &RetryRunner{runner: runner, interval: interval, timeout: timeout, logger: logger}, nil
}

// Run blocks until ctx is cancelled.
func (r *RetryRunner) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("retry polling disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *RetryRunner) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	summary, err := r.runner.RunDue(runCtx)
	if err != nil {
		r.logger.Error("retry run error", zap.Error(err))
		return
	}
	if summary.Processed > 0 {
		r.logger.Info("retry run completed",
			zap.Int("processed", summary.Processed),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("rescheduled", summary.Rescheduled),
			zap.Int("exhausted", summary.Exhausted),
			zap.Int("skipped", summary.Skipped),
		)
	}
}
