package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/platform/observability"
	"github.com/vitrine/fulfillment/internal/repositories"
)

const (
	defaultRetryMaxAttempts = 5
	defaultRetryInitial     = 30 * time.Second
	defaultRetryMax         = 30 * time.Minute
	defaultRetryBatchSize   = 50
	defaultRetryLease       = 5 * time.Minute
	maxRetryErrorLength     = 500
)

// RetrySchedulerDeps bundles collaborators required to construct the retry scheduler.
type RetrySchedulerDeps struct {
	Jobs           repositories.RetryJobRepository
	Alerter        OperatorAlerter
	Metrics        Metrics
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BatchSize      int
	// LeaseDuration bounds how long a claimed job stays hidden from other runners.
	LeaseDuration  time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type retryScheduler struct {
	jobs        repositories.RetryJobRepository
	alerter     OperatorAlerter
	metrics     Metrics
	maxAttempts int
	initial     time.Duration
	maxBackoff  time.Duration
	batchSize   int
	lease       time.Duration
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)

	handlersMu sync.RWMutex
	handlers   map[RetryJobKind]RetryHandler
	runMu      sync.Mutex
}

// NewRetryScheduler wires dependencies into a RetryScheduler implementation.
func NewRetryScheduler(deps RetrySchedulerDeps) (RetryScheduler, error) {
	if deps.Jobs == nil {
		return nil, errors.New("retry scheduler: job repository is required")
	}
	s := &retryScheduler{
		jobs:        deps.Jobs,
		alerter:     deps.Alerter,
		metrics:     deps.Metrics,
		maxAttempts: deps.MaxAttempts,
		initial:     deps.InitialBackoff,
		maxBackoff:  deps.MaxBackoff,
		batchSize:   deps.BatchSize,
		lease:       deps.LeaseDuration,
		clock:       utcClock(deps.Clock),
		newID:       deps.IDGenerator,
		logger:      deps.Logger,
		handlers:    make(map[RetryJobKind]RetryHandler),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultRetryMaxAttempts
	}
	if s.initial <= 0 {
		s.initial = defaultRetryInitial
	}
	if s.maxBackoff < s.initial {
		s.maxBackoff = max(defaultRetryMax, s.initial)
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultRetryBatchSize
	}
	if s.lease <= 0 {
		s.lease = defaultRetryLease
	}
	if s.newID == nil {
		s.newID = func() string { return ulid.Make().String() }
	}
	if s.logger == nil {
		s.logger = noopLogger
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s, nil
}

func (s *retryScheduler) Register(kind RetryJobKind, handler RetryHandler) {
	if handler == nil {
		return
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = handler
}

func (s *retryScheduler) Enqueue(ctx context.Context, kind RetryJobKind, payload map[string]string) (RetryJob, error) {
	switch kind {
	case RetryJobStockRestore, RetryJobRefund, RetryJobCancelRefund:
	default:
		return RetryJob{}, fmt.Errorf("%w: unknown job kind %q", ErrValidation, kind)
	}
	now := s.clock()
	job := RetryJob{
		ID:          "job_" + s.newID(),
		Kind:        kind,
		Payload:     clonePayload(payload),
		MaxAttempts: s.maxAttempts,
		Status:      domain.RetryJobQueued,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Insert(ctx, job); err != nil {
		return RetryJob{}, translateRepoError(err, nil, nil)
	}
	s.metrics.RetryJob(string(kind), "queued")
	s.logger(ctx, "retry.job.queued", map[string]any{"jobId": job.ID, "kind": string(kind), "orderId": payload[payloadOrderID]})
	return job, nil
}

// RunDue claims and executes every due job once. A job is leased in the repository before its
// handler runs, so concurrent runners in other processes skip it; an expired lease makes the
// job due again.
func (s *retryScheduler) RunDue(ctx context.Context) (RetryRunSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, span := observability.StartSpan(ctx, "retry.run_due")
	defer span.End()

	var summary RetryRunSummary
	due, err := s.jobs.ListDue(ctx, s.clock(), s.batchSize)
	if err != nil {
		return summary, translateRepoError(err, nil, nil)
	}
	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		claimed, err := s.jobs.Claim(ctx, job, s.clock().Add(s.lease))
		if err != nil {
			if !isRepoConflict(err) && !isRepoNotFound(err) {
				s.logger(ctx, "retry.job.claim_failed", map[string]any{"jobId": job.ID, "error": err.Error()})
			}
			summary.Skipped++
			continue
		}
		summary.Processed++
		switch s.runJob(ctx, claimed) {
		case domain.RetryJobSucceeded:
			summary.Succeeded++
		case domain.RetryJobExhausted:
			summary.Exhausted++
		default:
			summary.Rescheduled++
		}
	}
	span.SetAttributes(
		attribute.Int("retry.processed", summary.Processed),
		attribute.Int("retry.exhausted", summary.Exhausted),
	)
	if summary.Processed > 0 {
		s.logger(ctx, "retry.run.completed", map[string]any{
			"processed":   summary.Processed,
			"succeeded":   summary.Succeeded,
			"rescheduled": summary.Rescheduled,
			"exhausted":   summary.Exhausted,
		})
	}
	return summary, nil
}

func (s *retryScheduler) runJob(ctx context.Context, job RetryJob) domain.RetryJobStatus {
	s.handlersMu.RLock()
	handler, ok := s.handlers[job.Kind]
	s.handlersMu.RUnlock()

	var runErr error
	if ok {
		runErr = handler(ctx, job)
	} else {
		runErr = fmt.Errorf("%w: no handler for %s", ErrRetryAbandon, job.Kind)
	}

	now := s.clock()
	job.Attempt++
	job.UpdatedAt = now
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	switch {
	case runErr == nil:
		job.Status = domain.RetryJobSucceeded
		job.LastError = ""
	case errors.Is(runErr, ErrRetryAbandon) || job.Attempt >= maxAttempts:
		job.Status = domain.RetryJobExhausted
		job.LastError = truncateError(runErr)
	default:
		job.Status = domain.RetryJobQueued
		job.LastError = truncateError(runErr)
		job.NextRunAt = now.Add(s.backoff(job.Attempt))
	}

	if err := s.jobs.Save(ctx, job); err != nil {
		s.logger(ctx, "retry.job.save_failed", map[string]any{"jobId": job.ID, "error": err.Error()})
	}
	s.metrics.RetryJob(string(job.Kind), string(job.Status))

	fields := map[string]any{"jobId": job.ID, "kind": string(job.Kind), "attempt": job.Attempt, "status": string(job.Status)}
	if runErr != nil {
		fields["error"] = runErr.Error()
	}
	s.logger(ctx, "retry.job.attempted", fields)

	if job.Status == domain.RetryJobExhausted {
		details := clonePayload(job.Payload)
		details["jobId"] = job.ID
		details["kind"] = string(job.Kind)
		details["attempts"] = strconv.Itoa(job.Attempt)
		details["error"] = job.LastError
		raiseAlert(ctx, s.alerter, s.logger, Alert{
			Kind:     AlertRetryExhausted,
			Severity: SeverityCritical,
			OrderID:  job.Payload[payloadOrderID],
			Message:  "retry job needs manual intervention",
			Details:  details,
			RaisedAt: now,
		})
	}
	return job.Status
}

// backoff returns initial * 2^(attempt-1) capped at the configured maximum.
func (s *retryScheduler) backoff(attempt int) time.Duration {
	delay := s.initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return min(delay, s.maxBackoff)
}

// RegisterRetryHandlers binds the built-in job kinds to the services that execute them.
func RegisterRetryHandlers(scheduler RetryScheduler, ledger StockLedger, refunds RefundProcessor) {
	if ledger != nil {
		scheduler.Register(RetryJobStockRestore, func(ctx context.Context, job RetryJob) error {
			line, err := stockLineFromPayload(job.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRetryAbandon, err)
			}
			return ledger.Restore(ctx, line.Key, line.Quantity)
		})
	}
	if refunds != nil {
		scheduler.Register(RetryJobRefund, refunds.RetryRefund)
		scheduler.Register(RetryJobCancelRefund, refunds.RetryRefund)
	}
}

func clonePayload(payload map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxRetryErrorLength {
		msg = msg[:maxRetryErrorLength]
	}
	return msg
}
