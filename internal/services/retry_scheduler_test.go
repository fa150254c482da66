package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vitrine/fulfillment/internal/domain"
	"github.com/vitrine/fulfillment/internal/repositories"
	"github.com/vitrine/fulfillment/internal/repositories/memory"
)

func newTestScheduler(t *testing.T, maxAttempts int) (RetryScheduler, *memory.Store, *testClock, *recordingAlerter) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore(memory.WithClock(clock.Now))
	alerts := &recordingAlerter{}
	scheduler, err := NewRetryScheduler(RetrySchedulerDeps{
		Jobs:           store.RetryJobs(),
		Alerter:        alerts,
		MaxAttempts:    maxAttempts,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("NewRetryScheduler: %v", err)
	}
	return scheduler, store, clock, alerts
}

func TestRetryScheduler_ExponentialBackoffIsCapped(t *testing.T) {
	scheduler, store, clock, alerts := newTestScheduler(t, 6)
	ctx := context.Background()

	var calls int
	scheduler.Register(RetryJobStockRestore, func(context.Context, RetryJob) error {
		calls++
		return fmt.Errorf("%w: still down", ErrUnavailable)
	})
	job, err := scheduler.Enqueue(ctx, RetryJobStockRestore, map[string]string{"orderId": "ord_1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != domain.RetryJobQueued || !job.NextRunAt.Equal(clock.Now()) {
		t.Fatalf("new job must be due immediately, got %+v", job)
	}

	wantDelays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute}
	for i, want := range wantDelays {
		if _, err := scheduler.RunDue(ctx); err != nil {
			t.Fatalf("RunDue %d: %v", i, err)
		}
		stored := store.AllRetryJobs()[0]
		if stored.Attempt != i+1 {
			t.Fatalf("run %d: expected attempt %d, got %d", i, i+1, stored.Attempt)
		}
		if got := stored.NextRunAt.Sub(clock.Now()); got != want {
			t.Fatalf("run %d: expected delay %s, got %s", i, want, got)
		}

		summary, err := scheduler.RunDue(ctx)
		if err != nil {
			t.Fatalf("RunDue early %d: %v", i, err)
		}
		if summary.Processed != 0 {
			t.Fatalf("run %d: job must not run before its backoff elapses", i)
		}
		clock.Advance(want)
	}

	summary, err := scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("final RunDue: %v", err)
	}
	if summary.Exhausted != 1 || calls != 6 {
		t.Fatalf("expected exhaustion on attempt 6, got %+v after %d calls", summary, calls)
	}
	stored := store.AllRetryJobs()[0]
	if stored.Status != domain.RetryJobExhausted || stored.LastError == "" {
		t.Fatalf("unexpected exhausted job %+v", stored)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Kind != AlertRetryExhausted || alerts.alerts[0].OrderID != "ord_1" {
		t.Fatalf("expected one exhaustion alert, got %+v", alerts.alerts)
	}
}

func TestRetryScheduler_SuccessAndAbandon(t *testing.T) {
	scheduler, store, _, alerts := newTestScheduler(t, 5)
	ctx := context.Background()

	scheduler.Register(RetryJobRefund, func(context.Context, RetryJob) error { return nil })
	scheduler.Register(RetryJobCancelRefund, func(context.Context, RetryJob) error {
		return fmt.Errorf("%w: order is gone", ErrRetryAbandon)
	})
	if _, err := scheduler.Enqueue(ctx, RetryJobRefund, map[string]string{"orderId": "ord_1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := scheduler.Enqueue(ctx, RetryJobCancelRefund, map[string]string{"orderId": "ord_2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	summary, err := scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if summary.Processed != 2 || summary.Succeeded != 1 || summary.Exhausted != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, job := range store.AllRetryJobs() {
		if job.Attempt != 1 {
			t.Fatalf("job %s: expected a single attempt, got %d", job.ID, job.Attempt)
		}
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].OrderID != "ord_2" {
		t.Fatalf("abandoned job must alert once, got %+v", alerts.alerts)
	}
}

func TestRetryScheduler_MissingHandlerExhaustsImmediately(t *testing.T) {
	scheduler, store, _, alerts := newTestScheduler(t, 5)
	ctx := context.Background()
	if _, err := scheduler.Enqueue(ctx, RetryJobStockRestore, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := scheduler.RunDue(ctx); err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if job := store.AllRetryJobs()[0]; job.Status != domain.RetryJobExhausted {
		t.Fatalf("expected exhausted job, got %s", job.Status)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected an alert")
	}
}

func TestRetryScheduler_EnqueueRejectsUnknownKind(t *testing.T) {
	scheduler, _, _, _ := newTestScheduler(t, 5)
	if _, err := scheduler.Enqueue(context.Background(), "reindex", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRetryScheduler_StockRestoreHandlerRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.scheduler.Enqueue(ctx, RetryJobStockRestore, map[string]string{"productId": "oil", "variantId": "500ml", "quantity": "many"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	summary, err := f.scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if summary.Exhausted != 1 {
		t.Fatalf("unparseable payload must be abandoned, got %+v", summary)
	}
	if got := f.stock(t, keyOil500); got != 10 {
		t.Fatalf("stock must be untouched, have %d", got)
	}
}

type listBarrierJobs struct {
	repositories.RetryJobRepository
	listed *sync.WaitGroup
}

func (r listBarrierJobs) ListDue(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	due, err := r.RetryJobRepository.ListDue(ctx, now, limit)
	r.listed.Done()
	r.listed.Wait()
	return due, err
}

func TestRetryScheduler_ConcurrentRunnersExecuteJobOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.scheduler.Enqueue(ctx, RetryJobStockRestore, map[string]string{
		"orderId": "ord_1", "productId": "oil", "variantId": "500ml", "quantity": "2",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var listed sync.WaitGroup
	listed.Add(2)
	runners := make([]RetryScheduler, 2)
	for i := range runners {
		scheduler, err := NewRetryScheduler(RetrySchedulerDeps{
			Jobs:  listBarrierJobs{RetryJobRepository: f.store.RetryJobs(), listed: &listed},
			Clock: f.clock.Now,
		})
		if err != nil {
			t.Fatalf("NewRetryScheduler: %v", err)
		}
		RegisterRetryHandlers(scheduler, f.ledger, f.refunds)
		runners[i] = scheduler
	}

	summaries := make([]RetryRunSummary, len(runners))
	var wg sync.WaitGroup
	for i, runner := range runners {
		wg.Add(1)
		go func(i int, runner RetryScheduler) {
			defer wg.Done()
			summary, err := runner.RunDue(ctx)
			if err != nil {
				t.Errorf("RunDue %d: %v", i, err)
			}
			summaries[i] = summary
		}(i, runner)
	}
	wg.Wait()

	if got := f.stock(t, keyOil500); got != 12 {
		t.Fatalf("restore must apply once, stock now %d", got)
	}
	processed := summaries[0].Processed + summaries[1].Processed
	skipped := summaries[0].Skipped + summaries[1].Skipped
	if processed != 1 || skipped != 1 {
		t.Fatalf("expected one runner to claim the job, got %+v", summaries)
	}
	if job := f.store.AllRetryJobs()[0]; job.Status != domain.RetryJobSucceeded || job.Attempt != 1 {
		t.Fatalf("unexpected job after concurrent runs %+v", job)
	}
}

func TestRetryScheduler_ExpiredLeaseMakesJobDueAgain(t *testing.T) {
	scheduler, store, clock, _ := newTestScheduler(t, 5)
	ctx := context.Background()

	job, err := scheduler.Enqueue(ctx, RetryJobRefund, map[string]string{"orderId": "ord_1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// A runner that crashed after claiming leaves the job running.
	if _, err := store.RetryJobs().Claim(ctx, job, clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	var calls int
	scheduler.Register(RetryJobRefund, func(context.Context, RetryJob) error {
		calls++
		return nil
	})
	summary, err := scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if summary.Processed != 0 || calls != 0 {
		t.Fatalf("leased job must not run, got %+v", summary)
	}

	clock.Advance(time.Minute)
	summary, err = scheduler.RunDue(ctx)
	if err != nil {
		t.Fatalf("RunDue after lease: %v", err)
	}
	if summary.Succeeded != 1 || calls != 1 {
		t.Fatalf("expired lease must be picked up, got %+v after %d calls", summary, calls)
	}
}
