package gojob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-fulfillment/core"
)

func TestMemoryQueue_DropsDuplicateIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q := NewMemoryQueue()
	q.Now = func() time.Time { return now }

	msg := NewReconcileMessage(now, time.Minute)
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, NewReconcileMessage(now.Add(10*time.Second), time.Minute)); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d queued", q.Len())
	}

	delivery, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected completed key to stay deduplicated")
	}

	now = now.Add(2 * time.Hour)
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue after retention: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected key to be accepted after retention, got %d", q.Len())
	}
}

func TestMemoryQueue_RequeueTracksAttemptsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	if err := q.Enqueue(ctx, NewReconcileMessage(time.Now(), time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if deliveryAttempt(first) != 1 {
		t.Fatalf("expected first attempt, got %d", deliveryAttempt(first))
	}
	if err := first.Nack(ctx, queue.NackOptions{Requeue: true}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := first.Ack(ctx); err == nil {
		t.Fatalf("expected settled delivery to reject ack")
	}

	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if deliveryAttempt(second) != 2 {
		t.Fatalf("expected second attempt, got %d", deliveryAttempt(second))
	}
	if err := second.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "give up"}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if q.Len() != 0 || len(q.DeadLetters()) != 1 {
		t.Fatalf("expected one dead letter and empty queue, got len=%d dead=%d", q.Len(), len(q.DeadLetters()))
	}
}

func TestMemoryQueue_DelayedRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	defer q.Close()
	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: JobIDReconcileOrders}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	delivery, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := delivery.Nack(ctx, queue.NackOptions{Requeue: true, Delay: 20 * time.Millisecond}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected delayed retry to wait")
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retry, err := q.Dequeue(waitCtx)
	if err != nil {
		t.Fatalf("dequeue delayed retry: %v", err)
	}
	if deliveryAttempt(retry) != 2 {
		t.Fatalf("expected second attempt, got %d", deliveryAttempt(retry))
	}
}

func TestMemoryQueue_DequeueStopsOnContextAndClose(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected closed queue error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected close to wake blocked consumer")
	}
	if err := q.Enqueue(context.Background(), &job.ExecutionMessage{JobID: JobIDReconcileOrders}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected enqueue on closed queue to fail, got %v", err)
	}
}

func TestReconcileWorker_RunRetriesAndReportsHooks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemoryQueue()
	defer q.Close()
	reconciler := &flakyReconciler{failures: 1}
	hook := newRecordingHook()
	w := NewReconcileWorker(reconciler, q, RetryPolicy{MaxAttempts: 3}, nil).WithHooks(hook, NewLoggingHook(nil))

	if _, err := NewReconcileScheduler(q, time.Minute).Schedule(ctx); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-hook.succeeded:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected reconcile job to succeed after retry")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	starts, retries, successes, failures := hook.counts()
	if starts != 2 || retries != 1 || successes != 1 || failures != 0 {
		t.Fatalf("unexpected hook counts start=%d retry=%d success=%d failure=%d", starts, retries, successes, failures)
	}
	if reconciler.callCount() != 2 {
		t.Fatalf("expected two reconcile calls, got %d", reconciler.callCount())
	}
}

func TestReconcileWorker_RunStopsWhenQueueCloses(t *testing.T) {
	q := NewMemoryQueue()
	w := NewReconcileWorker(&flakyReconciler{}, q, DefaultRetryPolicy(), nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	_ = q.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected worker to stop after close")
	}
}

func TestReconcileScheduler_RunSchedulesEveryInterval(t *testing.T) {
	enqueuer := &countingEnqueuer{}
	scheduler := NewReconcileScheduler(enqueuer, time.Minute)
	if err := scheduler.Run(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero interval")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for enqueuer.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated schedules, got %d", enqueuer.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

type flakyReconciler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyReconciler) Reconcile(context.Context) (core.SweepReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return core.SweepReport{}, errors.New("database unavailable")
	}
	return core.SweepReport{Refunds: 1}, nil
}

func (r *flakyReconciler) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingHook struct {
	mu        sync.Mutex
	starts    int
	retries   int
	successes int
	failures  int
	succeeded chan struct{}
}

func newRecordingHook() *recordingHook {
	return &recordingHook{succeeded: make(chan struct{}, 1)}
}

func (h *recordingHook) OnStart(context.Context, worker.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
}

func (h *recordingHook) OnSuccess(context.Context, worker.Event) {
	h.mu.Lock()
	h.successes++
	h.mu.Unlock()
	select {
	case h.succeeded <- struct{}{}:
	default:
	}
}

func (h *recordingHook) OnFailure(context.Context, worker.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func (h *recordingHook) OnRetry(context.Context, worker.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
}

func (h *recordingHook) counts() (int, int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.retries, h.successes, h.failures
}

type countingEnqueuer struct {
	mu    sync.Mutex
	calls int
}

func (e *countingEnqueuer) Enqueue(context.Context, *job.ExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return nil
}

func (e *countingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

var _ worker.Hook = (*recordingHook)(nil)
