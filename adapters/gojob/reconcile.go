package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	JobIDReconcileOrders = "fulfillment.orders.reconcile"

	defaultReconcileWindow = 5 * time.Minute
	dedupPolicyDrop        = "drop"
)

// ErrUnsupportedJob marks deliveries the reconcile worker does not own.
var ErrUnsupportedJob = errors.New("gojob: unsupported job id")

type Reconciler interface {
	Reconcile(ctx context.Context) (core.SweepReport, error)
}

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       30 * time.Second,
		MaxDelay:        10 * time.Minute,
		DeadLetterOnMax: true,
	}
}

// NackForAttempt doubles BaseDelay per attempt, capped at MaxDelay, and stops
// requeueing once MaxAttempts is reached.
func (p RetryPolicy) NackForAttempt(attempt int, reason string) queue.NackOptions {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay > 0; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	out := queue.NackOptions{
		Delay:   delay,
		Requeue: true,
		Reason:  strings.TrimSpace(reason),
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		out.Delay = 0
		out.DeadLetter = p.DeadLetterOnMax
	}
	return out
}

// ReconcileIdempotencyKey buckets now into windows so repeated schedules in
// the same window collapse into one execution.
func ReconcileIdempotencyKey(now time.Time, window time.Duration) string {
	if window <= 0 {
		window = defaultReconcileWindow
	}
	bucket := now.UTC().Truncate(window)
	return fmt.Sprintf("%s:%d", JobIDReconcileOrders, bucket.Unix())
}

func NewReconcileMessage(now time.Time, window time.Duration) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          JobIDReconcileOrders,
		ScriptPath:     JobIDReconcileOrders,
		Parameters:     map[string]any{"scheduled_at": now.UTC().Format(time.RFC3339)},
		IdempotencyKey: ReconcileIdempotencyKey(now, window),
		DedupPolicy:    job.DeduplicationPolicy(dedupPolicyDrop),
	}
}

type ReconcileScheduler struct {
	enqueuer queue.Enqueuer
	Window   time.Duration
	Now      func() time.Time
	Logger   glog.Logger
}

func NewReconcileScheduler(enqueuer queue.Enqueuer, window time.Duration) *ReconcileScheduler {
	return &ReconcileScheduler{enqueuer: enqueuer, Window: window, Now: time.Now}
}

// Run schedules one reconcile job immediately and then once per interval
// until ctx is done. Enqueue failures are logged and retried on the next tick.
func (s *ReconcileScheduler) Run(ctx context.Context, interval time.Duration) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if interval <= 0 {
		return fmt.Errorf("gojob: schedule interval must be positive")
	}
	logger := glog.Ensure(s.Logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Schedule(ctx); err != nil && ctx.Err() == nil {
			logger.Error("schedule reconcile job failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *ReconcileScheduler) Schedule(ctx context.Context) (*job.ExecutionMessage, error) {
	if s == nil || s.enqueuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer is not configured")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	msg := NewReconcileMessage(now(), s.Window)
	if err := s.enqueuer.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReconcileWorker runs the reconciliation sweep for each dequeued delivery.
type ReconcileWorker struct {
	reconciler Reconciler
	dequeuer   queue.Dequeuer
	policy     RetryPolicy
	logger     glog.Logger
	hooks      []worker.Hook
}

func NewReconcileWorker(reconciler Reconciler, dequeuer queue.Dequeuer, policy RetryPolicy, logger glog.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		dequeuer:   dequeuer,
		policy:     policy,
		logger:     glog.Ensure(logger),
	}
}

// WithHooks adds lifecycle hooks notified by Run.
func (w *ReconcileWorker) WithHooks(hooks ...worker.Hook) *ReconcileWorker {
	for _, hook := range hooks {
		if hook != nil {
			w.hooks = append(w.hooks, hook)
		}
	}
	return w
}

// Run handles deliveries until ctx is done or the queue closes. Job failures
// are reported to hooks and never stop the loop.
func (w *ReconcileWorker) Run(ctx context.Context) error {
	if w == nil || w.dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	for {
		delivery, err := w.dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		w.runOne(ctx, delivery)
	}
}

func (w *ReconcileWorker) runOne(ctx context.Context, delivery queue.Delivery) {
	event := worker.Event{
		Message:   delivery.Message(),
		Delivery:  delivery,
		Attempt:   deliveryAttempt(delivery),
		StartedAt: time.Now(),
	}
	w.notify(event, func(h worker.Hook, evt worker.Event) { h.OnStart(ctx, evt) })

	_, err := w.Handle(ctx, delivery, event.Attempt)
	event.Duration = time.Since(event.StartedAt)
	event.Err = err
	switch {
	case err == nil:
		w.notify(event, func(h worker.Hook, evt worker.Event) { h.OnSuccess(ctx, evt) })
	case errors.Is(err, ErrUnsupportedJob):
		w.notify(event, func(h worker.Hook, evt worker.Event) { h.OnFailure(ctx, evt) })
	default:
		opts := w.policy.NackForAttempt(event.Attempt, err.Error())
		if opts.Requeue {
			event.Delay = opts.Delay
			w.notify(event, func(h worker.Hook, evt worker.Event) { h.OnRetry(ctx, evt) })
			return
		}
		w.notify(event, func(h worker.Hook, evt worker.Event) { h.OnFailure(ctx, evt) })
	}
}

func (w *ReconcileWorker) notify(event worker.Event, call func(worker.Hook, worker.Event)) {
	for _, hook := range w.hooks {
		call(hook, event)
	}
}

// deliveryAttempt reads the attempt from queues that track it.
func deliveryAttempt(delivery queue.Delivery) int {
	if counted, ok := delivery.(interface{ Attempt() int }); ok && counted.Attempt() > 0 {
		return counted.Attempt()
	}
	return 1
}

// ProcessNext dequeues one delivery and handles it as the given attempt.
func (w *ReconcileWorker) ProcessNext(ctx context.Context, attempt int) (core.SweepReport, error) {
	if w == nil || w.dequeuer == nil {
		return core.SweepReport{}, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return core.SweepReport{}, err
	}
	return w.Handle(ctx, delivery, attempt)
}

// Handle acks a delivery after a successful sweep. Failures are nacked with
// the retry policy applied; deliveries for other jobs are dead lettered.
func (w *ReconcileWorker) Handle(ctx context.Context, delivery queue.Delivery, attempt int) (core.SweepReport, error) {
	if w == nil || w.reconciler == nil {
		return core.SweepReport{}, fmt.Errorf("gojob: reconciler is not configured")
	}
	if delivery == nil {
		return core.SweepReport{}, fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	if msg == nil || strings.TrimSpace(msg.JobID) != JobIDReconcileOrders {
		jobID := ""
		if msg != nil {
			jobID = msg.JobID
		}
		nackErr := delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "unsupported job id"})
		if nackErr != nil {
			return core.SweepReport{}, nackErr
		}
		return core.SweepReport{}, fmt.Errorf("%w %q", ErrUnsupportedJob, jobID)
	}

	logger := w.logger.WithContext(ctx)
	report, err := w.reconciler.Reconcile(ctx)
	if err != nil {
		opts := w.policy.NackForAttempt(attempt, err.Error())
		logger.Warn("reconcile job failed",
			"idempotency_key", msg.IdempotencyKey,
			"attempt", attempt,
			"requeue", opts.Requeue,
			"dead_letter", opts.DeadLetter,
			"error", err,
		)
		if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
			return report, fmt.Errorf("gojob: nack after %v: %w", err, nackErr)
		}
		return report, err
	}
	if err := delivery.Ack(ctx); err != nil {
		return report, err
	}
	logger.Info("reconcile job completed",
		"idempotency_key", msg.IdempotencyKey,
		"refunds", report.Refunds,
		"submissions", report.Submissions,
		"failures", len(report.Failures),
	)
	return report, nil
}

// LoggingHook reports worker lifecycle events for fulfillment jobs.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(ctx context.Context, event worker.Event) {
	h.log(ctx, "debug", "job started", event)
}

func (h *LoggingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.log(ctx, "info", "job succeeded", event)
}

func (h *LoggingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.log(ctx, "error", "job failed", event)
}

func (h *LoggingHook) OnRetry(ctx context.Context, event worker.Event) {
	h.log(ctx, "warn", "job retry scheduled", event)
}

func (h *LoggingHook) log(ctx context.Context, level string, msg string, event worker.Event) {
	if h == nil {
		return
	}
	logger := glog.Ensure(h.logger).WithContext(ctx)
	args := eventFields(event)
	switch level {
	case "error":
		logger.Error(msg, args...)
	case "warn":
		logger.Warn(msg, args...)
	case "info":
		logger.Info(msg, args...)
	default:
		logger.Debug(msg, args...)
	}
}

func eventFields(event worker.Event) []any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	args := []any{"attempt", event.Attempt}
	if message != nil {
		args = append(args, "job_id", message.JobID, "idempotency_key", message.IdempotencyKey)
	}
	if event.Delay > 0 {
		args = append(args, "delay_ms", event.Delay.Milliseconds())
	}
	if event.Duration > 0 {
		args = append(args, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Err != nil {
		args = append(args, "error", event.Err.Error())
	}
	return args
}

var _ worker.Hook = (*LoggingHook)(nil)
