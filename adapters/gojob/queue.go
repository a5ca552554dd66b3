package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const defaultKeyRetention = time.Hour

var ErrQueueClosed = errors.New("gojob: queue closed")

// MemoryQueue is an in-process go-job queue for a single fulfillmentd
// instance. Messages sharing an idempotency key are dropped while one is
// queued, in flight, or completed within KeyRetention.
type MemoryQueue struct {
	KeyRetention time.Duration
	Now          func() time.Time

	mu          sync.Mutex
	pending     []*memoryEntry
	keys        map[string]time.Time
	inFlight    map[string]struct{}
	deadLetters []*job.ExecutionMessage
	timers      map[*time.Timer]struct{}
	ready       chan struct{}
	closed      bool
}

type memoryEntry struct {
	msg     *job.ExecutionMessage
	attempt int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		KeyRetention: defaultKeyRetention,
		Now:          time.Now,
		keys:         map[string]time.Time{},
		inFlight:     map[string]struct{}{},
		timers:       map[*time.Timer]struct{}{},
		ready:        make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if q == nil {
		return fmt.Errorf("gojob: queue is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	now := q.now()
	q.pruneKeys(now)
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		if _, seen := q.keys[key]; seen {
			return nil
		}
		q.keys[key] = now
	}
	q.push(&memoryEntry{msg: msg, attempt: 1})
	return nil
}

// Dequeue blocks until a message is ready, ctx is done, or the queue closes.
func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil {
		return nil, fmt.Errorf("gojob: queue is not configured")
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.pending) > 0 {
			entry := q.pending[0]
			q.pending = q.pending[1:]
			q.track(strings.TrimSpace(entry.msg.IdempotencyKey), true)
			if len(q.pending) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return &memoryDelivery{queue: q, entry: entry}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len reports queued messages, excluding delayed retries.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.ExecutionMessage, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Close stops delayed retries and wakes blocked consumers.
func (q *MemoryQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.ready)
	return nil
}

func (q *MemoryQueue) push(entry *memoryEntry) {
	q.pending = append(q.pending, entry)
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *MemoryQueue) pruneKeys(now time.Time) {
	retention := q.KeyRetention
	if retention <= 0 {
		retention = defaultKeyRetention
	}
	for key, at := range q.keys {
		if _, busy := q.inFlight[key]; busy {
			continue
		}
		if now.Sub(at) > retention {
			delete(q.keys, key)
		}
	}
}

func (q *MemoryQueue) track(key string, active bool) {
	if key == "" {
		return
	}
	if active {
		q.inFlight[key] = struct{}{}
		return
	}
	delete(q.inFlight, key)
}

func (q *MemoryQueue) requeue(entry *memoryEntry, delay time.Duration) {
	next := &memoryEntry{msg: entry.msg, attempt: entry.attempt + 1}
	if delay <= 0 {
		q.push(next)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if q.closed {
			return
		}
		q.push(next)
	})
	q.timers[timer] = struct{}{}
}

type memoryDelivery struct {
	queue *MemoryQueue
	entry *memoryEntry

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.entry.msg
}

// Attempt is 1 for the first delivery and grows with every requeue.
func (d *memoryDelivery) Attempt() int {
	return d.entry.attempt
}

func (d *memoryDelivery) Ack(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	q.track(strings.TrimSpace(d.entry.msg.IdempotencyKey), false)
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := d.settle(); err != nil {
		return err
	}
	q := d.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.TrimSpace(d.entry.msg.IdempotencyKey)
	switch {
	case opts.Requeue && !q.closed:
		q.requeue(d.entry, opts.Delay)
		return nil
	case opts.DeadLetter:
		q.deadLetters = append(q.deadLetters, d.entry.msg)
	}
	q.track(key, false)
	return nil
}

func (d *memoryDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("gojob: delivery already settled")
	}
	d.settled = true
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
