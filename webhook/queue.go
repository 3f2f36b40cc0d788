// Package webhook delivers committed deal events to the booking service and
// any other subscribed endpoints. Delivery is at-least-once with signed
// payloads; consumers deduplicate on the event sequence.
package webhook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"tolio/ledger"
)

// Event is a queued deal notification.
type Event struct {
	Sequence   int64
	Type       string
	DealID     string
	BookingID  string
	Attributes map[string]string
	CreatedAt  time.Time
}

// Task pairs an event with the endpoint it is bound for. A task without an
// endpoint is unexpanded and fans out to every matching subscriber.
type Task struct {
	Event     Event
	Endpoint  *Endpoint
	Attempt   int
	NotBefore time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

const (
	defaultCapacity = 1024
	defaultQueueTTL = 15 * time.Minute
)

// WithCapacity sets the maximum number of pending tasks.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued items remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded in-memory buffer of webhook tasks. Overflow drops the
// oldest task; staleness drops on dequeue.
type Queue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	ttl     time.Duration
	now     func() time.Time
	seq     atomic.Int64
	metrics *queueMetricsSet
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newRing[queuedTask](cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: queueMetrics(),
	}
}

// DealEvent enqueues a notification for a committed deal transition. It
// satisfies the orchestrator's notifier contract and never blocks.
func (q *Queue) DealEvent(eventType string, deal *ledger.Deal) {
	if deal == nil {
		return
	}
	q.Enqueue(Event{
		Sequence:  q.seq.Add(1),
		Type:      eventType,
		DealID:    deal.ID.String(),
		BookingID: deal.BookingID,
		Attributes: map[string]string{
			"status":          string(deal.Status),
			"rail":            string(deal.Rail),
			"amount":          formatAmount(deal.Amount),
			"ownerAmount":     formatAmount(deal.OwnerAmount),
			"marketplaceFee":  formatAmount(deal.MarketplaceFee),
			"refundedAmount":  formatAmount(deal.RefundedAmount),
			"securityDeposit": formatAmount(deal.SecurityDeposit),
			"currency":        deal.Currency,
		},
		CreatedAt: q.now().UTC(),
	})
}

// Enqueue adds an unexpanded event to the queue.
func (q *Queue) Enqueue(evt Event) {
	q.enqueueTask(Task{Event: evt})
}

func (q *Queue) enqueueTask(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, overflowed := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); overflowed {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Dequeue waits for the next due task. Returns false if the context is
// cancelled. Backoff tasks that are not due yet rotate to the tail instead of
// blocking the head, so a later-due retry never starves a ready task and a
// cancelled wait never loses one.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		queued, ok := q.popDue()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}
		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		return queued.task, true
	}
}

// popDue removes and returns the first task whose NotBefore has passed,
// rotating not-yet-due tasks back to the tail with their original enqueue
// time intact.
func (q *Queue) popDue() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.evictExpiredLocked(now)
	for i := q.tasks.len(); i > 0; i-- {
		queued, ok := q.tasks.pop()
		if !ok {
			break
		}
		if queued.task.NotBefore.After(now) {
			q.tasks.push(queued)
			continue
		}
		return queued, true
	}
	return queuedTask{}, false
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.len()
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *queueMetricsSet
)

type queueMetricsSet struct {
	dropped metric.Int64Counter
}

func queueMetrics() *queueMetricsSet {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("tolio/webhook")
		counter, err := meter.Int64Counter("tolio.escrow.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("tolio/webhook")
			counter, _ = fallback.Int64Counter("tolio.escrow.webhooks.dropped")
		}
		sharedQueueMetrics = &queueMetricsSet{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *queueMetricsSet) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
