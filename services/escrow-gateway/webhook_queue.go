package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// WebhookEvent represents a queued webhook notification.
type WebhookEvent struct {
	Sequence   uint64
	Type       string
	EscrowID   string
	OrderID    string
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask is one unit of delivery work. A task without a subscription is
// a fan-out seed; the worker expands it into one task per matching
// subscription.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type timedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
}

type timedEvent struct {
	event      WebhookEvent
	enqueuedAt time.Time
}

// WebhookQueueOption adjusts the behaviour of the queue.
type WebhookQueueOption func(*webhookQueueConfig)

type webhookQueueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WithWebhookTaskCapacity sets the maximum number of pending webhook tasks.
func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithWebhookHistoryCapacity sets the number of events retained for inspection.
func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithWebhookTTL configures how long queued items remain eligible for delivery.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withWebhookClock overrides the clock used for TTL evaluation (test only).
func withWebhookClock(now func() time.Time) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WebhookQueue stores webhook tasks prior to delivery. The queue is bounded;
// the oldest pending task gives way when a new one arrives at capacity, and
// tasks past their TTL are dropped rather than delivered stale.
type WebhookQueue struct {
	mu              sync.Mutex
	tasks           []timedTask
	taskCapacity    int
	history         []timedEvent
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
	notify          chan struct{}
	metrics         *webhookQueueMetrics
}

// NewWebhookQueue constructs a bounded queue with optional customisation.
func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	cfg := webhookQueueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookQueue{
		tasks:           make([]timedTask, 0, cfg.taskCapacity),
		taskCapacity:    cfg.taskCapacity,
		history:         make([]timedEvent, 0, cfg.historyCapacity),
		historyCapacity: cfg.historyCapacity,
		ttl:             cfg.ttl,
		now:             cfg.now,
		notify:          make(chan struct{}, 1),
		metrics:         queueMetrics(),
	}
}

// Enqueue records an event and queues a fan-out seed for it.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	now := q.now()
	q.mu.Lock()
	q.dropExpiredLocked(now)
	q.recordEventLocked(timedEvent{event: evt, enqueuedAt: now})
	q.pushLocked(timedTask{task: WebhookTask{Event: evt}, enqueuedAt: now})
	q.mu.Unlock()
	q.signal()
}

// Schedule queues a per-subscription delivery, honouring the task's NotBefore.
// The worker uses it for fan-out results and retries.
func (q *WebhookQueue) Schedule(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	q.dropExpiredLocked(now)
	q.pushLocked(timedTask{task: task, enqueuedAt: now})
	q.mu.Unlock()
	q.signal()
}

// Events returns a snapshot copy of recently queued events. Primarily used in
// tests and the inspection endpoint.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropExpiredLocked(q.now())
	snapshot := make([]WebhookEvent, 0, len(q.history))
	for _, entry := range q.history {
		snapshot = append(snapshot, entry.event)
	}
	return snapshot
}

// Dequeue blocks until a task is available or the context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		queued, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-q.notify:
			}
			continue
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}

		return queued.task, true
	}
}

func (q *WebhookQueue) pop() (timedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropExpiredLocked(q.now())
	if len(q.tasks) == 0 {
		return timedTask{}, false
	}
	queued := q.tasks[0]
	copy(q.tasks, q.tasks[1:])
	q.tasks[len(q.tasks)-1] = timedTask{}
	q.tasks = q.tasks[:len(q.tasks)-1]
	if len(q.tasks) > 0 {
		// Keep other waiters runnable when work remains.
		q.signal()
	}
	return queued, true
}

func (q *WebhookQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *WebhookQueue) pushLocked(queued timedTask) {
	if q.taskCapacity <= 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if len(q.tasks) == q.taskCapacity {
		copy(q.tasks, q.tasks[1:])
		q.tasks = q.tasks[:len(q.tasks)-1]
		q.metrics.recordDropped("overflow", 1)
	}
	q.tasks = append(q.tasks, queued)
}

func (q *WebhookQueue) recordEventLocked(entry timedEvent) {
	if q.historyCapacity <= 0 {
		q.metrics.recordDropped("history_overflow", 1)
		return
	}
	if len(q.history) == q.historyCapacity {
		copy(q.history, q.history[1:])
		q.history = q.history[:len(q.history)-1]
		q.metrics.recordDropped("history_overflow", 1)
	}
	q.history = append(q.history, entry)
}

func (q *WebhookQueue) dropExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for expired < len(q.tasks) && now.Sub(q.tasks[expired].enqueuedAt) > q.ttl {
		expired++
	}
	if expired > 0 {
		q.tasks = q.tasks[:copy(q.tasks, q.tasks[expired:])]
		q.metrics.recordDropped("ttl", expired)
	}

	stale := 0
	for stale < len(q.history) && now.Sub(q.history[stale].enqueuedAt) > q.ttl {
		stale++
	}
	if stale > 0 {
		q.history = q.history[:copy(q.history, q.history[stale:])]
		q.metrics.recordDropped("history_ttl", stale)
	}
}

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *webhookQueueMetrics
)

type webhookQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *webhookQueueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("agrichain/escrow-gateway")
		counter, err := meter.Int64Counter("agri.escrow.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("agrichain/escrow-gateway")
			counter, _ = fallback.Int64Counter("agri.escrow.webhooks.dropped")
		}
		sharedQueueMetrics = &webhookQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *webhookQueueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
