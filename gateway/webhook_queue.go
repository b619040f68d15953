package gateway

import (
	"container/heap"
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
	Sequence   int64
	Type       string
	ProjectID  string
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask is one pending delivery. Retries carry a NotBefore time; the
// queue releases a task only once that time has passed, without holding up
// tasks that are already due.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type scheduleItem struct {
	task       WebhookTask
	dueAt      time.Time
	enqueuedAt time.Time
	arrival    uint64
}

type historyEntry struct {
	event      WebhookEvent
	enqueuedAt time.Time
}

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
	idleRecheck            = 25 * time.Millisecond
)

// WebhookQueueOption adjusts the behaviour of the queue.
type WebhookQueueOption func(*WebhookQueue)

// WithWebhookTaskCapacity sets the maximum number of pending webhook tasks.
func WithWebhookTaskCapacity(capacity int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithWebhookHistoryCapacity sets the number of events retained for inspection.
func WithWebhookHistoryCapacity(capacity int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if capacity > 0 {
			q.historyCap = capacity
		}
	}
}

// WithWebhookTTL configures how long queued items remain eligible for delivery.
func WithWebhookTTL(ttl time.Duration) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// withWebhookClock overrides the clock used for scheduling (test only).
func withWebhookClock(now func() time.Time) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WebhookQueue schedules webhook tasks for delivery. Tasks are ordered by due
// time, so a retry parked in the future never delays an event that is ready
// now. The queue is bounded: on overflow the oldest pending task is dropped
// and counted, never blocking the ledger's notification path.
type WebhookQueue struct {
	mu         sync.Mutex
	schedule   deliverySchedule
	capacity   int
	arrivals   uint64
	history    []historyEntry
	historyCap int
	ttl        time.Duration
	now        func() time.Time
	wake       chan struct{}
	metrics    *webhookQueueMetrics
}

// NewWebhookQueue constructs a bounded queue with optional customisation.
func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	q := &WebhookQueue{
		capacity:   defaultTaskCapacity,
		historyCap: defaultHistoryCapacity,
		ttl:        defaultQueueTTL,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		metrics:    queueMetrics(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a freshly emitted event to the queue.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.enqueueTask(WebhookTask{Event: evt})
}

func (q *WebhookQueue) enqueueTask(task WebhookTask) {
	now := q.now()
	due := task.NotBefore
	if due.IsZero() {
		due = now
	}

	q.mu.Lock()
	if task.Subscription == nil {
		q.recordHistoryLocked(task.Event, now)
	}
	if q.capacity <= 0 {
		q.mu.Unlock()
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if len(q.schedule) >= q.capacity {
		q.dropOldestLocked()
	}
	q.arrivals++
	heap.Push(&q.schedule, &scheduleItem{
		task:       task,
		dueAt:      due,
		enqueuedAt: now,
		arrival:    q.arrivals,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Events returns a snapshot copy of recently queued events.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneHistoryLocked(q.now())
	snapshot := make([]WebhookEvent, 0, len(q.history))
	for _, entry := range q.history {
		snapshot = append(snapshot, entry.event)
	}
	return snapshot
}

// Dequeue blocks until a task is due and returns it. Returns false once the
// context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		task, ok, wait := q.nextDueLocked(q.now())
		q.mu.Unlock()
		if ok {
			return task, true
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return WebhookTask{}, false
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDueLocked pops the earliest due task, discarding entries that have sat
// in the queue past their TTL. When nothing is due it reports how long to
// sleep before rechecking.
func (q *WebhookQueue) nextDueLocked(now time.Time) (WebhookTask, bool, time.Duration) {
	for len(q.schedule) > 0 {
		head := q.schedule[0]
		if q.ttl > 0 && now.Sub(head.enqueuedAt) > q.ttl {
			heap.Pop(&q.schedule)
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		if head.dueAt.After(now) {
			return WebhookTask{}, false, head.dueAt.Sub(now)
		}
		item := heap.Pop(&q.schedule).(*scheduleItem)
		return item.task, true, 0
	}
	return WebhookTask{}, false, idleRecheck
}

// dropOldestLocked evicts the longest-queued item to make room.
func (q *WebhookQueue) dropOldestLocked() {
	oldest := -1
	for i, item := range q.schedule {
		if oldest < 0 || item.arrival < q.schedule[oldest].arrival {
			oldest = i
		}
	}
	if oldest >= 0 {
		heap.Remove(&q.schedule, oldest)
		q.metrics.recordDropped("overflow", 1)
	}
}

func (q *WebhookQueue) recordHistoryLocked(evt WebhookEvent, now time.Time) {
	if q.historyCap <= 0 {
		q.metrics.recordDropped("history_overflow", 1)
		return
	}
	q.pruneHistoryLocked(now)
	if len(q.history) >= q.historyCap {
		q.history = q.history[1:]
		q.metrics.recordDropped("history_overflow", 1)
	}
	q.history = append(q.history, historyEntry{event: evt, enqueuedAt: now})
}

func (q *WebhookQueue) pruneHistoryLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	stale := 0
	for stale < len(q.history) && now.Sub(q.history[stale].enqueuedAt) > q.ttl {
		stale++
	}
	if stale > 0 {
		q.history = q.history[stale:]
		q.metrics.recordDropped("history_ttl", stale)
	}
}

// deliverySchedule is a min-heap over due time with arrival order as the tie
// break, so simultaneous tasks leave in the order they were enqueued.
type deliverySchedule []*scheduleItem

func (s deliverySchedule) Len() int { return len(s) }

func (s deliverySchedule) Less(i, j int) bool {
	if s[i].dueAt.Equal(s[j].dueAt) {
		return s[i].arrival < s[j].arrival
	}
	return s[i].dueAt.Before(s[j].dueAt)
}

func (s deliverySchedule) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *deliverySchedule) Push(v interface{}) {
	*s = append(*s, v.(*scheduleItem))
}

func (s *deliverySchedule) Pop() interface{} {
	old := *s
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*s = old[:n-1]
	return item
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
		meter := otel.GetMeterProvider().Meter("empleadora/escrow-gateway")
		counter, err := meter.Int64Counter("empleadora.escrow.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("empleadora/escrow-gateway")
			counter, _ = fallback.Int64Counter("empleadora.escrow.webhooks.dropped")
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
