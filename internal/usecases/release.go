package usecases

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// interReleaseGap is the pause between consecutive release executions, kept
// to respect exchange rate limits.
const interReleaseGap = 2 * time.Second

// ReleaseExecutor performs one release attempt for an order.
type ReleaseExecutor interface {
	ExecuteRelease(ctx context.Context, orderID string)
}

type queueEntry struct {
	orderID string
	readyAt time.Time
}

// ReleaseQueue is the FIFO of orders cleared for release. Enqueueing is
// idempotent; a single worker drains the queue one order at a time, so at
// most one release call is in flight against the exchange.
type ReleaseQueue struct {
	logger   *slog.Logger
	executor ReleaseExecutor
	delay    time.Duration
	gap      time.Duration

	mu         sync.Mutex
	queue      []queueEntry
	queued     map[string]struct{}
	processing bool

	wake chan struct{}
	now  func() time.Time
}

func NewReleaseQueue(logger *slog.Logger, executor ReleaseExecutor, delay time.Duration) *ReleaseQueue {
	return &ReleaseQueue{
		logger:   logger,
		executor: executor,
		delay:    delay,
		gap:      interReleaseGap,
		queued:   make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue schedules the order for release after the configured delay.
// Duplicate calls for an already queued order produce one entry. Returns
// true when the order was newly queued.
func (q *ReleaseQueue) Enqueue(orderID string) bool {
	return q.EnqueueAfter(orderID, q.delay)
}

// EnqueueAfter schedules the order with an explicit delay, used by the retry
// path to line the next attempt up with the next 2FA window.
func (q *ReleaseQueue) EnqueueAfter(orderID string, delay time.Duration) bool {
	q.mu.Lock()
	if _, exists := q.queued[orderID]; exists {
		q.mu.Unlock()
		return false
	}
	q.queued[orderID] = struct{}{}
	q.queue = append(q.queue, queueEntry{orderID: orderID, readyAt: q.now().Add(delay)})
	q.mu.Unlock()

	q.logger.Info("Order queued for release", "order_id", orderID, "delay", delay.String())

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return true
}

// Remove drops a still-queued order, e.g. after a bank reversal. An order
// whose release is already executing runs to completion; there is no
// mid-flight cancellation.
func (q *ReleaseQueue) Remove(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.queued[orderID]; !exists {
		return false
	}
	delete(q.queued, orderID)
	for i, entry := range q.queue {
		if entry.orderID == orderID {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}

	q.logger.Info("Order removed from release queue", "order_id", orderID)

	return true
}

// Len returns the number of queued orders.
func (q *ReleaseQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Start runs the drain loop until the context is cancelled.
func (q *ReleaseQueue) Start(ctx context.Context) {
	q.logger.Info("Starting release queue worker", "release_delay", q.delay.String())

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Release queue worker stopped")
			return
		case <-q.wake:
			q.Drain(ctx)
		}
	}
}

// Drain pops and executes queued releases until the queue is empty. The
// processing flag keeps the drain single-flight; a concurrent call returns
// immediately.
func (q *ReleaseQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		head := q.queue[0]
		q.mu.Unlock()

		// Honor the release delay without dequeuing: a reversal arriving
		// during the wait can still remove the order.
		if wait := head.readyAt.Sub(q.now()); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		q.mu.Lock()
		if _, still := q.queued[head.orderID]; !still {
			// Removed while waiting; the head slot may already hold another
			// order, re-examine from the top.
			q.mu.Unlock()
			continue
		}
		if q.queue[0].orderID != head.orderID {
			q.mu.Unlock()
			continue
		}
		q.queue = q.queue[1:]
		delete(q.queued, head.orderID)
		q.mu.Unlock()

		q.executor.ExecuteRelease(ctx, head.orderID)

		// Brief pause between releases to respect exchange rate limits.
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.gap):
		}
	}
}
