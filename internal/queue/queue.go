// Package queue implements the bounded FIFO of admitted chat requests and
// the single point of truth for their pre-dequeue lifecycle.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aistudioproxy/gateway/internal/bridge"
	"github.com/aistudioproxy/gateway/internal/chat"
	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/promise"
)

// ErrFull is returned when admission would exceed the queue capacity.
var ErrFull = errors.New("request queue is full")

// Probe reports client liveness. Implementations must return quickly;
// a false return is final.
type Probe func() bool

// Item is one admitted request. The queue owns it until dequeue; after
// dequeue the worker owns it exclusively. The cancelled flag is the only
// field mutated in place while queued.
type Item struct {
	ReqID      string
	Payload    *chat.Request
	Alive      Probe
	Result     *promise.Promise[*bridge.Reply]
	EnqueuedAt time.Time

	cancelled atomic.Bool
}

// NewItem builds a queue item for an admitted request.
func NewItem(reqID string, payload *chat.Request, alive Probe) *Item {
	return &Item{
		ReqID:      reqID,
		Payload:    payload,
		Alive:      alive,
		Result:     promise.New[*bridge.Reply](),
		EnqueuedAt: time.Now(),
	}
}

// Cancel marks the item cancelled and fails its promise. Idempotent.
func (it *Item) Cancel() {
	if it.cancelled.CompareAndSwap(false, true) {
		it.Result.SetError(errdefs.Cancelled(it.ReqID))
	}
}

// MarkDisconnected marks the item cancelled because its client vanished
// while queued.
func (it *Item) MarkDisconnected() {
	if it.cancelled.CompareAndSwap(false, true) {
		it.Result.SetError(errdefs.ClientGone(it.ReqID, "client disconnected while queued"))
	}
}

// Cancelled reports whether the item was cancelled before processing.
func (it *Item) Cancelled() bool { return it.cancelled.Load() }

// Streaming reports whether the request asked for SSE output.
func (it *Item) Streaming() bool { return it.Payload.Stream }

// Queue is a bounded FIFO with a single consumer.
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	capacity int
	notify   chan struct{}
}

// New creates a queue holding at most capacity items.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends item at the tail. Never blocks beyond lock contention.
func (q *Queue) Enqueue(it *Item) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrFull
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue returns the head item, waiting up to timeout. The second return
// is false on timeout so the worker loop stays responsive to shutdown.
func (q *Queue) Dequeue(timeout time.Duration) (*Item, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			head := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return head, true
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Scan visits every queued item in FIFO order while holding the queue lock,
// so the pass is atomic with respect to enqueue/dequeue. Items are never
// removed by a scan; fn may mutate the item in place.
func (q *Queue) Scan(fn func(*Item)) {
	q.ScanN(0, fn)
}

// ScanN is Scan bounded to the first n items (n <= 0 means all). The lock
// is released by defer, so a panicking fn cannot lose items.
func (q *Queue) ScanN(n int, fn func(*Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if n > 0 && i >= n {
			break
		}
		fn(it)
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// sweepLimit bounds how many queued items one disconnect sweep inspects.
const sweepLimit = 10

// SweepDisconnected proactively cancels queued items whose client already
// vanished, so the worker never spends a cycle on them. Returns the number
// of items marked.
func (q *Queue) SweepDisconnected() int {
	marked := 0
	q.ScanN(sweepLimit, func(it *Item) {
		if it.Cancelled() {
			return
		}
		if it.Alive != nil && !it.Alive() {
			it.MarkDisconnected()
			marked++
		}
	})
	return marked
}
