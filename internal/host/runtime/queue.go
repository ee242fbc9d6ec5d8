package runtime

import (
	"context"
	"sync"
)

// MessageQueue is an unbounded FIFO bridging a push-based producer (the
// operator sending follow-up turns) to a pull-based consumer (the agent
// session's input loop). Close is a distinct end-of-stream signal: a
// blocked Pop unblocks and reports done once the queue is closed and
// drained, which is not the same as cancellation.
type MessageQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

// NewMessageQueue creates an empty open queue.
func NewMessageQueue() *MessageQueue {
	q := &MessageQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues one message. Multiple turns may be queued before the
// first is consumed. Push on a closed queue reports false.
func (q *MessageQueue) Push(text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, text)
	q.cond.Broadcast()
	return true
}

// Pop blocks until a message is available, the queue is closed and
// drained, or the context is cancelled. It returns ok=false only when no
// further message will ever arrive.
func (q *MessageQueue) Pop(ctx context.Context) (string, bool) {
	// Wake the cond wait when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			return item, true
		}
		if q.closed || ctx.Err() != nil {
			return "", false
		}
		q.cond.Wait()
	}
}

// Close marks the end of input. Blocked consumers drain what remains and
// then observe done. Close is idempotent.
func (q *MessageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether the queue has been closed.
func (q *MessageQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued, unconsumed messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
