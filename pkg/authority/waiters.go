package authority

import (
	"sync"
	"time"

	"github.com/pixperk/latch/pkg/metrics"
	"github.com/pixperk/latch/pkg/types"
)

// grant delivered to a blocked acquirer through its one-shot channel
type grant struct {
	lock       *types.Lock
	fenceToken uint64
}

// a suspended acquisition request queued for a contended key
// the channel is buffered(1) and written at most once
type waiter struct {
	ch       chan grant
	deadline time.Time
	req      AcquireRequest
}

// FIFO waiter queue for a single key
// all queue mutation and grant delivery happen under mu, so a timed-out
// waiter re-draining its channel under mu either finds the grant or can
// safely remove itself knowing no grant will ever arrive
type waitQueue struct {
	mu      sync.Mutex
	waiters []*waiter
}

// registry of waiter queues, keyed like the lock table
// a queue is created the first time its key sees contention and then
// persists, mirroring the lock table's own never-delete lifecycle; this
// keeps queue references stable so a grant can never land on an orphan
type waitRegistry struct {
	mu     sync.Mutex
	queues map[string]*waitQueue
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{queues: make(map[string]*waitQueue)}
}

func (r *waitRegistry) get(key string) *waitQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[key]
	if !ok {
		q = &waitQueue{}
		r.queues[key] = q
	}
	return q
}

// returns the queue for key only if one exists; promotion must not
// allocate queues for keys that never saw contention
func (r *waitRegistry) peek(key string) *waitQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[key]
}

// removes target preserving order, reusing the backing array
// must be called with q.mu held
func (q *waitQueue) remove(target *waiter) bool {
	for i, w := range q.waiters {
		if w == target {
			copy(q.waiters[i:], q.waiters[i+1:])
			q.waiters[len(q.waiters)-1] = nil // avoid memory leak
			q.waiters = q.waiters[:len(q.waiters)-1]
			metrics.WaitersQueued.Dec()
			return true
		}
	}
	return false
}

// must be called with q.mu held
func (q *waitQueue) push(w *waiter) {
	q.waiters = append(q.waiters, w)
	metrics.WaitersQueued.Inc()
}

// requeues a popped waiter at the head, preserving arrival order
// must be called with q.mu held
func (q *waitQueue) pushFront(w *waiter) {
	q.waiters = append(q.waiters, nil)
	copy(q.waiters[1:], q.waiters)
	q.waiters[0] = w
	metrics.WaitersQueued.Inc()
}

// pops the head waiter, or nil if the queue is empty
// must be called with q.mu held
func (q *waitQueue) pop() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	w := q.waiters[0]
	copy(q.waiters, q.waiters[1:])
	q.waiters[len(q.waiters)-1] = nil // avoid memory leak
	q.waiters = q.waiters[:len(q.waiters)-1]
	metrics.WaitersQueued.Dec()
	return w
}
