package eventqueue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a scheduled task. The zero ID is never handed out.
type ID int64

var lastID atomic.Int64

type task struct {
	id  ID
	at  time.Time
	seq uint64
	fn  func()

	index int
}

type taskHeap []*task

func (h taskHeap) Len() int {
	return len(h)
}

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}

// Queue is a single-threaded cooperative dispatcher. Tasks run one at a
// time on whichever goroutine calls Dispatch or DispatchForever, in
// scheduled order with FIFO among equal times.
//
// Scheduling and cancelling are safe from any goroutine. Producers that
// must not touch the schedule directly (URC readers, public APIs) hand
// work over with Post, which lands in an inbox drained at the top of
// every dispatch iteration.
type Queue struct {
	mu     sync.Mutex
	clock  Clock
	tasks  taskHeap
	byID   map[ID]*task
	inbox  []func()
	seq    uint64
	broken bool
	closed bool
	target *Queue

	wake chan struct{}
}

// Option configures a Queue
type Option func(*Queue)

// WithClock sets the queue's time source
func WithClock(c Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// New creates an empty queue
func New(opts ...Option) *Queue {
	q := &Queue{
		clock: SystemClock,
		byID:  make(map[ID]*task),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	heap.Init(&q.tasks)
	return q
}

// Now returns the queue's notion of the current time
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

// Call schedules fn to run as soon as possible
func (q *Queue) Call(fn func()) ID {
	return q.CallIn(0, fn)
}

// CallIn schedules fn to run once after d. It returns 0 if the queue was
// closed.
func (q *Queue) CallIn(d time.Duration, fn func()) ID {
	if d < 0 {
		d = 0
	}
	if target := q.chainTarget(); target != nil {
		return target.CallIn(d, fn)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	t := &task{
		id: ID(lastID.Add(1)),
		at: q.clock.Now().Add(d),
		fn: fn,
	}
	q.push(t)
	q.mu.Unlock()

	q.signal()
	return t.id
}

// Post hands fn to the dispatching goroutine through the inbox. It reports
// false if the queue was closed.
func (q *Queue) Post(fn func()) bool {
	if target := q.chainTarget(); target != nil {
		return target.Post(fn)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.inbox = append(q.inbox, fn)
	q.mu.Unlock()

	q.signal()
	return true
}

// Cancel removes a scheduled task. It reports whether the task was still
// pending; cancelling a task that already ran, or an unknown ID, is a
// no-op.
func (q *Queue) Cancel(id ID) bool {
	if id == 0 {
		return false
	}
	if target := q.chainTarget(); target != nil {
		return target.Cancel(id)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.tasks, t.index)
	delete(q.byID, id)
	return true
}

// Pending returns the number of tasks not yet run, inbox included
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + len(q.inbox)
}

// DispatchForever runs tasks until BreakDispatch is called
func (q *Queue) DispatchForever() {
	q.dispatch(-1)
}

// Dispatch runs tasks for at most d of queue time
func (q *Queue) Dispatch(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.dispatch(d)
}

// BreakDispatch makes the running (or next) dispatch return after the
// current task
func (q *Queue) BreakDispatch() {
	q.mu.Lock()
	q.broken = true
	q.mu.Unlock()
	q.signal()
}

// Close drops all pending work and refuses new tasks
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.tasks = q.tasks[:0]
	q.byID = make(map[ID]*task)
	q.inbox = nil
	q.broken = true
	q.mu.Unlock()
	q.signal()
}

// Chain forwards everything scheduled on q into target's dispatch loop.
// Tasks already pending on q move over with their IDs intact. Chain(nil)
// stops forwarding.
func (q *Queue) Chain(target *Queue) {
	q.mu.Lock()
	q.target = target
	if target == nil {
		q.mu.Unlock()
		return
	}
	moved := make([]*task, len(q.tasks))
	copy(moved, q.tasks)
	inbox := q.inbox
	q.tasks = q.tasks[:0]
	q.byID = make(map[ID]*task)
	q.inbox = nil
	q.mu.Unlock()

	target.adopt(moved, inbox)
}

func (q *Queue) adopt(tasks []*task, inbox []func()) {
	q.mu.Lock()
	for _, t := range tasks {
		q.push(t)
	}
	q.inbox = append(q.inbox, inbox...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) chainTarget() *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.target
}

// push must be called with mu held
func (q *Queue) push(t *task) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.tasks, t)
	q.byID[t.id] = t
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(limit time.Duration) {
	var deadline time.Time
	if limit >= 0 {
		deadline = q.clock.Now().Add(limit)
	}

	for {
		q.mu.Lock()
		if q.broken {
			q.broken = false
			q.mu.Unlock()
			return
		}

		now := q.clock.Now()
		for _, fn := range q.inbox {
			q.push(&task{id: ID(lastID.Add(1)), at: now, fn: fn})
		}
		q.inbox = nil

		if len(q.tasks) > 0 && !q.tasks[0].at.After(now) {
			t := heap.Pop(&q.tasks).(*task)
			delete(q.byID, t.id)
			q.mu.Unlock()

			t.fn()
			continue
		}

		wait := time.Duration(-1)
		if len(q.tasks) > 0 {
			wait = q.tasks[0].at.Sub(now)
		}
		if limit >= 0 {
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				q.mu.Unlock()
				return
			}
			if wait < 0 || wait > remaining {
				wait = remaining
			}
		}
		q.mu.Unlock()

		q.clock.Wait(wait, q.wake)
	}
}
