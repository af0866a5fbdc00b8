package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned when tasks are scheduled on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Task is a scheduled one-shot callback.
type Task struct {
	deadline time.Time
	fn       func()
	seq      uint64 // tie-break for equal deadlines
	index    int    // index in the heap, -1 once popped or cancelled
}

// Deadline returns the instant the task is due.
func (t *Task) Deadline() time.Time {
	return t.deadline
}

// Stats tracks queue activity.
type Stats struct {
	TotalScheduled int64
	TotalFired     int64
	TotalCancelled int64
	CurrentSize    int
	PeakSize       int
	LastFire       time.Time
}

// DeadlineQueue runs tasks once their deadline has passed.
// It is safe for concurrent use. Callbacks run on the queue's worker
// goroutine, never while the queue's own lock is held, so they may call
// back into the queue.
type DeadlineQueue struct {
	items taskHeap
	seq   uint64

	mu     sync.Mutex
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
	stats  Stats
}

// NewDeadlineQueue creates a queue and starts its worker.
func NewDeadlineQueue() *DeadlineQueue {
	q := &DeadlineQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	heap.Init(&q.items)

	q.wg.Add(1)
	go q.run()

	return q
}

// Schedule arranges for fn to run at deadline. A deadline in the past runs
// fn as soon as the worker gets to it.
func (q *DeadlineQueue) Schedule(deadline time.Time, fn func()) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	q.seq++
	t := &Task{deadline: deadline, fn: fn, seq: q.seq}
	heap.Push(&q.items, t)

	q.stats.TotalScheduled++
	if n := q.items.Len(); n > q.stats.PeakSize {
		q.stats.PeakSize = n
	}

	// Only the head matters to the worker's timer.
	if t.index == 0 {
		q.signal()
	}
	return t, nil
}

// ScheduleAfter is Schedule with a relative delay.
func (q *DeadlineQueue) ScheduleAfter(d time.Duration, fn func()) (*Task, error) {
	return q.Schedule(time.Now().Add(d), fn)
}

// Cancel removes a pending task. It reports false if the task already
// fired, is firing, or was cancelled before.
func (q *DeadlineQueue) Cancel(t *Task) bool {
	if t == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.index < 0 || t.index >= q.items.Len() || q.items[t.index] != t {
		return false
	}

	wasHead := t.index == 0
	heap.Remove(&q.items, t.index)
	q.stats.TotalCancelled++
	if wasHead {
		q.signal()
	}
	return true
}

// Size returns the number of pending tasks.
func (q *DeadlineQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}

// GetStats returns current queue statistics.
func (q *DeadlineQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.CurrentSize = q.items.Len()
	return stats
}

// Close stops the worker. Pending tasks are dropped without running.
func (q *DeadlineQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	for q.items.Len() > 0 {
		heap.Pop(&q.items)
	}
	q.mu.Unlock()

	return nil
}

// signal nudges the worker to re-evaluate the head (must be called with lock held).
func (q *DeadlineQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop.
func (q *DeadlineQueue) run() {
	defer q.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := q.popDue(time.Now())

		for _, t := range due {
			t.fn()
		}
		if len(due) > 0 {
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-timerC:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// popDue removes every task due at now. When nothing is due it returns the
// wait until the next deadline, or -1 when the queue is empty.
func (q *DeadlineQueue) popDue(now time.Time) ([]*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, -1
	}

	var due []*Task
	for q.items.Len() > 0 {
		head := q.items[0]
		if head.deadline.After(now) {
			if len(due) == 0 {
				return nil, head.deadline.Sub(now)
			}
			break
		}
		heap.Pop(&q.items)
		due = append(due, head)
	}

	if len(due) == 0 {
		return nil, -1
	}

	q.stats.TotalFired += int64(len(due))
	q.stats.LastFire = now
	return due, 0
}

// Min-heap of tasks ordered by deadline.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	t := x.(*Task)
	t.index = n
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // Avoid memory leak
	t.index = -1
	*h = old[0 : n-1]
	return t
}
