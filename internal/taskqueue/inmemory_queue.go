package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue ordered by NotBefore, then by enqueue order.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	wakeCh chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{wakeCh: make(chan struct{}, 1)}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = normalize(t)

	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, queuedTask{task: t, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// signal wakes one blocked Dequeue. Waiters pass the signal on while tasks
// remain.
func (q *InMemoryQueue) signal() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	defer tmr.Stop()

	for {
		q.mu.Lock()
		wait := time.Duration(-1)
		if len(q.items) > 0 {
			next := q.items[0].task
			if d := time.Until(next.NotBefore); d > 0 {
				wait = d
			} else {
				heap.Pop(&q.items)
				more := len(q.items) > 0
				q.mu.Unlock()
				if more {
					q.signal()
				}
				return &next, nil
			}
		}
		q.mu.Unlock()

		var timerC <-chan time.Time
		if wait >= 0 {
			tmr.Reset(wait)
			timerC = tmr.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeCh:
		case <-timerC:
		}
		if timerC != nil && !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type queuedTask struct {
	task Task
	seq  uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
