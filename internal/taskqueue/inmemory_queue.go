package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory, ordered by NotBefore and
// then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	items    taskHeap
	seq      uint64
	capacity int
	notify   chan struct{}
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
// capacity <= 0 means unbounded.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = normalize(t)

	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, queued{task: t, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.items) > 0 {
			head := q.items[0]
			wait = time.Until(head.task.NotBefore)
			if wait <= 0 {
				heap.Pop(&q.items)
				more := len(q.items) > 0
				q.mu.Unlock()
				if more {
					// Let another waiting consumer look at the new head.
					q.wake()
				}
				t := head.task
				return &t, nil
			}
		}
		q.mu.Unlock()

		if wait > 0 {
			tm := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tm.Stop()
				return nil, ctx.Err()
			case <-q.notify:
				tm.Stop()
			case <-tm.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type queued struct {
	task Task
	seq  uint64
}

type taskHeap []queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
