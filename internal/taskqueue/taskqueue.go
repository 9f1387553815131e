package taskqueue

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by bounded queues when no capacity is left.
var ErrQueueFull = errors.New("task queue full")

// Task asks a worker to perform one attempt of a run.
type Task struct {
	ID    string
	RunID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, eligible or not.
	Len() int
}

func normalize(t Task) Task {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}
