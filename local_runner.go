package lumi

import (
	"context"
	"errors"
	"sync"

	"github.com/lumi-retreat/lumi/internal/taskqueue"
	"github.com/lumi-retreat/lumi/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a Worker
// to provide a simple "local runner" for development and tests.
//
// Typical usage:
//
//	runner := lumi.NewLocalRunner()
//	_ = runner.Engine.Register(def)
//	_ = runner.StartWorkers(ctx, 2)
//	ids, _ := lumi.Emit(ctx, runner.Engine, payload)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue shared by Engine and Worker.
	Queue taskqueue.Queue

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// an unbounded in-memory queue. It is not crash-durable.
func NewLocalRunner() *LocalRunner {
	q := taskqueue.NewInMemoryQueue(0)
	return &LocalRunner{
		Engine: NewInMemoryEngine(q),
		Queue:  q,
	}
}

// StartWorkers starts 'concurrency' worker goroutines that process tasks
// until Stop is called.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("lumi: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	w := worker.NewWithConfig(r.Engine, r.Queue, worker.Config{Concurrency: concurrency})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	r.cancel = cancel
	r.done = done
	r.running = true
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	cancel()
	<-done
}
