package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumi-retreat/lumi/internal/taskqueue"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// errorPause keeps a failing store or queue from spinning the loop.
const errorPause = 100 * time.Millisecond

// Config controls a Worker.
type Config struct {
	// Concurrency is the number of tasks processed in parallel by Run.
	// Values <= 0 mean 1.
	Concurrency int

	Logger *slog.Logger
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	cfg    Config
	logger *slog.Logger
}

// New creates a new Worker with default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a Worker with the given config.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// ProcessOne pulls a single task from the queue and executes one attempt of
// its run. Returns (processed, error):
//   - processed == false: no task was obtained, usually because ctx ended
//   - processed == true: a task was processed; err reports store or queue
//     problems, not handler failures, which are recorded on the run
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	_, err = w.engine.Execute(ctx, task.RunID)
	return true, err
}

// Run processes tasks with cfg.Concurrency goroutines until ctx is
// cancelled. Cancellation is a clean shutdown and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(gctx)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		_, err := w.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil
			}
		}
		// A single bad task must not stop the loop.
		w.logger.ErrorContext(ctx, "worker_task_failed", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(errorPause):
		}
	}
}
