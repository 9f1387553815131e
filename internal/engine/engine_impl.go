package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumi-retreat/lumi/internal/persistence"
	"github.com/lumi-retreat/lumi/internal/taskqueue"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// DefaultTimeout bounds one handler attempt when neither the handler nor
// the engine config sets a timeout.
const DefaultTimeout = 30 * time.Second

// engineImpl is the event bus and run executor. Emit records runs and
// enqueues tasks; Execute performs one attempt and decides what happens
// next.
type engineImpl struct {
	handlers *handlerRegistry
	runs     persistence.RunStore
	history  persistence.HistoryStore
	queue    taskqueue.Queue
	limiter  *KeyLimiter
	observer api.Observer
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Config describes how to construct an engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer
	Logger      *slog.Logger

	// Limiter may be shared between engines in one process. A fresh one is
	// created when nil.
	Limiter *KeyLimiter

	// Timeout is the per-attempt default for handlers that set none.
	// Zero means DefaultTimeout; negative disables the default.
	Timeout time.Duration
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores,
// dispatching through q.
func NewInMemoryEngine(q taskqueue.Queue) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Runs: mem, History: mem},
		Queue:       q,
	})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := cfg.Persistence.History
	if history == nil {
		history = persistence.NoopHistoryStore{}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewKeyLimiter()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &engineImpl{
		handlers: newHandlerRegistry(),
		runs:     cfg.Persistence.Runs,
		history:  history,
		queue:    cfg.Queue,
		limiter:  limiter,
		observer: obs,
		logger:   logger,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

func (e *engineImpl) Register(def api.HandlerDefinition) error {
	return e.handlers.Register(def)
}

func (e *engineImpl) Emit(ctx context.Context, env api.Envelope) ([]string, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.EmittedAt.IsZero() {
		env.EmittedAt = e.now()
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	defs := e.handlers.ForEvent(env.Name)
	if len(defs) == 0 {
		e.logger.DebugContext(ctx, "emit_unhandled",
			slog.String("event", string(env.Name)),
			slog.String("envelope_id", env.ID),
		)
		return nil, nil
	}

	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		now := e.now()
		run := &api.Run{
			ID:          uuid.NewString(),
			HandlerID:   def.ID,
			Envelope:    env,
			Status:      api.StatusPending,
			MaxAttempts: def.Retry.Attempts(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if def.ConcurrencyKey != nil {
			run.ConcurrencyKey = def.ConcurrencyKey(env)
		}

		if err := e.runs.CreateRun(ctx, run); err != nil {
			return ids, fmt.Errorf("emit %s: create run for %s: %w", env.Name, def.ID, err)
		}
		e.appendHistory(ctx, run, api.HistoryRunEnqueued, "")

		// A run whose task is lost here stays pending and is picked up by
		// Recover.
		if err := e.queue.Enqueue(ctx, taskqueue.Task{RunID: run.ID, EnqueuedAt: now}); err != nil {
			return ids, fmt.Errorf("emit %s: enqueue run %s: %w", env.Name, run.ID, err)
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// Execute performs one attempt of a run. Handler failures are recorded on
// the run and do not surface as an error; the returned error reports only
// problems with the store, the queue or the run id itself.
func (e *engineImpl) Execute(ctx context.Context, runID string) (*api.Run, error) {
	if !e.enter(runID) {
		// Another worker in this process is already executing the run.
		return e.runs.GetRun(ctx, runID)
	}
	defer e.leave(runID)

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	def, ok := e.handlers.Get(run.HandlerID)
	if !ok {
		cerr := &api.ConfigError{Key: "handler", Reason: fmt.Sprintf("handler %q is not registered", run.HandlerID)}
		return e.fail(ctx, run, cerr)
	}

	if run.ConcurrencyKey != "" && !e.limiter.Acquire(run.ConcurrencyKey, run.ID) {
		e.appendHistory(ctx, run, api.HistoryRunQueued, run.ConcurrencyKey)
		return run, nil
	}

	run.Status = api.StatusRunning
	run.AttemptCount++
	run.NextAttemptAt = time.Time{}
	run.UpdatedAt = e.now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		e.releaseKey(ctx, run)
		return nil, fmt.Errorf("run %s: mark running: %w", run.ID, err)
	}
	e.observer.OnRunStart(ctx, run)
	e.appendHistory(ctx, run, api.HistoryRunStarted, "")

	attemptCtx, cancel := e.attemptContext(ctx, def)
	w := api.NewWorkflow(attemptCtx, run, api.WorkflowOptions{
		Store:    e.runs,
		Emitter:  e,
		Observer: e.observer,
		Logger:   e.logger,
	})
	out, herr := invoke(def, w, run.Envelope)
	cancel()

	// Outcome writes must land even when the worker is shutting down.
	octx := context.WithoutCancel(ctx)

	if herr == nil {
		if out != nil {
			if run.Output, err = msgpack.Marshal(out); err != nil {
				herr = api.NonRetryable(fmt.Errorf("encode output: %w", err))
			}
		}
	}
	if herr == nil {
		return e.succeed(octx, run)
	}
	if ctx.Err() != nil {
		// The worker was stopped mid-attempt. Leave the run for Recover.
		return e.suspend(octx, run, herr)
	}
	if run.LastAttempt(herr) {
		return e.fail(octx, run, herr)
	}
	return e.retry(octx, run, def, herr)
}

func invoke(def api.HandlerDefinition, w *api.Workflow, env api.Envelope) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.NonRetryable(fmt.Errorf("handler %s panicked: %v", def.ID, r))
		}
	}()
	return def.Fn(w, env)
}

func (e *engineImpl) attemptContext(ctx context.Context, def api.HandlerDefinition) (context.Context, context.CancelFunc) {
	timeout := def.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *engineImpl) succeed(ctx context.Context, run *api.Run) (*api.Run, error) {
	run.Status = api.StatusSucceeded
	run.LastError = ""
	run.UpdatedAt = e.now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("run %s: mark succeeded: %w", run.ID, err)
	}
	e.appendHistory(ctx, run, api.HistoryRunSucceeded, "")
	e.observer.OnRunSucceeded(ctx, run)
	e.releaseKey(ctx, run)
	return run, nil
}

func (e *engineImpl) fail(ctx context.Context, run *api.Run, cause error) (*api.Run, error) {
	run.Status = api.StatusFailed
	run.LastError = cause.Error()
	run.NextAttemptAt = time.Time{}
	run.UpdatedAt = e.now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("run %s: mark failed: %w", run.ID, err)
	}
	e.appendHistory(ctx, run, api.HistoryRunFailed, cause.Error())
	e.observer.OnRunFailed(ctx, run, cause)
	e.releaseKey(ctx, run)
	return run, nil
}

func (e *engineImpl) retry(ctx context.Context, run *api.Run, def api.HandlerDefinition, cause error) (*api.Run, error) {
	delay := def.Retry.Delay(run.AttemptCount)
	now := e.now()
	run.Status = api.StatusRetrying
	run.LastError = cause.Error()
	run.NextAttemptAt = now.Add(delay)
	run.UpdatedAt = now
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("run %s: mark retrying: %w", run.ID, err)
	}
	e.appendHistory(ctx, run, api.HistoryRunRetrying, fmt.Sprintf("in %s: %s", delay, cause))
	e.observer.OnRunRetrying(ctx, run, cause, delay)

	// The concurrency key stays with this run until it is terminal.
	if err := e.queue.Enqueue(ctx, taskqueue.Task{RunID: run.ID, EnqueuedAt: now, NotBefore: run.NextAttemptAt}); err != nil {
		return run, fmt.Errorf("run %s: schedule retry: %w", run.ID, err)
	}
	return run, nil
}

func (e *engineImpl) suspend(ctx context.Context, run *api.Run, cause error) (*api.Run, error) {
	run.Status = api.StatusRetrying
	run.LastError = cause.Error()
	run.UpdatedAt = e.now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return run, fmt.Errorf("run %s: suspend: %w", run.ID, err)
	}
	e.releaseKey(ctx, run)
	return run, nil
}

// releaseKey frees the run's concurrency key and schedules the next run
// waiting for it.
func (e *engineImpl) releaseKey(ctx context.Context, run *api.Run) {
	if run.ConcurrencyKey == "" {
		return
	}
	next := e.limiter.Release(run.ConcurrencyKey, run.ID)
	if next == "" {
		return
	}
	if err := e.queue.Enqueue(ctx, taskqueue.Task{RunID: next, EnqueuedAt: e.now()}); err != nil {
		e.logger.ErrorContext(ctx, "handoff_enqueue_failed",
			slog.String("key", run.ConcurrencyKey),
			slog.String("run_id", next),
			slog.Any("error", err),
		)
	}
}

func (e *engineImpl) appendHistory(ctx context.Context, run *api.Run, typ api.HistoryType, detail string) {
	err := e.history.AppendHistory(ctx, api.HistoryEntry{
		RunID:     run.ID,
		At:        e.now(),
		Type:      typ,
		HandlerID: run.HandlerID,
		Attempt:   run.AttemptCount,
		Detail:    detail,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "history_append_failed",
			slog.String("run_id", run.ID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (e *engineImpl) enter(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[runID]; busy {
		return false
	}
	e.inflight[runID] = struct{}{}
	return true
}

func (e *engineImpl) leave(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, runID)
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.Run, error) {
	run, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("run %s: %w", id, err)
		}
		return nil, err
	}
	return run, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	return e.runs.ListRuns(ctx, filter)
}

func (e *engineImpl) History(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	return e.history.ListHistory(ctx, runID)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	var open []*api.Run
	for _, st := range []api.Status{api.StatusPending, api.StatusRunning, api.StatusRetrying} {
		runs, err := e.runs.ListRuns(ctx, api.RunFilter{Status: st})
		if err != nil {
			return 0, fmt.Errorf("recover: list %s runs: %w", st, err)
		}
		open = append(open, runs...)
	}
	// Oldest first, so serialized keys are granted in emission order.
	sort.SliceStable(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	n := 0
	for _, run := range open {
		task := taskqueue.Task{RunID: run.ID, EnqueuedAt: e.now(), NotBefore: run.NextAttemptAt}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return n, fmt.Errorf("recover: enqueue %s: %w", run.ID, err)
		}
		n++
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "runs_recovered", slog.Int("count", n))
	}
	return n, nil
}
