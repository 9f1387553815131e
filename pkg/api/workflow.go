package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrDuplicateStep is returned when a handler uses the same step name twice
// within one attempt.
var ErrDuplicateStep = errors.New("duplicate step name")

// StepStore persists step records as they complete.
type StepStore interface {
	SaveStep(ctx context.Context, runID string, rec StepRecord) error
}

// Workflow is the step context handed to a handler for one attempt of a run.
//
// Steps already recorded for the run are replayed from their stored result;
// the first unrecorded step is executed and its result recorded before the
// handler moves on.
type Workflow struct {
	ctx      context.Context
	run      *Run
	store    StepStore
	emitter  Emitter
	observer Observer
	logger   *slog.Logger

	seen  map[string]struct{}
	index int
}

// WorkflowOptions carries the collaborators of a Workflow.
type WorkflowOptions struct {
	Store    StepStore
	Emitter  Emitter
	Observer Observer
	Logger   *slog.Logger
}

// NewWorkflow creates the step context for one attempt of run.
func NewWorkflow(ctx context.Context, run *Run, opts WorkflowOptions) *Workflow {
	obs := opts.Observer
	if obs == nil {
		obs = NoopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		ctx:      ctx,
		run:      run,
		store:    opts.Store,
		emitter:  opts.Emitter,
		observer: obs,
		logger: logger.With(
			slog.String("handler", run.HandlerID),
			slog.String("run_id", run.ID),
			slog.Int("attempt", run.AttemptCount),
		),
		seen: make(map[string]struct{}),
	}
}

// Context returns the attempt context. It carries the handler timeout.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the id of the run being executed.
func (w *Workflow) RunID() string { return w.run.ID }

// Attempt returns the 1-based attempt number.
func (w *Workflow) Attempt() int { return w.run.AttemptCount }

// Final reports whether returning err from this attempt fails the run for
// good. Handlers use it to record terminal state only once.
func (w *Workflow) Final(err error) bool { return w.run.LastAttempt(err) }

// Logger returns a logger annotated with the run identity.
func (w *Workflow) Logger() *slog.Logger { return w.logger }

func (w *Workflow) claim(name string) error {
	if name == "" {
		return NonRetryable(errors.New("step name is required"))
	}
	if _, dup := w.seen[name]; dup {
		return NonRetryable(fmt.Errorf("run %s step %q: %w", w.run.ID, name, ErrDuplicateStep))
	}
	w.seen[name] = struct{}{}
	return nil
}

func (w *Workflow) save(rec StepRecord) error {
	w.run.PutStep(rec)
	if w.store == nil {
		return nil
	}
	// Recording must survive an attempt deadline that fired inside the step.
	return w.store.SaveStep(context.WithoutCancel(w.ctx), w.run.ID, rec)
}

// Step runs fn as the named step and returns its result. When the run
// already holds a successful record for name, fn is not invoked and the
// recorded result is decoded instead.
func Step[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := w.claim(name); err != nil {
		return zero, err
	}
	idx := w.index
	w.index++

	if rec, ok := w.run.Step(name); ok && rec.Succeeded() {
		var out T
		if len(rec.Result) > 0 {
			if err := msgpack.Unmarshal(rec.Result, &out); err != nil {
				return zero, NonRetryable(fmt.Errorf("step %q: decode recorded result: %w", name, err))
			}
		}
		w.logger.DebugContext(w.ctx, "step_replayed", slog.String("step", name), slog.Int("step_index", idx))
		return out, nil
	}

	if err := w.ctx.Err(); err != nil {
		return zero, err
	}

	w.observer.OnStepStart(w.ctx, w.run, name, idx)
	start := time.Now()
	out, err := fn(w.ctx)
	w.observer.OnStepCompleted(w.ctx, w.run, name, idx, err, time.Since(start))

	if err != nil {
		_ = w.save(StepRecord{Name: name, Error: err.Error(), CompletedAt: time.Now().UTC()})
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	result, err := msgpack.Marshal(out)
	if err != nil {
		return zero, NonRetryable(fmt.Errorf("step %q: encode result: %w", name, err))
	}
	if err := w.save(StepRecord{Name: name, Result: result, CompletedAt: time.Now().UTC()}); err != nil {
		return zero, fmt.Errorf("step %q: record result: %w", name, err)
	}
	return out, nil
}

// Do runs a step that produces no result.
func Do(w *Workflow, name string, fn func(ctx context.Context) error) error {
	_, err := Step(w, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// SendEvent emits envs as a single named step. On replay the envelopes are
// not emitted again and the originally created run ids are returned.
func (w *Workflow) SendEvent(name string, envs ...Envelope) ([]string, error) {
	return Step(w, name, func(ctx context.Context) ([]string, error) {
		if w.emitter == nil {
			return nil, &ConfigError{Key: "emitter", Reason: "workflow has no emitter"}
		}
		var ids []string
		for _, env := range envs {
			runIDs, err := w.emitter.Emit(ctx, env)
			if err != nil {
				return ids, fmt.Errorf("emit %s: %w", env.Name, err)
			}
			ids = append(ids, runIDs...)
		}
		return ids, nil
	})
}
