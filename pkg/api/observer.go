package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStart is called at the beginning of every attempt.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunSucceeded is called when a run reaches StatusSucceeded.
	OnRunSucceeded(ctx context.Context, run *Run)

	// OnRunRetrying is called when an attempt failed and another one has
	// been scheduled after delay.
	OnRunRetrying(ctx context.Context, run *Run, err error, delay time.Duration)

	// OnRunFailed is called when a run fails fatally.
	OnRunFailed(ctx context.Context, run *Run, err error)

	// OnStepStart is called before a step body is invoked. Replayed steps
	// are not reported.
	OnStepStart(ctx context.Context, run *Run, stepName string, stepIndex int)

	// OnStepCompleted is called after a step body returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *Run, stepName string, stepIndex int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                   {}
func (NoopObserver) OnRunSucceeded(ctx context.Context, run *Run)               {}
func (NoopObserver) OnRunFailed(ctx context.Context, run *Run, err error)       {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, s string, i int) {}
func (NoopObserver) OnRunRetrying(ctx context.Context, run *Run, err error, d time.Duration) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, s string, i int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunSucceeded(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunSucceeded(ctx, run)
	}
}

func (c *CompositeObserver) OnRunRetrying(ctx context.Context, run *Run, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnRunRetrying(ctx, run, err, d)
	}
}

func (c *CompositeObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	for _, o := range c.observers {
		o.OnRunFailed(ctx, run, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, stepName string, idx int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, stepName, idx)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, stepName, idx, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func runAttrs(run *Run) []any {
	return []any{
		slog.String("handler", run.HandlerID),
		slog.String("run_id", run.ID),
		slog.String("event", string(run.Envelope.Name)),
		slog.Int("attempt", run.AttemptCount),
	}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start", runAttrs(run)...)
}

func (o *LoggingObserver) OnRunSucceeded(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_succeeded", runAttrs(run)...)
}

func (o *LoggingObserver) OnRunRetrying(ctx context.Context, run *Run, err error, d time.Duration) {
	o.Logger.WarnContext(ctx, "run_retrying",
		append(runAttrs(run), slog.Duration("delay", d), slog.Any("error", err))...,
	)
}

func (o *LoggingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.Logger.ErrorContext(ctx, "run_failed", append(runAttrs(run), slog.Any("error", err))...)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, stepName string, idx int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("handler", run.HandlerID),
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("handler", run.HandlerID),
		slog.String("run_id", run.ID),
		slog.String("step", stepName),
		slog.Int("step_index", idx),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	attempts          atomic.Int64
	runsSucceeded     atomic.Int64
	runsFailed        atomic.Int64
	retries           atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Attempts      int64
	RunsSucceeded int64
	RunsFailed    int64
	Retries       int64

	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.attempts.Add(1)
}

func (m *BasicMetrics) OnRunSucceeded(ctx context.Context, run *Run) {
	m.runsSucceeded.Add(1)
}

func (m *BasicMetrics) OnRunRetrying(ctx context.Context, run *Run, err error, d time.Duration) {
	m.retries.Add(1)
}

func (m *BasicMetrics) OnRunFailed(ctx context.Context, run *Run, err error) {
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	// Only successful steps count toward the average duration.
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		Attempts:        m.attempts.Load(),
		RunsSucceeded:   m.runsSucceeded.Load(),
		RunsFailed:      m.runsFailed.Load(),
		Retries:         m.retries.Load(),
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}
