package lumi

import (
	"context"

	"github.com/lumi-retreat/lumi/internal/engine"
	"github.com/lumi-retreat/lumi/internal/taskqueue"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Envelope             = api.Envelope
	Payload              = api.Payload
	EventName            = api.EventName
	Run                  = api.Run
	RunFilter            = api.RunFilter
	Status               = api.Status
	StepRecord           = api.StepRecord
	Workflow             = api.Workflow
	HandlerFunc          = api.HandlerFunc
	HandlerDefinition    = api.HandlerDefinition
	HistoryEntry         = api.HistoryEntry
	RetryPolicy          = api.RetryPolicy
	ValidationError      = api.ValidationError
	ConfigError          = api.ConfigError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	TracingObserver      = api.TracingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewEnvelope          = api.NewEnvelope
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewTracingObserver   = api.NewTracingObserver
	NonRetryable         = api.NonRetryable
	IsRetryable          = api.IsRetryable
	DefaultRetry         = api.DefaultRetry
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusRetrying  = api.StatusRetrying
	StatusSucceeded = api.StatusSucceeded
	StatusFailed    = api.StatusFailed
)

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores
// that dispatches through q.
func NewInMemoryEngine(q taskqueue.Queue) Engine {
	return engine.NewInMemoryEngine(q)
}

// Step runs fn as a named, recorded step of w. See api.Step.
func Step[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return api.Step(w, name, fn)
}

// Do runs a recorded step that produces no result.
func Do(w *Workflow, name string, fn func(ctx context.Context) error) error {
	return api.Do(w, name, fn)
}

// Convenience helpers that just forward to the underlying Engine.

// Emit publishes the payload in a fresh envelope and returns the created
// run ids.
func Emit(ctx context.Context, eng Engine, p Payload) ([]string, error) {
	return eng.Emit(ctx, api.NewEnvelope(p))
}

// GetRun fetches a run by ID.
func GetRun(ctx context.Context, eng Engine, id string) (*Run, error) {
	return eng.GetRun(ctx, id)
}

// ListRuns lists runs matching filter.
func ListRuns(ctx context.Context, eng Engine, filter RunFilter) ([]*Run, error) {
	return eng.ListRuns(ctx, filter)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	n, err := lumi.Recover(ctx, bundle.Engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
