package api

import "context"

// RunFilter selects runs. Empty fields mean "no filter".
type RunFilter struct {
	HandlerID string
	Status    Status
}

// Engine is the event bus and run executor.
type Engine interface {
	// Register adds a handler. Several handlers may share an event name.
	Register(def HandlerDefinition) error

	// Emit validates env, durably creates one pending run per registered
	// handler and enqueues each for execution. It does not run handlers.
	Emit(ctx context.Context, env Envelope) ([]string, error)

	// Execute performs one attempt of the given run. It is safe to call for
	// a run that is already terminal; that is a no-op.
	Execute(ctx context.Context, runID string) (*Run, error)

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// History returns the audit trail of a run, oldest first.
	History(ctx context.Context, runID string) ([]HistoryEntry, error)

	// Recover re-enqueues every run that has not reached a terminal state.
	// It is meant to be called on process start before workers begin.
	Recover(ctx context.Context) (int, error)
}

// Emitter is the narrow emit capability handed to components that only
// publish envelopes.
type Emitter interface {
	Emit(ctx context.Context, env Envelope) ([]string, error)
}
