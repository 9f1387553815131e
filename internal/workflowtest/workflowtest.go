// Package workflowtest runs handlers against an in-memory run without an
// engine, for unit tests of individual workflows.
package workflowtest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// Emitter records emitted envelopes instead of creating runs.
type Emitter struct {
	mu        sync.Mutex
	envelopes []api.Envelope
	Err       error
}

func (e *Emitter) Emit(ctx context.Context, env api.Envelope) ([]string, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envelopes = append(e.envelopes, env)
	return []string{uuid.NewString()}, nil
}

// Envelopes returns everything emitted so far.
func (e *Emitter) Envelopes() []api.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]api.Envelope(nil), e.envelopes...)
}

// Named returns the emitted envelopes with the given name.
func (e *Emitter) Named(name api.EventName) []api.Envelope {
	var out []api.Envelope
	for _, env := range e.Envelopes() {
		if env.Name == name {
			out = append(out, env)
		}
	}
	return out
}

// NewRun returns a fresh run of handlerID for p with a single attempt.
func NewRun(handlerID string, p api.Payload) *api.Run {
	return &api.Run{
		ID:          uuid.NewString(),
		HandlerID:   handlerID,
		Envelope:    api.NewEnvelope(p),
		Status:      api.StatusRunning,
		MaxAttempts: 1,
	}
}

// NewRunFor is NewRun with the attempt budget of def.
func NewRunFor(def api.HandlerDefinition, p api.Payload) *api.Run {
	run := NewRun(def.ID, p)
	run.MaxAttempts = def.Retry.Attempts()
	return run
}

// Attempt executes one attempt of run with fn. Step records accumulate on
// run, so calling Attempt again replays completed steps.
func Attempt(ctx context.Context, run *api.Run, fn api.HandlerFunc, em api.Emitter) (any, error) {
	run.AttemptCount++
	w := api.NewWorkflow(ctx, run, api.WorkflowOptions{Emitter: em})
	return fn(w, run.Envelope)
}
