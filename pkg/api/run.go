package api

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// StepRecord is the durable result of one named unit of work within a run.
// A record with an empty Error is a completed step and is replayed instead
// of re-executed.
type StepRecord struct {
	Name        string
	Result      []byte
	Error       string
	CompletedAt time.Time
}

// Succeeded reports whether the step completed without error.
func (r StepRecord) Succeeded() bool { return r.Error == "" }

// Run is one execution of a handler against one envelope.
type Run struct {
	ID             string
	HandlerID      string
	Envelope       Envelope
	ConcurrencyKey string

	Status        Status
	AttemptCount  int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time

	// Output is the msgpack-encoded value returned by the handler.
	Output []byte

	Steps []StepRecord

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Step returns the recorded step with the given name, if any.
// LastAttempt reports whether a failure with err ends the run: err is not
// retryable or the attempt budget is spent.
func (r *Run) LastAttempt(err error) bool {
	return !IsRetryable(err) || r.AttemptCount >= r.MaxAttempts
}

func (r *Run) Step(name string) (StepRecord, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepRecord{}, false
}

// PutStep inserts or replaces the record with the same name, keeping the
// original position of replaced records.
func (r *Run) PutStep(rec StepRecord) {
	for i, s := range r.Steps {
		if s.Name == rec.Name {
			r.Steps[i] = rec
			return
		}
	}
	r.Steps = append(r.Steps, rec)
}

// DecodeOutput decodes the handler output of a succeeded run.
func DecodeOutput[T any](r *Run) (T, error) {
	var out T
	if len(r.Output) == 0 {
		return out, nil
	}
	err := msgpack.Unmarshal(r.Output, &out)
	return out, err
}

// HandlerFunc is the body of a workflow. It receives the step context and
// the triggering envelope and returns an outcome value.
type HandlerFunc func(w *Workflow, env Envelope) (any, error)

// HandlerDefinition registers a workflow against one event name.
type HandlerDefinition struct {
	// ID names the handler. It must be unique within an engine.
	ID string

	// Event is the envelope name the handler is triggered by.
	Event EventName

	// Retry bounds re-attempts. Zero MaxAttempts means a single attempt.
	Retry RetryPolicy

	// ConcurrencyKey, when set, derives the serialization key for a run.
	// Runs whose key is empty are not serialized.
	ConcurrencyKey func(env Envelope) string

	// Timeout bounds one attempt. Zero means no per-attempt deadline.
	Timeout time.Duration

	Fn HandlerFunc
}
