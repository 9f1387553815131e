// Package lumi is the workflow kernel behind the Lumi retreat assistant.
//
// Lumi reacts to events such as a finished voice conversation, a booking
// inquiry or a guest profile change. Each event is placed on a bus and fans
// out to the handlers registered for its name. Every handler invocation is a
// durable run made of named steps, so a failed attempt resumes where it
// stopped instead of repeating side effects.
//
// # Core Concepts
//
//  1. Envelope
//  2. Engine
//  3. Workflow and steps
//  4. Worker
//  5. LocalRunner and bundles
//
// # Envelope
//
// An Envelope is an immutable named event. Its payload type is fixed by the
// event name; the set of names is closed and every payload validates itself
// before a run is created. Invalid envelopes are rejected by Emit with a
// ValidationError and never reach a handler.
//
// # Engine
//
// The Engine registers handlers, records one pending run per handler for
// every emitted envelope and executes attempts. After a failed attempt the
// run is retried with exponential backoff until its attempt budget is used.
// ValidationError, ConfigError and errors wrapped with NonRetryable end the
// run on the first failure.
//
// Handlers may declare a concurrency key, for example the guest email.
// Runs sharing a key never overlap; later runs wait in emission order and
// the key is held across retries until the holder is terminal.
//
// # Workflow and steps
//
// Handlers receive a *Workflow and wrap each unit of work in Step or Do:
//
//	guest, err := lumi.Step(w, "load-guest", func(ctx context.Context) (Guest, error) {
//		return store.FindGuest(ctx, email)
//	})
//
// A step that succeeded in an earlier attempt is not run again; its
// recorded result is decoded instead. Step names must be unique within one
// attempt. Emitting follow-up events from a handler goes through
// Workflow.SendEvent, which is itself a step and therefore emits once.
//
// # Backends
//
// Runs, step records, history and queued tasks can be kept in memory, in
// SQLite, in PostgreSQL or in Redis. NewSQLiteBundle, NewPostgresBundle and
// NewRedisBundle wire an engine, a queue and a worker over one backend.
// Call Recover on start-up to re-enqueue every run that is not terminal.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker goroutines. It
// is not crash-durable and is meant for development and tests.
//
// # Observability
//
// Observers receive run and step lifecycle callbacks. LoggingObserver
// writes structured slog records, BasicMetrics keeps counters and
// TracingObserver opens one OpenTelemetry span per attempt.
package lumi
