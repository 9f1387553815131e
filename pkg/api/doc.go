// Package api contains the core building blocks of the lumi orchestration
// kernel: event envelopes, runs and their step records, retry policy, error
// classification and observers.
//
// Most applications interact with the higher-level lumi package, which
// re-exports selected types and constructors from this package. The api
// package is what handlers and supporting packages import directly.
//
// # Envelopes
//
// An Envelope is an immutable named event. Its Data is one of a closed set
// of Payload types; DecodePayload resolves the type from the event name and
// rejects unknown names or malformed bodies with a ValidationError.
//
// # Runs and steps
//
// A Run is one execution of a HandlerDefinition against one envelope. The
// handler body receives a *Workflow and structures its work as named steps:
//
//	rec, err := api.Step(w, "find-existing-record", func(ctx context.Context) (Record, error) {
//	    return store.Find(ctx, id)
//	})
//
// Each successful step is recorded. When a run is attempted again after a
// failure, recorded steps return their stored result without running their
// body, so side effects already performed are not repeated.
//
// # Errors
//
// ValidationError and ConfigError, and any error wrapped with NonRetryable,
// fail a run immediately. Every other error is retried under the handler's
// RetryPolicy.
//
// # Observability
//
// The Observer interface reports run and step transitions. LoggingObserver,
// BasicMetrics and TracingObserver are ready-made implementations that can
// be combined with NewCompositeObserver.
package api
