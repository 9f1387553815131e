// Package worker drives runs forward by consuming tasks from a task queue
// and asking the engine to execute one attempt per task.
//
// Workers hold no state of their own. Several workers, in one process or
// many, can share a durable queue; the queue guarantees each task is
// claimed once, and the engine decides whether an attempt proceeds, waits
// for its concurrency key, is retried later or ends the run.
//
// Handler failures never reach the worker loop as errors. They are recorded
// on the run and reported through the engine's observer. The loop only logs
// store and queue errors, pausing briefly before the next dequeue.
package worker
