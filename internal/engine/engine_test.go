package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-retreat/lumi/internal/persistence"
	"github.com/lumi-retreat/lumi/internal/taskqueue"
	"github.com/lumi-retreat/lumi/pkg/api"
)

func alertEnvelope(email string) api.Envelope {
	return api.NewEnvelope(&api.StaffAlert{
		RecordID:   "rec-1",
		Reason:     "guest reported a sore back",
		Severity:   api.SeverityHigh,
		GuestEmail: email,
	})
}

// noBackoff retries immediately so tests can drain the queue synchronously.
func noBackoff(attempts int) api.RetryPolicy {
	return api.RetryPolicy{MaxAttempts: attempts}
}

func newTestEngine(t *testing.T) (api.Engine, *taskqueue.InMemoryQueue, *persistence.InMemoryStore) {
	t.Helper()
	q := taskqueue.NewInMemoryQueue(0)
	mem := persistence.NewInMemoryStore()
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Runs: mem, History: mem},
		Queue:       q,
	})
	return eng, q, mem
}

// drain executes queued tasks one at a time until the queue is empty.
func drain(t *testing.T, eng api.Engine, q *taskqueue.InMemoryQueue) {
	t.Helper()
	for q.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		task, err := q.Dequeue(ctx)
		cancel()
		require.NoError(t, err)
		_, err = eng.Execute(context.Background(), task.RunID)
		require.NoError(t, err)
	}
}

func TestEmit_CreatesOneRunPerHandler(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	var calls atomic.Int32
	fn := func(w *api.Workflow, env api.Envelope) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	require.NoError(t, eng.Register(api.HandlerDefinition{ID: "notify", Event: api.EventStaffAlert, Fn: fn}))
	require.NoError(t, eng.Register(api.HandlerDefinition{ID: "audit", Event: api.EventStaffAlert, Fn: fn}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, int32(0), calls.Load(), "emit must not run handlers")

	for _, id := range ids {
		run, err := eng.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, api.StatusPending, run.Status)
		assert.Equal(t, 0, run.AttemptCount)
	}

	drain(t, eng, q)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmit_WithoutHandlersIsAccepted(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, q.Len())
}

func TestEmit_RejectsInvalidPayload(t *testing.T) {
	eng, q, _ := newTestEngine(t)
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID: "notify", Event: api.EventStaffAlert,
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) { return nil, nil },
	}))

	env := api.NewEnvelope(&api.StaffAlert{RecordID: "rec-1", Severity: "catastrophic"})
	_, err := eng.Emit(context.Background(), env)

	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, q.Len())

	runs, err := eng.ListRuns(context.Background(), api.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRegister_Rejects(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	fn := func(w *api.Workflow, env api.Envelope) (any, error) { return nil, nil }

	assert.Error(t, eng.Register(api.HandlerDefinition{Event: api.EventStaffAlert, Fn: fn}))
	assert.Error(t, eng.Register(api.HandlerDefinition{ID: "x", Event: api.EventStaffAlert}))
	assert.Error(t, eng.Register(api.HandlerDefinition{ID: "x", Event: "no.such.event", Fn: fn}))

	require.NoError(t, eng.Register(api.HandlerDefinition{ID: "x", Event: api.EventStaffAlert, Fn: fn}))
	assert.Error(t, eng.Register(api.HandlerDefinition{ID: "x", Event: api.EventSendEmail, Fn: fn}))
}

func TestExecute_SucceedsWithOutput(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			p, err := api.PayloadAs[api.StaffAlert](env)
			if err != nil {
				return nil, err
			}
			return map[string]string{"notified": p.GuestEmail}, nil
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.GetRun(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, run.Status)
	assert.Equal(t, 1, run.AttemptCount)

	out, err := api.DecodeOutput[map[string]string](run)
	require.NoError(t, err)
	assert.Equal(t, "guest@example.com", out["notified"])
}

func TestExecute_RetryReplaysCompletedSteps(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	var lookups, sends atomic.Int32
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Retry: noBackoff(3),
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			recipients, err := api.Step(w, "resolve-recipients", func(ctx context.Context) ([]string, error) {
				lookups.Add(1)
				return []string{"manager@example.com"}, nil
			})
			if err != nil {
				return nil, err
			}
			err = api.Do(w, "send", func(ctx context.Context) error {
				if sends.Add(1) == 1 {
					return errors.New("mail provider unavailable")
				}
				return nil
			})
			return len(recipients), err
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.GetRun(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, run.Status)
	assert.Equal(t, 2, run.AttemptCount)
	assert.Equal(t, int32(1), lookups.Load(), "completed step must be replayed")
	assert.Equal(t, int32(2), sends.Load())
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "resolve-recipients", run.Steps[0].Name)
	assert.True(t, run.Steps[1].Succeeded())
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	var calls atomic.Int32
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Retry: noBackoff(3),
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			calls.Add(1)
			return nil, api.NewValidationError(api.FieldIssue{Field: "guest_email", Message: "unknown guest"})
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.GetRun(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, run.Status)
	assert.Equal(t, 1, run.AttemptCount)
	assert.Contains(t, run.LastError, "unknown guest")
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	eng, q, _ := newTestEngine(t)
	metrics := &api.BasicMetrics{}
	eng = NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Runs: persistence.NewInMemoryStore()},
		Queue:       q,
		Observer:    metrics,
	})

	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Retry: noBackoff(3),
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			return nil, fmt.Errorf("attempt %d failed", w.Attempt())
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.GetRun(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, run.Status)
	assert.Equal(t, 3, run.AttemptCount)
	assert.Equal(t, "attempt 3 failed", run.LastError)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(3), snap.Attempts)
	assert.Equal(t, int64(2), snap.Retries)
	assert.Equal(t, int64(1), snap.RunsFailed)
	assert.Equal(t, int64(0), snap.RunsSucceeded)
}

func TestExecute_RetryIsDelayedByBackoff(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Retry: api.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Hour},
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			return nil, errors.New("transient")
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	before := time.Now()
	run, err := eng.Execute(context.Background(), task.RunID)
	require.NoError(t, err)
	assert.Equal(t, ids[0], run.ID)
	assert.Equal(t, api.StatusRetrying, run.Status)
	assert.WithinDuration(t, before.Add(time.Hour), run.NextAttemptAt, 5*time.Second)
	assert.Equal(t, 1, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "retry must not be eligible before its backoff")
}

func TestExecute_TerminalRunIsNoop(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	var calls atomic.Int32
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.Execute(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, run.Status)
	assert.Equal(t, 1, run.AttemptCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_UnknownRun(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Execute(context.Background(), "missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestExecute_UnregisteredHandlerFails(t *testing.T) {
	q := taskqueue.NewInMemoryQueue(0)
	mem := persistence.NewInMemoryStore()
	p := persistence.Persistence{Runs: mem, History: mem}

	producer := NewEngineWithConfig(Config{Persistence: p, Queue: q})
	require.NoError(t, producer.Register(api.HandlerDefinition{
		ID: "notify", Event: api.EventStaffAlert,
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) { return nil, nil },
	}))
	ids, err := producer.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)

	consumer := NewEngineWithConfig(Config{Persistence: p, Queue: q})
	run, err := consumer.Execute(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, run.Status)
	assert.Contains(t, run.LastError, "not registered")
}

func TestExecute_PanicFailsRun(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "notify",
		Event: api.EventStaffAlert,
		Retry: noBackoff(3),
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			panic("boom")
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.GetRun(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, run.Status)
	assert.Equal(t, 1, run.AttemptCount)
	assert.Contains(t, run.LastError, "panicked: boom")
}

func TestExecute_HandlerTimeout(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:      "notify",
		Event:   api.EventStaffAlert,
		Timeout: 10 * time.Millisecond,
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			<-w.Context().Done()
			return nil, w.Context().Err()
		},
	}))

	ids, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	run, err := eng.GetRun(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, run.Status)
	assert.Contains(t, run.LastError, context.DeadlineExceeded.Error())
}

func TestSendEvent_DownstreamRunCreatedOnce(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	var emailRuns atomic.Int32
	var attempts atomic.Int32
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "alert",
		Event: api.EventStaffAlert,
		Retry: noBackoff(2),
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			p, err := api.PayloadAs[api.StaffAlert](env)
			if err != nil {
				return nil, err
			}
			_, err = w.SendEvent("send-alert-email", api.NewEnvelope(&api.SendEmail{
				To:      "manager@example.com",
				Subject: "[HIGH] Guest Alert",
				Body:    p.Reason,
			}))
			if err != nil {
				return nil, err
			}
			if attempts.Add(1) == 1 {
				return nil, errors.New("audit log unavailable")
			}
			return nil, nil
		},
	}))
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "send-email",
		Event: api.EventSendEmail,
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			emailRuns.Add(1)
			return nil, nil
		},
	}))

	_, err := eng.Emit(context.Background(), alertEnvelope("guest@example.com"))
	require.NoError(t, err)
	drain(t, eng, q)

	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(1), emailRuns.Load())

	runs, err := eng.ListRuns(context.Background(), api.RunFilter{HandlerID: "send-email"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestExecute_SameKeyNeverOverlaps(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	var (
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
		order   []string
	)
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:    "sync-profile",
		Event: api.EventStaffAlert,
		ConcurrencyKey: func(env api.Envelope) string {
			return env.Data.(*api.StaffAlert).GuestEmail
		},
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			key := env.Data.(*api.StaffAlert).GuestEmail
			mu.Lock()
			active[key]++
			if active[key] > 1 {
				overlap = true
			}
			order = append(order, key)
			mu.Unlock()

			time.Sleep(15 * time.Millisecond)

			mu.Lock()
			active[key]--
			mu.Unlock()
			return nil, nil
		},
	}))

	for _, email := range []string{"a@example.com", "a@example.com", "b@example.com", "a@example.com"} {
		_, err := eng.Emit(context.Background(), alertEnvelope(email))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				_, _ = eng.Execute(ctx, task.RunID)
			}
		}()
	}

	require.Eventually(t, func() bool {
		runs, err := eng.ListRuns(context.Background(), api.RunFilter{Status: api.StatusSucceeded})
		return err == nil && len(runs) == 4
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap, "runs sharing a key must not overlap")
	assert.Len(t, order, 4)
}

func TestExecute_QueuedOnKeyIsRecordedInHistory(t *testing.T) {
	eng, q, _ := newTestEngine(t)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	require.NoError(t, eng.Register(api.HandlerDefinition{
		ID:             "sync-profile",
		Event:          api.EventStaffAlert,
		ConcurrencyKey: func(env api.Envelope) string { return "same" },
		Fn: func(w *api.Workflow, env api.Envelope) (any, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		},
	}))

	first, err := eng.Emit(context.Background(), alertEnvelope("a@example.com"))
	require.NoError(t, err)
	second, err := eng.Emit(context.Background(), alertEnvelope("a@example.com"))
	require.NoError(t, err)

	ctx := context.Background()
	t1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first[0], t1.RunID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.Execute(ctx, t1.RunID)
	}()
	<-started

	t2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	run, err := eng.Execute(ctx, t2.RunID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusPending, run.Status, "parked run is not attempted")
	assert.Equal(t, 0, q.Len())

	close(release)
	<-done

	// The finished holder hands the key over and re-enqueues the waiter.
	require.Equal(t, 1, q.Len())
	drain(t, eng, q)

	run, err = eng.GetRun(ctx, second[0])
	require.NoError(t, err)
	assert.Equal(t, api.StatusSucceeded, run.Status)

	hist, err := eng.History(ctx, second[0])
	require.NoError(t, err)
	var types []api.HistoryType
	for _, h := range hist {
		types = append(types, h.Type)
	}
	assert.Equal(t, []api.HistoryType{
		api.HistoryRunEnqueued,
		api.HistoryRunQueued,
		api.HistoryRunStarted,
		api.HistoryRunSucceeded,
	}, types)
}

func TestRecover_ReenqueuesOpenRuns(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	p := persistence.Persistence{Runs: mem, History: mem}
	fn := func(w *api.Workflow, env api.Envelope) (any, error) { return "ok", nil }
	def := api.HandlerDefinition{ID: "notify", Event: api.EventStaffAlert, Fn: fn}

	// The first process accepts two events and dies before executing them.
	lost := taskqueue.NewInMemoryQueue(0)
	before := NewEngineWithConfig(Config{Persistence: p, Queue: lost})
	require.NoError(t, before.Register(def))
	for i := 0; i < 2; i++ {
		_, err := before.Emit(context.Background(), alertEnvelope("guest@example.com"))
		require.NoError(t, err)
	}

	q := taskqueue.NewInMemoryQueue(0)
	after := NewEngineWithConfig(Config{Persistence: p, Queue: q})
	require.NoError(t, after.Register(def))

	n, err := after.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	drain(t, after, q)

	runs, err := after.ListRuns(context.Background(), api.RunFilter{Status: api.StatusSucceeded})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	n, err = after.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
