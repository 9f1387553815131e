package persistence

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lumi-retreat/lumi/pkg/api"
)

type store interface {
	RunStore
	HistoryStore
}

type storeFactory func(t *testing.T) store

func storeFactories() map[string]storeFactory {
	factories := map[string]storeFactory{
		"in-memory": func(t *testing.T) store {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) store {
			t.Helper()
			db, err := sql.Open("sqlite", ":memory:")
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })

			s, err := NewSQLiteStore(db)
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) store {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, "test:")
		},
	}
	if dsn := os.Getenv("LUMI_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) store {
			t.Helper()
			db, err := sql.Open("pgx", dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			_, _ = db.Exec(`DROP TABLE IF EXISTS runs, run_steps, run_history`)

			s, err := NewPostgresStore(db)
			require.NoError(t, err)
			return s
		}
	}
	return factories
}

func newRun(id, handler string, created time.Time) *api.Run {
	return &api.Run{
		ID:             id,
		HandlerID:      handler,
		Envelope:       api.NewEnvelope(&api.StaffAlert{RecordID: "rec-" + id, Reason: "check in", Severity: api.SeverityHigh}),
		ConcurrencyKey: "ana@example.com",
		Status:         api.StatusPending,
		MaxAttempts:    3,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestRunStore_CreateGetUpdate(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			now := time.Now().UTC().Truncate(time.Microsecond)

			run := newRun("r1", "staff-alert", now)
			require.NoError(t, s.CreateRun(ctx, run))

			got, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "staff-alert", got.HandlerID)
			assert.Equal(t, api.StatusPending, got.Status)
			assert.Equal(t, "ana@example.com", got.ConcurrencyKey)
			assert.True(t, now.Equal(got.CreatedAt))

			alert, err := api.PayloadAs[api.StaffAlert](got.Envelope)
			require.NoError(t, err)
			assert.Equal(t, "rec-r1", alert.RecordID)

			got.Status = api.StatusRetrying
			got.AttemptCount = 1
			got.LastError = "upstream timeout"
			got.NextAttemptAt = now.Add(time.Second)
			require.NoError(t, s.UpdateRun(ctx, got))

			again, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, api.StatusRetrying, again.Status)
			assert.Equal(t, 1, again.AttemptCount)
			assert.Equal(t, "upstream timeout", again.LastError)
			assert.True(t, now.Add(time.Second).Equal(again.NextAttemptAt))
		})
	}
}

func TestRunStore_NotFound(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.GetRun(ctx, "missing")
			require.ErrorIs(t, err, ErrRunNotFound)

			err = s.UpdateRun(ctx, newRun("missing", "h", time.Now()))
			require.ErrorIs(t, err, ErrRunNotFound)
		})
	}
}

func TestRunStore_StepsKeepOrderAndReplaceInPlace(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.CreateRun(ctx, newRun("r1", "h", time.Now())))

			require.NoError(t, s.SaveStep(ctx, "r1", api.StepRecord{Name: "first", Result: []byte{1}}))
			require.NoError(t, s.SaveStep(ctx, "r1", api.StepRecord{Name: "second", Error: "boom"}))
			require.NoError(t, s.SaveStep(ctx, "r1", api.StepRecord{Name: "second", Result: []byte{2}}))
			require.NoError(t, s.SaveStep(ctx, "r1", api.StepRecord{Name: "third", Result: []byte{3}}))

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, run.Steps, 3)
			assert.Equal(t, "first", run.Steps[0].Name)
			assert.Equal(t, "second", run.Steps[1].Name)
			assert.True(t, run.Steps[1].Succeeded())
			assert.Equal(t, []byte{2}, run.Steps[1].Result)
			assert.Equal(t, "third", run.Steps[2].Name)
		})
	}
}

func TestRunStore_UpdateDoesNotTouchSteps(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			run := newRun("r1", "h", time.Now())
			require.NoError(t, s.CreateRun(ctx, run))
			require.NoError(t, s.SaveStep(ctx, "r1", api.StepRecord{Name: "a", Result: []byte{1}}))

			run.Status = api.StatusSucceeded
			require.NoError(t, s.UpdateRun(ctx, run))

			got, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Len(t, got.Steps, 1)
		})
	}
}

func TestRunStore_ListRunsFilters(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Now().UTC()

			a := newRun("a", "alert", base)
			b := newRun("b", "alert", base.Add(time.Millisecond))
			c := newRun("c", "email", base.Add(2*time.Millisecond))
			for _, r := range []*api.Run{a, b, c} {
				require.NoError(t, s.CreateRun(ctx, r))
			}
			b.Status = api.StatusFailed
			require.NoError(t, s.UpdateRun(ctx, b))

			all, err := s.ListRuns(ctx, api.RunFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})

			alerts, err := s.ListRuns(ctx, api.RunFilter{HandlerID: "alert"})
			require.NoError(t, err)
			assert.Len(t, alerts, 2)

			failed, err := s.ListRuns(ctx, api.RunFilter{Status: api.StatusFailed})
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "b", failed[0].ID)

			pendingAlerts, err := s.ListRuns(ctx, api.RunFilter{HandlerID: "alert", Status: api.StatusPending})
			require.NoError(t, err)
			require.Len(t, pendingAlerts, 1)
			assert.Equal(t, "a", pendingAlerts[0].ID)
		})
	}
}

func TestHistoryStore_AppendAndList(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.AppendHistory(ctx, api.HistoryEntry{RunID: "r1", Type: api.HistoryRunStarted, Attempt: 1}))
			require.NoError(t, s.AppendHistory(ctx, api.HistoryEntry{RunID: "r1", Type: api.HistoryRunFailed, Attempt: 1, Detail: "boom"}))
			require.NoError(t, s.AppendHistory(ctx, api.HistoryEntry{RunID: "r2", Type: api.HistoryRunStarted}))

			entries, err := s.ListHistory(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, api.HistoryRunStarted, entries[0].Type)
			assert.Equal(t, api.HistoryRunFailed, entries[1].Type)
			assert.Equal(t, "boom", entries[1].Detail)
			assert.False(t, entries[0].At.IsZero())
		})
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	run := newRun("r1", "h", time.Now())
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	got.Status = api.StatusFailed
	got.PutStep(api.StepRecord{Name: "local"})

	again, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, api.StatusPending, again.Status)
	assert.Empty(t, again.Steps)
}

func TestDialect_Rebind(t *testing.T) {
	q := "UPDATE runs SET status = ? WHERE id = ? AND handler_id = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "UPDATE runs SET status = $1 WHERE id = $2 AND handler_id = $3", postgresDialect.rebind(q))
}
