package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name   string
	schema string
	// dollar placeholders ($1, $2, ...) instead of '?'.
	dollar bool
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			handler_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			envelope BLOB,
			concurrency_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			output BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			completed_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, name)
		);
		CREATE TABLE IF NOT EXISTS run_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			handler_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_run_id ON run_history(run_id, id);
	`,
}

var postgresDialect = dialect{
	name:   "postgres",
	dollar: true,
	schema: `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			handler_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			envelope BYTEA,
			concurrency_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at BIGINT NOT NULL DEFAULT 0,
			output BYTEA,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE TABLE IF NOT EXISTS run_steps (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			result BYTEA,
			error TEXT NOT NULL DEFAULT '',
			completed_at BIGINT NOT NULL,
			PRIMARY KEY (run_id, name)
		);
		CREATE TABLE IF NOT EXISTS run_history (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			handler_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_run_id ON run_history(run_id, id);
	`,
}

// rebind rewrites '?' placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a RunStore and HistoryStore backed by database/sql.
//
// For PostgreSQL the caller is responsible for importing a driver for its
// side effects, e.g.:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLStore implements the interfaces.
var _ RunStore = (*SQLStore)(nil)

var _ HistoryStore = (*SQLStore)(nil)

// NewSQLiteStore initializes the schema in a SQLite database and returns
// a store using it.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}

// NewPostgresStore initializes the schema in a PostgreSQL database and
// returns a store using it.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *api.Run) error {
	env, err := encodeEnvelope(run.Envelope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO runs (id, handler_id, event_name, envelope, concurrency_key, status, attempt_count,
			max_attempts, last_error, next_attempt_at, output, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID,
		run.HandlerID,
		string(run.Envelope.Name),
		env,
		run.ConcurrencyKey,
		string(run.Status),
		run.AttemptCount,
		run.MaxAttempts,
		run.LastError,
		unixNano(run.NextAttemptAt),
		run.Output,
		unixNano(run.CreatedAt),
		unixNano(run.UpdatedAt),
	)
	return err
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *api.Run) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE runs
		SET status = ?, attempt_count = ?, max_attempts = ?, last_error = ?, next_attempt_at = ?,
			output = ?, updated_at = ?
		WHERE id = ?`),
		string(run.Status),
		run.AttemptCount,
		run.MaxAttempts,
		run.LastError,
		unixNano(run.NextAttemptAt),
		run.Output,
		unixNano(run.UpdatedAt),
		run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, handler_id, envelope, concurrency_key, status, attempt_count, max_attempts,
	last_error, next_attempt_at, output, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.Run, error) {
	var (
		run         api.Run
		env         []byte
		status      string
		nextAttempt int64
		created     int64
		updated     int64
	)
	err := row.Scan(&run.ID, &run.HandlerID, &env, &run.ConcurrencyKey, &status, &run.AttemptCount,
		&run.MaxAttempts, &run.LastError, &nextAttempt, &run.Output, &created, &updated)
	if err != nil {
		return nil, err
	}
	run.Status = api.Status(status)
	run.NextAttemptAt = fromUnixNano(nextAttempt)
	run.CreatedAt = fromUnixNano(created)
	run.UpdatedAt = fromUnixNano(updated)
	if run.Envelope, err = decodeEnvelope(env); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	if run.Steps, err = s.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) loadSteps(ctx context.Context, runID string) ([]api.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT name, result, error, completed_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY position ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepRecord
	for rows.Next() {
		var (
			rec       api.StepRecord
			completed int64
		)
		if err := rows.Scan(&rec.Name, &rec.Result, &rec.Error, &completed); err != nil {
			return nil, err
		}
		rec.CompletedAt = fromUnixNano(completed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	var (
		conds []string
		args  []any
	)
	if filter.HandlerID != "" {
		conds = append(conds, "handler_id = ?")
		args = append(args, filter.HandlerID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var result []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Steps are loaded after the cursor is closed; SQLite in-memory
	// databases hand out a single connection.
	for _, run := range result {
		if run.Steps, err = s.loadSteps(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *SQLStore) SaveStep(ctx context.Context, runID string, rec api.StepRecord) error {
	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO run_steps (run_id, name, position, result, error, completed_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM run_steps WHERE run_id = ?), ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE
		SET result = excluded.result, error = excluded.error, completed_at = excluded.completed_at`),
		runID,
		rec.Name,
		runID,
		rec.Result,
		rec.Error,
		completed.UnixNano(),
	)
	return err
}

func (s *SQLStore) AppendHistory(ctx context.Context, e api.HistoryEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO run_history (run_id, at, type, handler_id, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.RunID,
		at.UnixNano(),
		string(e.Type),
		e.HandlerID,
		e.Attempt,
		e.Detail,
	)
	return err
}

func (s *SQLStore) ListHistory(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT run_id, at, type, handler_id, attempt, detail
		FROM run_history
		WHERE run_id = ?
		ORDER BY id ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEntry
	for rows.Next() {
		var (
			e   api.HistoryEntry
			at  int64
			typ string
		)
		if err := rows.Scan(&e.RunID, &at, &typ, &e.HandlerID, &e.Attempt, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Type = api.HistoryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
