package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type queueDialect struct {
	name   string
	schema string
	// claim selects the next eligible task; $1/? is the current time.
	claim  string
	delete string
	insert string
}

var sqliteQueueDialect = queueDialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_not_before ON tasks(not_before, seq);
	`,
	claim: `
		SELECT seq, id, run_id, enqueued_at, not_before
		FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`,
	delete: `DELETE FROM tasks WHERE seq = ?`,
	insert: `INSERT INTO tasks (id, run_id, enqueued_at, not_before) VALUES (?, ?, ?, ?)`,
}

var postgresQueueDialect = queueDialect{
	name: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_not_before ON tasks(not_before, seq);
	`,
	claim: `
		SELECT seq, id, run_id, enqueued_at, not_before
		FROM tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	delete: `DELETE FROM tasks WHERE seq = $1`,
	insert: `INSERT INTO tasks (id, run_id, enqueued_at, not_before) VALUES ($1, $2, $3, $4)`,
}

// SQLQueue is a persistent task queue backed by database/sql. Tasks are
// claimed by selecting the earliest eligible row and deleting it in the same
// transaction.
type SQLQueue struct {
	db           *sql.DB
	d            queueDialect
	pollInterval time.Duration
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, sqliteQueueDialect)
}

// NewPostgresQueue initializes the tasks table in a PostgreSQL database.
// Concurrent consumers do not block each other thanks to SKIP LOCKED.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, postgresQueueDialect)
}

func newSQLQueue(db *sql.DB, d queueDialect) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		d:            d,
		pollInterval: 20 * time.Millisecond,
	}
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("%s: init task schema: %w", d.name, err)
	}
	return q, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := q.db.ExecContext(ctx, q.d.insert,
		t.ID,
		t.RunID,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		seq        int64
		task       Task
		enqueuedAt int64
		notBefore  int64
	)
	row := tx.QueryRowContext(ctx, q.d.claim, time.Now().UnixNano())
	if err := row.Scan(&seq, &task.ID, &task.RunID, &enqueuedAt, &notBefore); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, q.d.delete, seq); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.EnqueuedAt = time.Unix(0, enqueuedAt)
	task.NotBefore = time.Unix(0, notBefore)
	return &task, nil
}

func (q *SQLQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
