package lumi

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumi-retreat/lumi/internal/engine"
	"github.com/lumi-retreat/lumi/internal/persistence"
	"github.com/lumi-retreat/lumi/internal/taskqueue"
	workerpkg "github.com/lumi-retreat/lumi/pkg/worker"
)

// BundleConfig carries the optional collaborators of a WorkerBundle.
type BundleConfig struct {
	Observer Observer
	Worker   workerpkg.Config

	// Timeout is the per-attempt handler deadline. Zero keeps the engine
	// default.
	Timeout time.Duration
}

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for tests.
	queue taskqueue.Queue
}

func newBundle(p persistence.Persistence, q taskqueue.Queue, cfg BundleConfig) *WorkerBundle {
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Queue:       q,
		Observer:    cfg.Observer,
		Logger:      cfg.Worker.Logger,
		Timeout:     cfg.Timeout,
	})
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg.Worker),
		queue:  q,
	}
}

// NewInMemoryBundle is a WorkerBundle that keeps everything in process
// memory. Runs are lost on restart.
func NewInMemoryBundle(cfg BundleConfig) *WorkerBundle {
	store := persistence.NewInMemoryStore()
	return newBundle(persistence.Persistence{Runs: store, History: store}, taskqueue.NewInMemoryQueue(0), cfg)
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Runs, step records, history and queued tasks
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:lumi.db?_journal=WAL")
//	bundle, err := lumi.NewSQLiteBundle(db, lumi.BundleConfig{})
//	// register handlers on bundle.Engine, then bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg BundleConfig) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(persistence.Persistence{Runs: store, History: store}, q, cfg), nil
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL. Tasks are claimed
// with SKIP LOCKED, so several processes can drain one queue, but
// concurrency keys are enforced in process only. Run a single worker
// process when handlers rely on per-key serialization.
func NewPostgresBundle(db *sql.DB, cfg BundleConfig) (*WorkerBundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(persistence.Persistence{Runs: store, History: store}, q, cfg), nil
}

// NewRedisBundle keeps runs and tasks in Redis under prefix
// (default "lumi:"). As with NewPostgresBundle, concurrency keys hold
// within one process only.
func NewRedisBundle(client redis.UniversalClient, prefix string, cfg BundleConfig) *WorkerBundle {
	store := persistence.NewRedisStore(client, prefix)
	q := taskqueue.NewRedisQueue(client, prefix)
	return newBundle(persistence.Persistence{Runs: store, History: store}, q, cfg)
}
