package persistence

import (
	"context"
	"errors"

	"github.com/lumi-retreat/lumi/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned by CreateRun for a duplicate id.
	ErrRunExists = errors.New("run already exists")
)

// RunStore handles storage of workflow runs and their step records.
type RunStore interface {
	// CreateRun stores a new run. Steps on the run are ignored.
	CreateRun(ctx context.Context, run *api.Run) error
	// UpdateRun replaces the run's lifecycle fields. Step records are
	// written only through SaveStep.
	UpdateRun(ctx context.Context, run *api.Run) error
	// GetRun returns the run with its step records in recording order.
	GetRun(ctx context.Context, id string) (*api.Run, error)
	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error)
	// SaveStep inserts or replaces the record named rec.Name. A replaced
	// record keeps its original position.
	SaveStep(ctx context.Context, runID string, rec api.StepRecord) error
}

// HistoryStore is an append-only audit log of run transitions.
type HistoryStore interface {
	AppendHistory(ctx context.Context, e api.HistoryEntry) error
	ListHistory(ctx context.Context, runID string) ([]api.HistoryEntry, error)
}

// NoopHistoryStore discards all entries.
type NoopHistoryStore struct{}

func (NoopHistoryStore) AppendHistory(ctx context.Context, e api.HistoryEntry) error { return nil }
func (NoopHistoryStore) ListHistory(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	return nil, nil
}
