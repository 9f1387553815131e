package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of RunStore and
// HistoryStore backed by maps. Runs are copied on the way in and out so
// callers never share mutable state with the store.
type InMemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*api.Run
	history map[string][]api.HistoryEntry
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:    make(map[string]*api.Run),
		history: make(map[string][]api.HistoryEntry),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ RunStore = (*InMemoryStore)(nil)

var _ HistoryStore = (*InMemoryStore)(nil)

func cloneRun(r *api.Run) *api.Run {
	c := *r
	c.Steps = slices.Clone(r.Steps)
	c.Output = slices.Clone(r.Output)
	return &c
}

func (s *InMemoryStore) CreateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	c := cloneRun(run)
	c.Steps = nil
	s.runs[run.ID] = c
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	c := cloneRun(run)
	c.Steps = existing.Steps
	s.runs[run.ID] = c
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Run
	for _, run := range s.runs {
		if filter.HandlerID != "" && run.HandlerID != filter.HandlerID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, cloneRun(run))
	}
	sortRuns(result)
	return result, nil
}

func (s *InMemoryStore) SaveStep(ctx context.Context, runID string, rec api.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	// Copy-on-write so runs handed out earlier keep their own slice.
	steps := slices.Clone(run.Steps)
	replaced := false
	for i := range steps {
		if steps[i].Name == rec.Name {
			steps[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		steps = append(steps, rec)
	}
	run.Steps = steps
	return nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, e api.HistoryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[e.RunID] = append(s.history[e.RunID], e)
	return nil
}

func (s *InMemoryStore) ListHistory(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[runID]), nil
}

// sortRuns orders runs by creation time, then id, so listings are stable
// across backends.
func sortRuns(runs []*api.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
