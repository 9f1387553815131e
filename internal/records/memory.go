package records

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It is safe for concurrent use and
// returns copies, so callers may modify what they get back.
type MemoryStore struct {
	mu         sync.RWMutex
	checkins   map[string]*CheckinEntry
	byConv     map[string]string
	guests     map[string]*Guest
	rooms      []Room
	treatments []Treatment
	menu       []MenuItem
	now        func() time.Time
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkins: make(map[string]*CheckinEntry),
		byConv:   make(map[string]string),
		guests:   make(map[string]*Guest),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddRooms appends rooms to the catalogue.
func (s *MemoryStore) AddRooms(rooms ...Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, rooms...)
}

// AddTreatments appends treatments to the catalogue.
func (s *MemoryStore) AddTreatments(ts ...Treatment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.treatments = append(s.treatments, ts...)
}

// AddMenuItems appends dishes to the menu.
func (s *MemoryStore) AddMenuItems(items ...MenuItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menu = append(s.menu, items...)
}

func cloneCheckin(e *CheckinEntry) *CheckinEntry {
	c := *e
	return &c
}

func cloneGuest(g *Guest) *Guest {
	c := *g
	c.DietaryRestrictions = slices.Clone(g.DietaryRestrictions)
	c.Allergies = slices.Clone(g.Allergies)
	c.RoomPreferences = slices.Clone(g.RoomPreferences)
	c.WellnessGoals = slices.Clone(g.WellnessGoals)
	return &c
}

func (s *MemoryStore) GetCheckin(ctx context.Context, id string) (*CheckinEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.checkins[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCheckin(e), nil
}

func (s *MemoryStore) FindCheckin(ctx context.Context, conversationID string) (*CheckinEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byConv[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCheckin(s.checkins[id]), nil
}

func (s *MemoryStore) CreateCheckin(ctx context.Context, e *CheckinEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byConv[e.ConversationID]; ok {
		return ErrExists
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.AnalysisStatus == "" {
		e.AnalysisStatus = AnalysisPending
	}
	e.GuestEmail = NormalizeEmail(e.GuestEmail)
	now := s.now()
	e.CreatedAt, e.UpdatedAt = now, now

	s.checkins[e.ID] = cloneCheckin(e)
	s.byConv[e.ConversationID] = e.ID
	return nil
}

func (s *MemoryStore) UpdateCheckin(ctx context.Context, id string, patch CheckinPatch) (*CheckinEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.checkins[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(e)
	e.UpdatedAt = s.now()
	return cloneCheckin(e), nil
}

func (s *MemoryStore) ListCheckins(ctx context.Context, filter CheckinFilter) ([]*CheckinEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CheckinEntry
	for _, e := range s.checkins {
		if filter.Status != "" && e.AnalysisStatus != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, cloneCheckin(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindGuest(ctx context.Context, email string) (*Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.guests[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGuest(g), nil
}

func (s *MemoryStore) CreateGuest(ctx context.Context, g *Guest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g.Email = NormalizeEmail(g.Email)
	if _, ok := s.guests[g.Email]; ok {
		return ErrExists
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := s.now()
	g.CreatedAt, g.UpdatedAt = now, now
	s.guests[g.Email] = cloneGuest(g)
	return nil
}

func (s *MemoryStore) UpdateGuest(ctx context.Context, g *Guest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g.Email = NormalizeEmail(g.Email)
	existing, ok := s.guests[g.Email]
	if !ok {
		return ErrNotFound
	}
	g.ID = existing.ID
	g.CreatedAt = existing.CreatedAt
	g.UpdatedAt = s.now()
	s.guests[g.Email] = cloneGuest(g)
	return nil
}

func (s *MemoryStore) ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Room
	for _, r := range s.rooms {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTreatments(ctx context.Context) ([]Treatment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.treatments), nil
}

func (s *MemoryStore) ListMenu(ctx context.Context, filter MenuFilter) ([]MenuItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MenuItem
	for _, m := range s.menu {
		if filter.MealType != "" && m.MealType != filter.MealType {
			continue
		}
		m.DietaryTags = slices.Clone(m.DietaryTags)
		out = append(out, m)
	}
	return out, nil
}
