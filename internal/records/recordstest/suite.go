// Package recordstest holds the behaviour every records.Store must share.
package recordstest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-retreat/lumi/internal/records"
)

// Factory returns an empty store seeded with Catalogue.
type Factory func(t *testing.T) records.Store

// Catalogue is the fixed catalogue the suite expects factories to load.
var Catalogue = struct {
	Rooms      []records.Room
	Treatments []records.Treatment
	Menu       []records.MenuItem
}{
	Rooms: []records.Room{
		{ID: "r1", Name: "Kowhai", Type: "Deluxe", Capacity: 2, AvailableFrom: "2026-01-01", AvailableTo: "2026-06-30", PricePerNight: 800},
		{ID: "r2", Name: "Rimu", Type: "Standard", Capacity: 1, AvailableFrom: "2026-03-01", AvailableTo: "2026-12-31", PricePerNight: 600},
	},
	Treatments: []records.Treatment{
		{ID: "t1", Name: "Deep Tissue Massage", DurationMinutes: 60, Price: 180, Category: "Massage", Available: true},
	},
	Menu: []records.MenuItem{
		{ID: "m1", Name: "Buddha Bowl", MealType: "lunch", DietaryTags: []string{"vegan"}, Available: true},
		{ID: "m2", Name: "Miso Salmon", MealType: "dinner", DietaryTags: []string{"gluten-free"}, Available: true},
	},
}

// Run exercises a Store implementation.
func Run(t *testing.T, factory Factory) {
	t.Run("checkin lifecycle", func(t *testing.T) { testCheckins(t, factory(t)) })
	t.Run("guest lifecycle", func(t *testing.T) { testGuests(t, factory(t)) })
	t.Run("catalogue", func(t *testing.T) { testCatalogue(t, factory(t)) })
}

func testCheckins(t *testing.T, s records.Store) {
	ctx := context.Background()

	_, err := s.FindCheckin(ctx, "conv-1")
	require.ErrorIs(t, err, records.ErrNotFound)

	e := &records.CheckinEntry{
		ConversationID: "conv-1",
		GuestEmail:     "Guest@Example.com ",
		FirstName:      "Ana",
		Transcript:     "agent: hello",
		CheckinDate:    "2026-02-01",
	}
	require.NoError(t, s.CreateCheckin(ctx, e))
	require.NotEmpty(t, e.ID)
	assert.Equal(t, records.AnalysisPending, e.AnalysisStatus)

	err = s.CreateCheckin(ctx, &records.CheckinEntry{ConversationID: "conv-1"})
	assert.ErrorIs(t, err, records.ErrExists)

	got, err := s.FindCheckin(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "guest@example.com", got.GuestEmail)

	status := records.AnalysisCompleted
	sentiment := "positive"
	updated, err := s.UpdateCheckin(ctx, e.ID, records.CheckinPatch{AnalysisStatus: &status, Sentiment: &sentiment})
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisCompleted, updated.AnalysisStatus)
	assert.Equal(t, "positive", updated.Sentiment)
	assert.Equal(t, "agent: hello", updated.Transcript, "unset patch fields are kept")

	_, err = s.UpdateCheckin(ctx, "missing", records.CheckinPatch{Sentiment: &sentiment})
	assert.ErrorIs(t, err, records.ErrNotFound)

	require.NoError(t, s.CreateCheckin(ctx, &records.CheckinEntry{ConversationID: "conv-2"}))

	completed, err := s.ListCheckins(ctx, records.CheckinFilter{Status: records.AnalysisCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "conv-1", completed[0].ConversationID)

	all, err := s.ListCheckins(ctx, records.CheckinFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.ListCheckins(ctx, records.CheckinFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	future, err := s.ListCheckins(ctx, records.CheckinFilter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)

	byID, err := s.GetCheckin(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", byID.ConversationID)
}

func testGuests(t *testing.T, s records.Store) {
	ctx := context.Background()

	_, err := s.FindGuest(ctx, "ana@example.com")
	require.ErrorIs(t, err, records.ErrNotFound)

	g := &records.Guest{
		Email:         "Ana@Example.com",
		FirstName:     "Ana",
		LastName:      "Silva",
		Allergies:     []string{"peanuts"},
		WellnessGoals: []string{"sleep better"},
	}
	require.NoError(t, s.CreateGuest(ctx, g))
	assert.Equal(t, "ana@example.com", g.Email)

	assert.ErrorIs(t, s.CreateGuest(ctx, &records.Guest{Email: "ANA@example.com"}), records.ErrExists)

	got, err := s.FindGuest(ctx, "ANA@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "Ana Silva", got.FullName())
	assert.Equal(t, []string{"peanuts"}, got.Allergies)

	got.TotalCheckins = 3
	got.WellnessGoals = append(got.WellnessGoals, "more energy")
	got.Notes = "[2026-02-01] Check-in: calm"
	require.NoError(t, s.UpdateGuest(ctx, got))

	again, err := s.FindGuest(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, again.TotalCheckins)
	assert.Equal(t, []string{"sleep better", "more energy"}, again.WellnessGoals)
	assert.Equal(t, "[2026-02-01] Check-in: calm", again.Notes)

	assert.ErrorIs(t, s.UpdateGuest(ctx, &records.Guest{Email: "nobody@example.com"}), records.ErrNotFound)
}

func testCatalogue(t *testing.T, s records.Store) {
	ctx := context.Background()

	rooms, err := s.ListRooms(ctx, records.RoomFilter{Arrival: "2026-03-10", Departure: "2026-03-15"})
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	rooms, err = s.ListRooms(ctx, records.RoomFilter{Arrival: "2026-02-10", Departure: "2026-02-15"})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "Kowhai", rooms[0].Name)

	rooms, err = s.ListRooms(ctx, records.RoomFilter{Arrival: "2026-03-10", Departure: "2026-03-15", RoomType: "standard"})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "Rimu", rooms[0].Name)

	treatments, err := s.ListTreatments(ctx)
	require.NoError(t, err)
	assert.Len(t, treatments, 1)

	menu, err := s.ListMenu(ctx, records.MenuFilter{MealType: "dinner"})
	require.NoError(t, err)
	require.Len(t, menu, 1)
	assert.Equal(t, []string{"gluten-free"}, menu[0].DietaryTags)

	menu, err = s.ListMenu(ctx, records.MenuFilter{})
	require.NoError(t, err)
	assert.Len(t, menu, 2)
}
