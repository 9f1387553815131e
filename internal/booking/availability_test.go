package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

var today = time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC)

// countingStore records catalogue queries and fails everything else.
type countingStore struct {
	records.Store
	rooms   []records.Room
	queries int
	err     error
}

func (s *countingStore) ListRooms(ctx context.Context, f records.RoomFilter) ([]records.Room, error) {
	s.queries++
	if s.err != nil {
		return nil, s.err
	}
	var out []records.Room
	for _, r := range s.rooms {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func catalogue() []records.Room {
	return []records.Room{
		{ID: "1", Name: "Kowhai", Type: "Deluxe", Capacity: 2, AvailableFrom: "2026-01-01", AvailableTo: "2026-12-31", PricePerNight: 890},
		{ID: "2", Name: "Rimu", Type: "Standard", Capacity: 1, AvailableFrom: "2026-01-01", AvailableTo: "2026-12-31", PricePerNight: 650},
		{ID: "3", Name: "Totara", Type: "Suite", Capacity: 3, AvailableFrom: "2026-06-01", AvailableTo: "2026-12-31", PricePerNight: 1250},
	}
}

func TestCheck_InvertedDatesMakeNoQuery(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2026-05-10", DepartureDate: "2026-05-08"}, today)

	require.NoError(t, err)
	assert.False(t, q.Available)
	assert.Contains(t, q.Message, "departure date must be after")
	assert.Zero(t, store.queries)
}

func TestCheck_SameDayDepartureIsRefused(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2026-05-10", DepartureDate: "2026-05-10"}, today)

	require.NoError(t, err)
	assert.False(t, q.Available)
	assert.Zero(t, store.queries)
}

func TestCheck_PastArrivalMakesNoQuery(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2026-03-31", DepartureDate: "2026-04-03"}, today)

	require.NoError(t, err)
	assert.False(t, q.Available)
	assert.Contains(t, q.Message, "cannot be in the past")
	assert.Zero(t, store.queries)
}

func TestCheck_ArrivalTodayIsAllowed(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2026-04-01", DepartureDate: "2026-04-03"}, today)

	require.NoError(t, err)
	assert.True(t, q.Available)
	assert.Equal(t, 1, store.queries)
}

func TestCheck_SeveralRooms(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2026-05-01", DepartureDate: "2026-05-04"}, today)

	require.NoError(t, err)
	require.True(t, q.Available)
	assert.Equal(t, 3, q.Requested.Nights)
	assert.Equal(t, 2, q.Availability.RoomsAvailable)
	assert.Equal(t, []string{"Deluxe", "Standard"}, q.Availability.RoomTypes)
	assert.Equal(t, PriceRange{From: 650, To: 890, Currency: "NZD"}, q.Availability.PriceRange)
	assert.Equal(t, PriceRange{From: 1950, To: 2670, Currency: "NZD"}, q.Availability.EstimatedTotal)
	assert.Equal(t, "Wonderful! We have 2 rooms available for your dates. Room types include Deluxe and Standard. Prices start from $650 per night, which would be approximately $1950 for your 3-night stay. Would you like me to tell you more about our room options?", q.Message)
}

func TestCheck_CapacityFilterLeavesOneRoom(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2026-07-01", DepartureDate: "2026-07-03", Guests: 3}, today)

	require.NoError(t, err)
	require.True(t, q.Available)
	assert.Len(t, q.Rooms, 1)
	assert.Equal(t, "Great news! We have one Suite room available for your dates, at $1250 per night. That would be approximately $2500 for your 2-night stay.", q.Message)
}

func TestCheck_FullyBooked(t *testing.T) {
	store := &countingStore{rooms: catalogue()}

	q, err := Check(context.Background(), store, Request{ArrivalDate: "2027-02-01", DepartureDate: "2027-02-03"}, today)
	require.NoError(t, err)
	assert.False(t, q.Available)
	assert.Contains(t, q.Message, "fully booked")
	assert.Len(t, q.Suggestions, 3)

	q, err = Check(context.Background(), store, Request{ArrivalDate: "2026-05-01", DepartureDate: "2026-05-03", RoomType: "Villa"}, today)
	require.NoError(t, err)
	assert.False(t, q.Available)
	assert.Contains(t, q.Message, "any Villa rooms")
}

func TestCheck_BadDateIsValidationError(t *testing.T) {
	_, err := Check(context.Background(), &countingStore{}, Request{ArrivalDate: "01/05/2026", DepartureDate: "2026-05-03"}, today)

	var ve *api.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "arrival_date", ve.Issues[0].Field)
}

func TestCheck_StoreErrorIsReturned(t *testing.T) {
	boom := errors.New("catalogue offline")
	_, err := Check(context.Background(), &countingStore{err: boom}, Request{ArrivalDate: "2026-05-01", DepartureDate: "2026-05-03"}, today)

	assert.True(t, errors.Is(err, boom))
}
