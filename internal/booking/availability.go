// Package booking answers room availability questions against the record
// store.
package booking

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Currency of every price in the catalogue.
const Currency = "NZD"

// Request asks for rooms over a stay.
type Request struct {
	ArrivalDate   string `json:"arrival_date"`
	DepartureDate string `json:"departure_date"`
	RoomType      string `json:"room_type,omitempty"`
	Guests        int    `json:"guests,omitempty"`
}

// Validate checks the date formats.
func (r Request) Validate() error {
	var v api.Validator
	v.Date("arrival_date", r.ArrivalDate)
	v.Date("departure_date", r.DepartureDate)
	if r.Guests < 0 {
		v.Add("guests", "must not be negative")
	}
	return v.Err()
}

// Requested echoes the stay that was asked about.
type Requested struct {
	ArrivalDate   string `json:"arrival_date"`
	DepartureDate string `json:"departure_date"`
	Nights        int    `json:"nights"`
	RoomType      string `json:"room_type,omitempty"`
	Guests        int    `json:"guests,omitempty"`
}

// PriceRange is a low and high price in Currency.
type PriceRange struct {
	From     float64 `json:"from"`
	To       float64 `json:"to"`
	Currency string  `json:"currency"`
}

// Summary describes the rooms that fit the stay.
type Summary struct {
	RoomsAvailable int        `json:"rooms_available"`
	RoomTypes      []string   `json:"room_types"`
	PriceRange     PriceRange `json:"price_range"`
	EstimatedTotal PriceRange `json:"estimated_total"`
}

// Quote is the answer to a Request. Message is written to be read aloud.
type Quote struct {
	Available    bool       `json:"available"`
	Requested    *Requested `json:"requested,omitempty"`
	Availability *Summary   `json:"availability,omitempty"`
	Message      string     `json:"message"`
	Suggestions  []string   `json:"suggestions,omitempty"`

	Rooms []records.Room `json:"-"`
}

// Check answers req. Stays starting before today or with a departure not
// after arrival are refused without touching the store.
func Check(ctx context.Context, store records.Store, req Request, today time.Time) (*Quote, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	arrival, _ := time.Parse(api.DateLayout, req.ArrivalDate)
	departure, _ := time.Parse(api.DateLayout, req.DepartureDate)
	y, m, d := today.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	if arrival.Before(midnight) {
		return &Quote{
			Message: "The arrival date cannot be in the past. What dates would work for you?",
		}, nil
	}
	if !departure.After(arrival) {
		return &Quote{
			Message: "The departure date must be after the arrival date. Could you confirm your dates?",
		}, nil
	}

	rooms, err := store.ListRooms(ctx, records.RoomFilter{
		Arrival:   req.ArrivalDate,
		Departure: req.DepartureDate,
		RoomType:  req.RoomType,
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if req.Guests > 0 {
		rooms = slices.DeleteFunc(rooms, func(r records.Room) bool { return r.Capacity < req.Guests })
	}

	nights := int(math.Ceil(departure.Sub(arrival).Hours() / 24))
	q := &Quote{
		Requested: &Requested{
			ArrivalDate:   req.ArrivalDate,
			DepartureDate: req.DepartureDate,
			Nights:        nights,
			RoomType:      req.RoomType,
			Guests:        req.Guests,
		},
		Rooms: rooms,
	}

	if len(rooms) == 0 {
		if req.RoomType != "" {
			q.Message = fmt.Sprintf("Unfortunately, we don't have any %s rooms available for those dates. Would you like me to check other room types, or perhaps suggest alternative dates?", req.RoomType)
		} else {
			q.Message = "Unfortunately, we're fully booked for those dates. Would you like me to check alternative dates, or would you like to join our waitlist?"
		}
		q.Suggestions = []string{"Check alternative dates", "View other room types", "Join waitlist"}
		return q, nil
	}

	var types []string
	low, high := rooms[0].PricePerNight, rooms[0].PricePerNight
	for _, r := range rooms {
		if !slices.Contains(types, r.Type) {
			types = append(types, r.Type)
		}
		low = min(low, r.PricePerNight)
		high = max(high, r.PricePerNight)
	}
	n := float64(nights)

	q.Available = true
	q.Availability = &Summary{
		RoomsAvailable: len(rooms),
		RoomTypes:      types,
		PriceRange:     PriceRange{From: low, To: high, Currency: Currency},
		EstimatedTotal: PriceRange{From: low * n, To: high * n, Currency: Currency},
	}

	if len(rooms) == 1 {
		q.Message = fmt.Sprintf("Great news! We have one %s room available for your dates, at $%s per night. That would be approximately $%s for your %d-night stay.",
			rooms[0].Type, Money(low), Money(low*n), nights)
		return q, nil
	}

	var typesLine string
	if len(types) > 1 {
		typesLine = "Room types include " + strings.Join(types, " and ") + ". "
	}
	q.Message = fmt.Sprintf("Wonderful! We have %d rooms available for your dates. %sPrices start from $%s per night, which would be approximately $%s for your %d-night stay. Would you like me to tell you more about our room options?",
		len(rooms), typesLine, Money(low), Money(low*n), nights)
	return q, nil
}

// Money formats an amount without trailing zeros.
func Money(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
