// Package records holds the guest-facing data the workflows read and write:
// check-in entries, guest profiles and the retreat catalogue of rooms,
// treatments and menu items.
package records

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a record does not exist. It is a soft
// failure: callers usually branch on it with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when creating a record whose key is taken.
var ErrExists = errors.New("record already exists")

// AnalysisStatus tracks a check-in entry through the analysis pipeline.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// CheckinEntry is one recorded guest conversation.
type CheckinEntry struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	GuestEmail     string         `json:"guest_email,omitempty"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	Insights       string         `json:"insights,omitempty"`
	Sentiment      string         `json:"sentiment,omitempty"`
	ActionItems    string         `json:"action_items,omitempty"`
	AnalysisStatus AnalysisStatus `json:"analysis_status"`
	CheckinDate    string         `json:"checkin_date,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// GuestName joins first and last name, or returns "" when neither is set.
func (e *CheckinEntry) GuestName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// CheckinPatch is a partial update of a check-in entry. Nil fields are left
// untouched.
type CheckinPatch struct {
	Transcript     *string
	Insights       *string
	Sentiment      *string
	ActionItems    *string
	AnalysisStatus *AnalysisStatus
	GuestEmail     *string
}

// Apply copies the set fields of p onto e.
func (p CheckinPatch) Apply(e *CheckinEntry) {
	if p.Transcript != nil {
		e.Transcript = *p.Transcript
	}
	if p.Insights != nil {
		e.Insights = *p.Insights
	}
	if p.Sentiment != nil {
		e.Sentiment = *p.Sentiment
	}
	if p.ActionItems != nil {
		e.ActionItems = *p.ActionItems
	}
	if p.AnalysisStatus != nil {
		e.AnalysisStatus = *p.AnalysisStatus
	}
	if p.GuestEmail != nil {
		e.GuestEmail = NormalizeEmail(*p.GuestEmail)
	}
}

// CheckinFilter selects check-in entries. Zero fields mean "no filter".
type CheckinFilter struct {
	Status AnalysisStatus
	Since  time.Time
	Limit  int
}

// Guest is a master guest profile. Email is the identity and is stored
// lower-cased.
type Guest struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	FirstName           string    `json:"first_name"`
	LastName            string    `json:"last_name"`
	Phone               string    `json:"phone,omitempty"`
	DietaryRestrictions []string  `json:"dietary_restrictions,omitempty"`
	Allergies           []string  `json:"allergies,omitempty"`
	RoomPreferences     []string  `json:"room_preferences,omitempty"`
	WellnessGoals       []string  `json:"wellness_goals,omitempty"`
	PastVisits          int       `json:"past_visits"`
	TotalCheckins       int       `json:"total_checkins"`
	LastCheckinDate     string    `json:"last_checkin_date,omitempty"`
	Notes               string    `json:"notes,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// FullName joins first and last name.
func (g *Guest) FullName() string {
	return strings.TrimSpace(g.FirstName + " " + g.LastName)
}

// Room is a bookable room and the window it is free.
type Room struct {
	ID            string  `json:"id"`
	Name          string  `json:"room_name"`
	Type          string  `json:"room_type"`
	Capacity      int     `json:"capacity"`
	AvailableFrom string  `json:"available_from"`
	AvailableTo   string  `json:"available_to"`
	PricePerNight float64 `json:"price_per_night"`
}

// RoomFilter selects rooms free for the whole stay. Dates are YYYY-MM-DD,
// which compare correctly as strings.
type RoomFilter struct {
	Arrival   string
	Departure string
	RoomType  string
}

// Matches reports whether r satisfies f.
func (f RoomFilter) Matches(r Room) bool {
	if f.Arrival != "" && r.AvailableFrom > f.Arrival {
		return false
	}
	if f.Departure != "" && r.AvailableTo < f.Departure {
		return false
	}
	if f.RoomType != "" && !strings.EqualFold(r.Type, f.RoomType) {
		return false
	}
	return true
}

// Treatment is a spa or wellness treatment on offer.
type Treatment struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	DurationMinutes int     `json:"duration_minutes"`
	Price           float64 `json:"price"`
	Category        string  `json:"category"`
	Available       bool    `json:"available"`
}

// MenuItem is one dish on the retreat menu.
type MenuItem struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MealType    string   `json:"meal_type"`
	DietaryTags []string `json:"dietary_tags,omitempty"`
	Available   bool     `json:"available"`
}

// MenuFilter selects menu items by meal type; empty means all.
type MenuFilter struct {
	MealType string
}

// Store is the record store used by workflows and tool endpoints.
type Store interface {
	GetCheckin(ctx context.Context, id string) (*CheckinEntry, error)
	FindCheckin(ctx context.Context, conversationID string) (*CheckinEntry, error)
	CreateCheckin(ctx context.Context, e *CheckinEntry) error
	UpdateCheckin(ctx context.Context, id string, patch CheckinPatch) (*CheckinEntry, error)
	ListCheckins(ctx context.Context, filter CheckinFilter) ([]*CheckinEntry, error)

	FindGuest(ctx context.Context, email string) (*Guest, error)
	CreateGuest(ctx context.Context, g *Guest) error
	UpdateGuest(ctx context.Context, g *Guest) error

	ListRooms(ctx context.Context, filter RoomFilter) ([]Room, error)
	ListTreatments(ctx context.Context) ([]Treatment, error)
	ListMenu(ctx context.Context, filter MenuFilter) ([]MenuItem, error)
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
