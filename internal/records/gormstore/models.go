package gormstore

import (
	"time"

	"github.com/lumi-retreat/lumi/internal/records"
)

type checkinModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	ConversationID string    `gorm:"column:conversation_id;uniqueIndex"`
	GuestEmail     string    `gorm:"column:guest_email;index"`
	FirstName      string    `gorm:"column:first_name"`
	LastName       string    `gorm:"column:last_name"`
	Transcript     string    `gorm:"column:transcript"`
	Insights       string    `gorm:"column:insights"`
	Sentiment      string    `gorm:"column:sentiment"`
	ActionItems    string    `gorm:"column:action_items"`
	AnalysisStatus string    `gorm:"column:analysis_status;index"`
	CheckinDate    string    `gorm:"column:checkin_date"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (checkinModel) TableName() string {
	return "checkin_entries"
}

func checkinModelFromEntry(e *records.CheckinEntry) checkinModel {
	return checkinModel{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		GuestEmail:     e.GuestEmail,
		FirstName:      e.FirstName,
		LastName:       e.LastName,
		Transcript:     e.Transcript,
		Insights:       e.Insights,
		Sentiment:      e.Sentiment,
		ActionItems:    e.ActionItems,
		AnalysisStatus: string(e.AnalysisStatus),
		CheckinDate:    e.CheckinDate,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func (m checkinModel) toEntry() *records.CheckinEntry {
	return &records.CheckinEntry{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		GuestEmail:     m.GuestEmail,
		FirstName:      m.FirstName,
		LastName:       m.LastName,
		Transcript:     m.Transcript,
		Insights:       m.Insights,
		Sentiment:      m.Sentiment,
		ActionItems:    m.ActionItems,
		AnalysisStatus: records.AnalysisStatus(m.AnalysisStatus),
		CheckinDate:    m.CheckinDate,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

type guestModel struct {
	ID                  string    `gorm:"column:id;primaryKey"`
	Email               string    `gorm:"column:email;uniqueIndex"`
	FirstName           string    `gorm:"column:first_name"`
	LastName            string    `gorm:"column:last_name"`
	Phone               string    `gorm:"column:phone"`
	DietaryRestrictions []string  `gorm:"column:dietary_restrictions;serializer:json"`
	Allergies           []string  `gorm:"column:allergies;serializer:json"`
	RoomPreferences     []string  `gorm:"column:room_preferences;serializer:json"`
	WellnessGoals       []string  `gorm:"column:wellness_goals;serializer:json"`
	PastVisits          int       `gorm:"column:past_visits"`
	TotalCheckins       int       `gorm:"column:total_checkins"`
	LastCheckinDate     string    `gorm:"column:last_checkin_date"`
	Notes               string    `gorm:"column:notes"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (guestModel) TableName() string {
	return "guests"
}

func guestModelFromGuest(g *records.Guest) guestModel {
	return guestModel{
		ID:                  g.ID,
		Email:               g.Email,
		FirstName:           g.FirstName,
		LastName:            g.LastName,
		Phone:               g.Phone,
		DietaryRestrictions: g.DietaryRestrictions,
		Allergies:           g.Allergies,
		RoomPreferences:     g.RoomPreferences,
		WellnessGoals:       g.WellnessGoals,
		PastVisits:          g.PastVisits,
		TotalCheckins:       g.TotalCheckins,
		LastCheckinDate:     g.LastCheckinDate,
		Notes:               g.Notes,
		CreatedAt:           g.CreatedAt,
		UpdatedAt:           g.UpdatedAt,
	}
}

func (m guestModel) toGuest() *records.Guest {
	return &records.Guest{
		ID:                  m.ID,
		Email:               m.Email,
		FirstName:           m.FirstName,
		LastName:            m.LastName,
		Phone:               m.Phone,
		DietaryRestrictions: m.DietaryRestrictions,
		Allergies:           m.Allergies,
		RoomPreferences:     m.RoomPreferences,
		WellnessGoals:       m.WellnessGoals,
		PastVisits:          m.PastVisits,
		TotalCheckins:       m.TotalCheckins,
		LastCheckinDate:     m.LastCheckinDate,
		Notes:               m.Notes,
		CreatedAt:           m.CreatedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
	}
}

type roomModel struct {
	ID            string  `gorm:"column:id;primaryKey"`
	Name          string  `gorm:"column:room_name"`
	Type          string  `gorm:"column:room_type;index"`
	Capacity      int     `gorm:"column:capacity"`
	AvailableFrom string  `gorm:"column:available_from"`
	AvailableTo   string  `gorm:"column:available_to"`
	PricePerNight float64 `gorm:"column:price_per_night"`
}

func (roomModel) TableName() string {
	return "rooms"
}

func (m roomModel) toRoom() records.Room {
	return records.Room(m)
}

type treatmentModel struct {
	ID              string  `gorm:"column:id;primaryKey"`
	Name            string  `gorm:"column:name"`
	Description     string  `gorm:"column:description"`
	DurationMinutes int     `gorm:"column:duration_minutes"`
	Price           float64 `gorm:"column:price"`
	Category        string  `gorm:"column:category"`
	Available       bool    `gorm:"column:available"`
}

func (treatmentModel) TableName() string {
	return "treatments"
}

type menuItemModel struct {
	ID          string   `gorm:"column:id;primaryKey"`
	Name        string   `gorm:"column:name"`
	Description string   `gorm:"column:description"`
	MealType    string   `gorm:"column:meal_type;index"`
	DietaryTags []string `gorm:"column:dietary_tags;serializer:json"`
	Available   bool     `gorm:"column:available"`
}

func (menuItemModel) TableName() string {
	return "menu_items"
}
