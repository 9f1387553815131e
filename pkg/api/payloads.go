package api

import (
	"strings"
)

// Conversation outcome statuses reported by the voice provider.
const (
	ConversationDone    = "done"
	ConversationError   = "error"
	ConversationTimeout = "timeout"
)

// Conversation types understood by the analysis pipeline.
const (
	ConversationCheckin = "checkin"
	ConversationInquiry = "inquiry"
	ConversationSupport = "support"
)

// Severity is an alert urgency tier.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeverityUrgent Severity = "urgent"
)

// Valid reports whether s is one of the four known tiers.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityUrgent:
		return true
	}
	return false
}

// Profile sources carried by guest.updated.
const (
	SourceAIKnowledge    = "ai_knowledge"
	SourceMasterGuest    = "master_guest"
	SourceCurrentRetreat = "current_retreat"
)

// TranscriptTurn is one utterance of a conversation transcript.
type TranscriptTurn struct {
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// JoinTranscript renders turns as "role: message" lines in order.
func JoinTranscript(turns []TranscriptTurn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role+": "+t.Message)
	}
	return strings.Join(lines, "\n")
}

// ConversationEnded is emitted when the voice provider reports the end of a
// conversation.
type ConversationEnded struct {
	ConversationID   string            `json:"conversation_id"`
	AgentID          string            `json:"agent_id"`
	Status           string            `json:"status"`
	Transcript       string            `json:"transcript,omitempty"`
	TranscriptObject []TranscriptTurn  `json:"transcript_object,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Summary          string            `json:"summary,omitempty"`
}

func (*ConversationEnded) EventName() EventName { return EventConversationEnded }

func (p *ConversationEnded) Validate() error {
	var v issues
	v.required("conversation_id", p.ConversationID)
	v.required("agent_id", p.AgentID)
	v.oneOf("status", p.Status, ConversationDone, ConversationError, ConversationTimeout)
	return v.err()
}

// FullTranscript returns the transcript text, deriving it from the turn
// list when no flat transcript was supplied.
func (p *ConversationEnded) FullTranscript() string {
	if p.Transcript != "" {
		return p.Transcript
	}
	return JoinTranscript(p.TranscriptObject)
}

// AnalyzeRequested asks the analysis pipeline to process a check-in entry.
type AnalyzeRequested struct {
	RecordID         string `json:"record_id"`
	Transcript       string `json:"transcript"`
	GuestEmail       string `json:"guest_email,omitempty"`
	ConversationType string `json:"conversation_type"`
}

func (*AnalyzeRequested) EventName() EventName { return EventAnalyzeRequested }

func (p *AnalyzeRequested) Validate() error {
	var v issues
	v.required("record_id", p.RecordID)
	v.required("transcript", p.Transcript)
	v.oneOf("conversation_type", p.ConversationType, ConversationCheckin, ConversationInquiry, ConversationSupport)
	return v.err()
}

// DailyCheckinCompleted records that a guest finished their daily check-in.
type DailyCheckinCompleted struct {
	RecordID   string `json:"record_id"`
	GuestEmail string `json:"guest_email"`
	GuestName  string `json:"guest_name,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

func (*DailyCheckinCompleted) EventName() EventName { return EventDailyCheckinCompleted }

func (p *DailyCheckinCompleted) Validate() error {
	var v issues
	v.required("record_id", p.RecordID)
	v.email("guest_email", p.GuestEmail)
	return v.err()
}

// BookingInquiry is a prospective guest asking about dates.
type BookingInquiry struct {
	GuestName       string `json:"guest_name"`
	GuestEmail      string `json:"guest_email"`
	ArrivalDate     string `json:"arrival_date"`
	DepartureDate   string `json:"departure_date"`
	RoomType        string `json:"room_type,omitempty"`
	Guests          int    `json:"guests,omitempty"`
	SpecialRequests string `json:"special_requests,omitempty"`
}

func (*BookingInquiry) EventName() EventName { return EventBookingInquiry }

func (p *BookingInquiry) Validate() error {
	var v issues
	v.required("guest_name", p.GuestName)
	v.email("guest_email", p.GuestEmail)
	v.date("arrival_date", p.ArrivalDate)
	v.date("departure_date", p.DepartureDate)
	if p.Guests < 0 {
		v.add("guests", "must not be negative")
	}
	return v.err()
}

// TreatmentRequested is a spa treatment booking request captured by the
// voice agent.
type TreatmentRequested struct {
	TreatmentID   string `json:"treatment_id"`
	TreatmentName string `json:"treatment_name"`
	GuestEmail    string `json:"guest_email"`
	GuestName     string `json:"guest_name,omitempty"`
	PreferredDate string `json:"preferred_date,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (*TreatmentRequested) EventName() EventName { return EventTreatmentRequested }

func (p *TreatmentRequested) Validate() error {
	var v issues
	v.required("treatment_id", p.TreatmentID)
	v.required("treatment_name", p.TreatmentName)
	v.email("guest_email", p.GuestEmail)
	return v.err()
}

// ProfileUpdate is a sparse set of guest profile fields. Nil pointers and
// empty slices mean "not supplied".
type ProfileUpdate struct {
	FirstName           *string  `json:"first_name,omitempty"`
	LastName            *string  `json:"last_name,omitempty"`
	Phone               *string  `json:"phone,omitempty"`
	DietaryRestrictions []string `json:"dietary_restrictions,omitempty"`
	Allergies           []string `json:"allergies,omitempty"`
	RoomPreferences     []string `json:"room_preferences,omitempty"`
	WellnessGoals       []string `json:"wellness_goals,omitempty"`
	PastVisits          *int     `json:"past_visits,omitempty"`
	TotalCheckins       *int     `json:"total_checkins,omitempty"`
	IncrementCheckins   int      `json:"increment_checkins,omitempty"`
	LastCheckinDate     string   `json:"last_checkin_date,omitempty"`
	Note                string   `json:"note,omitempty"`
	Notes               *string  `json:"notes,omitempty"`
}

// GuestUpdated carries a profile update from one of the known sources.
type GuestUpdated struct {
	GuestEmail string        `json:"guest_email"`
	Source     string        `json:"source"`
	Fields     ProfileUpdate `json:"fields"`
}

func (*GuestUpdated) EventName() EventName { return EventGuestUpdated }

func (p *GuestUpdated) Validate() error {
	var v issues
	v.email("guest_email", p.GuestEmail)
	v.oneOf("source", p.Source, SourceAIKnowledge, SourceMasterGuest, SourceCurrentRetreat)
	if p.Fields.LastCheckinDate != "" {
		v.date("fields.last_checkin_date", p.Fields.LastCheckinDate)
	}
	return v.err()
}

// ProfileEnriched carries insights extracted from a conversation.
type ProfileEnriched struct {
	GuestEmail           string   `json:"guest_email"`
	DietaryPreferences   []string `json:"dietary_preferences,omitempty"`
	WellnessGoals        []string `json:"wellness_goals,omitempty"`
	SleepPatterns        string   `json:"sleep_patterns,omitempty"`
	StressIndicators     string   `json:"stress_indicators,omitempty"`
	PreferencesMentioned []string `json:"preferences_mentioned,omitempty"`
}

func (*ProfileEnriched) EventName() EventName { return EventProfileEnriched }

func (p *ProfileEnriched) Validate() error {
	var v issues
	v.email("guest_email", p.GuestEmail)
	return v.err()
}

// StaffAlert asks the alert dispatcher to notify staff.
type StaffAlert struct {
	RecordID   string   `json:"record_id"`
	Reason     string   `json:"reason"`
	Severity   Severity `json:"severity"`
	GuestEmail string   `json:"guest_email,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
}

func (*StaffAlert) EventName() EventName { return EventStaffAlert }

func (p *StaffAlert) Validate() error {
	var v issues
	v.required("record_id", p.RecordID)
	v.required("reason", p.Reason)
	if !p.Severity.Valid() {
		v.add("severity", "must be one of low, medium, high, urgent")
	}
	if p.AssignedTo != "" {
		v.email("assigned_to", p.AssignedTo)
	}
	return v.err()
}

// SendEmail is a request to deliver one email.
type SendEmail struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Template string            `json:"template,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (*SendEmail) EventName() EventName { return EventSendEmail }

func (p *SendEmail) Validate() error {
	var v issues
	v.email("to", p.To)
	v.required("subject", p.Subject)
	v.required("body", p.Body)
	return v.err()
}

// BatchSyncCheckins re-enriches guest profiles from completed check-ins.
type BatchSyncCheckins struct {
	Since string `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (*BatchSyncCheckins) EventName() EventName { return EventBatchSyncCheckins }

func (p *BatchSyncCheckins) Validate() error {
	var v issues
	if p.Since != "" {
		v.date("since", p.Since)
	}
	if p.Limit < 0 {
		v.add("limit", "must not be negative")
	}
	return v.err()
}
