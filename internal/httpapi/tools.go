package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/internal/booking"
	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Tool actions reported to the voice agent.
const (
	ActionAvailable            = "available"
	ActionUnavailable          = "unavailable"
	ActionInvalidDates         = "invalid_dates"
	ActionListTreatments       = "list_treatments"
	ActionTreatmentNotFound    = "treatment_not_found"
	ActionTreatmentUnavailable = "treatment_unavailable"
	ActionBookingRequested     = "booking_requested"
	ActionGuestFound           = "guest_found"
	ActionNewGuest             = "new_guest"
	ActionMenu                 = "menu"
	ActionRecordCreated        = "record_created"
	ActionRecordExists         = "record_exists"
)

var mealTypes = []string{"breakfast", "lunch", "dinner", "snack"}

type availabilityResponse struct {
	Action string `json:"action"`
	*booking.Quote
}

func (s *Server) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := booking.Check(r.Context(), s.store, req, s.today())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	action := ActionUnavailable
	switch {
	case q.Available:
		action = ActionAvailable
	case q.Requested == nil:
		action = ActionInvalidDates
	}
	writeJSON(w, http.StatusOK, availabilityResponse{Action: action, Quote: q})
}

type bookTreatmentRequest struct {
	GuestEmail    string `json:"guest_email"`
	TreatmentID   string `json:"treatment_id,omitempty"`
	TreatmentName string `json:"treatment_name,omitempty"`
	PreferredDate string `json:"preferred_date,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (req bookTreatmentRequest) Validate() error {
	var v api.Validator
	v.Email("guest_email", req.GuestEmail)
	if req.PreferredDate != "" {
		v.Date("preferred_date", req.PreferredDate)
	}
	return v.Err()
}

type treatmentView struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Duration    int     `json:"duration"`
	Price       float64 `json:"price"`
	Category    string  `json:"category,omitempty"`
}

func viewTreatment(t records.Treatment) treatmentView {
	return treatmentView{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Duration:    t.DurationMinutes,
		Price:       t.Price,
		Category:    t.Category,
	}
}

type bookingDetails struct {
	GuestEmail    string `json:"guest_email"`
	PreferredDate string `json:"preferred_date,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type treatmentResponse struct {
	Action              string          `json:"action"`
	Message             string          `json:"message"`
	Treatments          []treatmentView `json:"treatments,omitempty"`
	Categories          []string        `json:"categories,omitempty"`
	AvailableTreatments []string        `json:"available_treatments,omitempty"`
	TreatmentName       string          `json:"treatment_name,omitempty"`
	Alternatives        []treatmentView `json:"alternatives,omitempty"`
	Treatment           *treatmentView  `json:"treatment,omitempty"`
	BookingDetails      *bookingDetails `json:"booking_details,omitempty"`
	ConfirmationPending bool            `json:"confirmation_pending,omitempty"`
	RunIDs              []string        `json:"run_ids,omitempty"`
}

func (s *Server) handleBookTreatment(w http.ResponseWriter, r *http.Request) {
	var req bookTreatmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	all, err := s.store.ListTreatments(ctx)
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("list treatments: %w", err))
		return
	}
	available := slices.DeleteFunc(slices.Clone(all), func(t records.Treatment) bool { return !t.Available })

	if req.TreatmentID == "" && req.TreatmentName == "" {
		var views []treatmentView
		var categories []string
		for _, t := range available {
			views = append(views, viewTreatment(t))
			if !slices.Contains(categories, t.Category) {
				categories = append(categories, t.Category)
			}
		}
		writeJSON(w, http.StatusOK, treatmentResponse{
			Action:     ActionListTreatments,
			Treatments: views,
			Categories: categories,
			Message: fmt.Sprintf("We offer a wonderful range of treatments across %d categories: %s. Would you like me to describe any specific treatment, or tell you more about a particular category?",
				len(categories), strings.Join(categories, ", ")),
		})
		return
	}

	idx := slices.IndexFunc(all, func(t records.Treatment) bool {
		if req.TreatmentID != "" {
			return t.ID == req.TreatmentID
		}
		return strings.Contains(strings.ToLower(t.Name), strings.ToLower(req.TreatmentName))
	})
	if idx < 0 {
		names := treatmentNames(available)
		writeJSON(w, http.StatusOK, treatmentResponse{
			Action:              ActionTreatmentNotFound,
			AvailableTreatments: names,
			Message: fmt.Sprintf("I couldn't find that specific treatment. Here are our available treatments: %s. Which one would you like to know more about?",
				strings.Join(names, ", ")),
		})
		return
	}
	t := all[idx]

	if !t.Available {
		var alts []treatmentView
		for _, a := range available {
			if a.Category == t.Category {
				alts = append(alts, treatmentView{Name: a.Name, Duration: a.DurationMinutes, Price: a.Price})
			}
		}
		msg := fmt.Sprintf("The %s is currently unavailable.", t.Name)
		if len(alts) > 0 {
			names := make([]string, 0, len(alts))
			for _, a := range alts {
				names = append(names, a.Name)
			}
			msg += fmt.Sprintf(" However, we have other wonderful %s treatments: %s. Would any of these interest you?", t.Category, strings.Join(names, ", "))
		} else {
			msg += " Would you like to hear about our other treatments?"
		}
		writeJSON(w, http.StatusOK, treatmentResponse{
			Action:        ActionTreatmentUnavailable,
			TreatmentName: t.Name,
			Alternatives:  alts,
			Message:       msg,
		})
		return
	}

	guestName := "Guest"
	guest, err := s.store.FindGuest(ctx, req.GuestEmail)
	switch {
	case err == nil && guest.FullName() != "":
		guestName = guest.FullName()
	case err != nil && !errors.Is(err, records.ErrNotFound):
		s.writeFailure(w, r, fmt.Errorf("find guest: %w", err))
		return
	}

	runIDs, err := s.events.Emit(ctx, api.NewEnvelope(&api.TreatmentRequested{
		TreatmentID:   t.ID,
		TreatmentName: t.Name,
		GuestEmail:    req.GuestEmail,
		GuestName:     guestName,
		PreferredDate: req.PreferredDate,
		PreferredTime: req.PreferredTime,
		Notes:         req.Notes,
	}))
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("emit treatment request: %w", err))
		return
	}

	when := ""
	if req.PreferredDate != "" {
		when = " for " + req.PreferredDate
		if req.PreferredTime != "" {
			when += " around " + req.PreferredTime
		}
	}
	view := viewTreatment(t)
	writeJSON(w, http.StatusOK, treatmentResponse{
		Action:    ActionBookingRequested,
		Treatment: &view,
		BookingDetails: &bookingDetails{
			GuestEmail:    req.GuestEmail,
			PreferredDate: req.PreferredDate,
			PreferredTime: req.PreferredTime,
			Notes:         req.Notes,
		},
		ConfirmationPending: true,
		RunIDs:              runIDs,
		Message: fmt.Sprintf("Wonderful choice! The %s is a %d-minute treatment priced at $%s. %s I've noted your interest%s. Our spa team will confirm your booking and reach out with available time slots. Is there anything else you'd like to know about this treatment?",
			t.Name, t.DurationMinutes, booking.Money(t.Price), t.Description, when),
	})
}

func treatmentNames(ts []records.Treatment) []string {
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		names = append(names, t.Name)
	}
	return names
}

type profileRequest struct {
	Email string `json:"email"`
}

type guestView struct {
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	PastVisits    int    `json:"past_visits"`
	TotalCheckins int    `json:"total_checkins"`
}

type preferencesView struct {
	DietaryRestrictions []string `json:"dietary_restrictions"`
	Allergies           []string `json:"allergies"`
	RoomPreferences     []string `json:"room_preferences"`
	WellnessGoals       []string `json:"wellness_goals"`
}

type profileResponse struct {
	Action      string           `json:"action"`
	Message     string           `json:"message"`
	Found       bool             `json:"found"`
	IsNewGuest  bool             `json:"is_new_guest"`
	Guest       *guestView       `json:"guest,omitempty"`
	Preferences *preferencesView `json:"preferences,omitempty"`
	Context     string           `json:"context,omitempty"`
}

func (s *Server) handleGetGuestProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var v api.Validator
	v.Email("email", req.Email)
	if err := v.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}

	g, err := s.store.FindGuest(r.Context(), req.Email)
	if errors.Is(err, records.ErrNotFound) {
		writeJSON(w, http.StatusOK, profileResponse{
			Action:     ActionNewGuest,
			IsNewGuest: true,
			Message:    "It looks like this is your first time connecting with us! I'm excited to help you learn about Aro Hā.",
		})
		return
	}
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("find guest: %w", err))
		return
	}

	summary := guestContext(g, s.today())
	writeJSON(w, http.StatusOK, profileResponse{
		Action:  ActionGuestFound,
		Found:   true,
		Message: summary,
		Context: summary,
		Guest: &guestView{
			FirstName:     g.FirstName,
			LastName:      g.LastName,
			PastVisits:    g.PastVisits,
			TotalCheckins: g.TotalCheckins,
		},
		Preferences: &preferencesView{
			DietaryRestrictions: nonNil(g.DietaryRestrictions),
			Allergies:           nonNil(g.Allergies),
			RoomPreferences:     nonNil(g.RoomPreferences),
			WellnessGoals:       nonNil(g.WellnessGoals),
		},
	})
}

// guestContext summarises a profile in sentences for the agent.
func guestContext(g *records.Guest, today time.Time) string {
	var parts []string
	switch {
	case g.PastVisits == 1:
		parts = append(parts, g.FirstName+" has visited Aro Hā once before.")
	case g.PastVisits > 1:
		parts = append(parts, fmt.Sprintf("%s is a returning guest who has visited %d times.", g.FirstName, g.PastVisits))
	}

	if last, err := time.Parse(api.DateLayout, g.LastCheckinDate); err == nil {
		days := int(today.Sub(last).Hours() / 24)
		if days >= 0 && days < 7 {
			parts = append(parts, fmt.Sprintf("They last checked in %d days ago.", days))
		}
	}

	dietary := slices.Clone(g.DietaryRestrictions)
	for _, a := range g.Allergies {
		dietary = append(dietary, a+" allergy")
	}
	if len(dietary) > 0 {
		parts = append(parts, "Dietary considerations: "+strings.Join(dietary, ", ")+".")
	}
	if len(g.RoomPreferences) > 0 {
		parts = append(parts, "Room preferences: "+strings.Join(g.RoomPreferences, ", ")+".")
	}
	if len(g.WellnessGoals) > 0 {
		parts = append(parts, "Wellness goals: "+strings.Join(g.WellnessGoals, ", ")+".")
	}

	if len(parts) == 0 {
		return g.FirstName + " is connecting with us for the first time."
	}
	return strings.Join(parts, " ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type menuRequest struct {
	MealType      string   `json:"meal_type,omitempty"`
	DietaryFilter []string `json:"dietary_filter,omitempty"`
	GuestEmail    string   `json:"guest_email,omitempty"`
}

func (req menuRequest) Validate() error {
	var v api.Validator
	if req.MealType != "" {
		v.OneOf("meal_type", req.MealType, append(slices.Clone(mealTypes), "all")...)
	}
	if req.GuestEmail != "" {
		v.Email("guest_email", req.GuestEmail)
	}
	return v.Err()
}

type menuItemView struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MealType    string   `json:"meal_type"`
	DietaryTags []string `json:"dietary_tags"`
}

type menuResponse struct {
	Action                  string                    `json:"action"`
	Message                 string                    `json:"message"`
	Menu                    map[string][]menuItemView `json:"menu"`
	TotalItems              int                       `json:"total_items"`
	MealTypes               []string                  `json:"meal_types"`
	FiltersApplied          []string                  `json:"filters_applied"`
	GuestDietaryPreferences []string                  `json:"guest_dietary_preferences"`
	Items                   []menuItemView            `json:"items"`
}

func (s *Server) handleGetMenu(w http.ResponseWriter, r *http.Request) {
	var req menuRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	mealType := req.MealType
	if mealType == "all" {
		mealType = ""
	}

	guestDietary := []string{}
	if req.GuestEmail != "" {
		g, err := s.store.FindGuest(ctx, req.GuestEmail)
		switch {
		case err == nil:
			guestDietary = append(guestDietary, g.DietaryRestrictions...)
			for _, a := range g.Allergies {
				guestDietary = append(guestDietary, a+"-free")
			}
		case !errors.Is(err, records.ErrNotFound):
			s.writeFailure(w, r, fmt.Errorf("find guest: %w", err))
			return
		}
	}

	filters := []string{}
	for _, f := range append(slices.Clone(req.DietaryFilter), guestDietary...) {
		filters = append(filters, strings.ToLower(f))
	}

	items, err := s.store.ListMenu(ctx, records.MenuFilter{MealType: mealType})
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("list menu: %w", err))
		return
	}

	resp := menuResponse{
		Action:                  ActionMenu,
		Menu:                    map[string][]menuItemView{},
		MealTypes:               []string{},
		FiltersApplied:          filters,
		GuestDietaryPreferences: guestDietary,
		Items:                   []menuItemView{},
	}
	for _, it := range items {
		if !it.Available || !matchesDiet(it.DietaryTags, filters) {
			continue
		}
		view := menuItemView{Name: it.Name, Description: it.Description, MealType: it.MealType, DietaryTags: nonNil(it.DietaryTags)}
		if _, ok := resp.Menu[it.MealType]; !ok {
			resp.MealTypes = append(resp.MealTypes, it.MealType)
		}
		resp.Menu[it.MealType] = append(resp.Menu[it.MealType], view)
		resp.Items = append(resp.Items, view)
	}
	resp.TotalItems = len(resp.Items)
	resp.Message = menuMessage(mealType, resp, filters, guestDietary)
	writeJSON(w, http.StatusOK, resp)
}

// matchesDiet reports whether every filter matches some tag, either way
// round as a substring.
func matchesDiet(tags, filters []string) bool {
	for _, f := range filters {
		ok := slices.ContainsFunc(tags, func(tag string) bool {
			tag = strings.ToLower(tag)
			return strings.Contains(tag, f) || strings.Contains(f, tag)
		})
		if !ok {
			return false
		}
	}
	return true
}

func menuMessage(mealType string, resp menuResponse, filters, guestDietary []string) string {
	switch {
	case resp.TotalItems == 0 && len(filters) > 0:
		return fmt.Sprintf("I couldn't find menu items matching your dietary preferences (%s). However, our kitchen is always happy to accommodate special requests. Would you like me to note your dietary needs for the team?",
			strings.Join(filters, ", "))
	case resp.TotalItems == 0 && mealType != "":
		return fmt.Sprintf("I don't have %s menu items available right now. Would you like to see our other meal options?", mealType)
	case resp.TotalItems == 0:
		return "I don't have the menu in front of me right now. Our team can walk you through today's options."
	case mealType != "":
		names := make([]string, 0, len(resp.Menu[mealType]))
		for _, it := range resp.Menu[mealType] {
			names = append(names, it.Name)
		}
		return fmt.Sprintf("For %s, we have %d delicious options: %s. Would you like details on any of these dishes?",
			mealType, len(names), strings.Join(names, ", "))
	}
	msg := fmt.Sprintf("We have %d items available across %s. ", resp.TotalItems, strings.Join(resp.MealTypes, ", "))
	if len(guestDietary) > 0 {
		msg += fmt.Sprintf("I've filtered based on your dietary preferences (%s). ", strings.Join(guestDietary, ", "))
	}
	return msg + "Would you like to hear about a specific meal?"
}

type conversationRecordRequest struct {
	ConversationID string `json:"conversation_id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
}

func (req conversationRecordRequest) Validate() error {
	var v api.Validator
	v.Required("conversation_id", req.ConversationID)
	v.Required("first_name", req.FirstName)
	v.Required("last_name", req.LastName)
	v.Email("email", req.Email)
	return v.Err()
}

type conversationRecordResponse struct {
	Action   string `json:"action"`
	Message  string `json:"message"`
	Success  bool   `json:"success"`
	RecordID string `json:"record_id"`
}

func (s *Server) handleCreateConversationRecord(w http.ResponseWriter, r *http.Request) {
	var req conversationRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	e := &records.CheckinEntry{
		ConversationID: req.ConversationID,
		GuestEmail:     req.Email,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		AnalysisStatus: records.AnalysisPending,
		CheckinDate:    s.today().Format(api.DateLayout),
	}
	err := s.store.CreateCheckin(ctx, e)
	if errors.Is(err, records.ErrExists) {
		existing, err := s.store.FindCheckin(ctx, req.ConversationID)
		if err != nil {
			s.writeFailure(w, r, fmt.Errorf("find check-in: %w", err))
			return
		}
		if existing.GuestEmail == "" {
			if _, err := s.store.UpdateCheckin(ctx, existing.ID, records.CheckinPatch{GuestEmail: &req.Email}); err != nil {
				s.writeFailure(w, r, fmt.Errorf("update check-in: %w", err))
				return
			}
		}
		writeJSON(w, http.StatusOK, conversationRecordResponse{
			Action:   ActionRecordExists,
			Success:  true,
			RecordID: existing.ID,
			Message:  fmt.Sprintf("Welcome back, %s. I already have our conversation on record.", req.FirstName),
		})
		return
	}
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("create check-in: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, conversationRecordResponse{
		Action:   ActionRecordCreated,
		Success:  true,
		RecordID: e.ID,
		Message:  fmt.Sprintf("Thank you, %s. I've started a record of our conversation.", req.FirstName),
	})
}
