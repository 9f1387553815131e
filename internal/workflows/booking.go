package workflows

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lumi-retreat/lumi/internal/booking"
	"github.com/lumi-retreat/lumi/internal/merge"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// urgentWindow is how close an arrival must be for a high severity alert.
const urgentWindow = 7 * 24 * time.Hour

// InquiryOutcome is returned by the booking-inquiry handler.
type InquiryOutcome struct {
	AvailableRooms int
	GuestCreated   bool
	Severity       api.Severity
}

type inquiryAvailability struct {
	Rooms   int
	Message string
}

func (s *Set) bookingInquiry(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.BookingInquiry](env)
	if err != nil {
		return nil, err
	}

	avail, err := api.Step(w, "check-availability", func(ctx context.Context) (inquiryAvailability, error) {
		q, err := booking.Check(ctx, s.deps.Records, booking.Request{
			ArrivalDate:   p.ArrivalDate,
			DepartureDate: p.DepartureDate,
			RoomType:      p.RoomType,
			Guests:        p.Guests,
		}, s.deps.Now())
		if err != nil {
			return inquiryAvailability{}, err
		}
		return inquiryAvailability{Rooms: len(q.Rooms), Message: q.Message}, nil
	})
	if err != nil {
		return nil, err
	}

	created, err := api.Step(w, "ensure-guest-profile", func(ctx context.Context) (bool, error) {
		note := fmt.Sprintf("Inquiry: %s to %s", p.ArrivalDate, p.DepartureDate)
		if p.SpecialRequests != "" {
			note += ". " + p.SpecialRequests
		}
		u := api.ProfileUpdate{Note: note}
		if p.RoomType != "" {
			u.RoomPreferences = []string{p.RoomType}
		}
		_, created, err := s.deps.Merger.MergeOrCreate(ctx, p.GuestEmail, p.GuestName, u, merge.TrustRetreat)
		return created, err
	})
	if err != nil {
		return nil, err
	}

	severity := api.SeverityMedium
	if arrival, err := time.Parse(api.DateLayout, p.ArrivalDate); err == nil && arrival.Sub(s.deps.Now()) < urgentWindow {
		severity = api.SeverityHigh
	}
	reason := fmt.Sprintf("New booking inquiry from %s. ", p.GuestName)
	if avail.Rooms > 0 {
		reason += fmt.Sprintf("%d rooms available.", avail.Rooms)
	} else {
		reason += "No availability for requested dates."
	}
	_, err = w.SendEvent("notify-reservations", api.NewEnvelope(&api.StaffAlert{
		RecordID:   env.ID,
		Reason:     reason,
		Severity:   severity,
		GuestEmail: p.GuestEmail,
		AssignedTo: s.deps.ReservationsEmail,
	}))
	if err != nil {
		return nil, err
	}

	first, _ := merge.SplitName(p.GuestName)
	body := fmt.Sprintf("Dear %s,\n\nThank you for your interest in Aro Hā. ", first)
	if avail.Rooms > 0 {
		body += "We have availability for your requested dates and our reservations team will be in touch shortly with personalized recommendations."
	} else {
		body += "While your requested dates may not be available, our reservations team will reach out with alternative options that may suit you."
	}
	body += "\n\nWarm regards,\nThe Aro Hā Team"

	_, err = w.SendEvent("send-guest-email", api.NewEnvelope(&api.SendEmail{
		To:       p.GuestEmail,
		Subject:  "Thank you for your inquiry - Aro Hā",
		Body:     body,
		Template: "booking_inquiry_confirmation",
		Metadata: map[string]string{
			"inquiry_id":       env.ID,
			"has_availability": strconv.FormatBool(avail.Rooms > 0),
		},
	}))
	if err != nil {
		return nil, err
	}

	return &InquiryOutcome{AvailableRooms: avail.Rooms, GuestCreated: created, Severity: severity}, nil
}

func (s *Set) treatmentRequested(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.TreatmentRequested](env)
	if err != nil {
		return nil, err
	}
	guest := p.GuestName
	if guest == "" {
		guest = p.GuestEmail
	}

	when := "no preferred time given"
	switch {
	case p.PreferredDate != "" && p.PreferredTime != "":
		when = fmt.Sprintf("preferred %s around %s", p.PreferredDate, p.PreferredTime)
	case p.PreferredDate != "":
		when = "preferred " + p.PreferredDate
	case p.PreferredTime != "":
		when = "preferred around " + p.PreferredTime
	}
	reason := fmt.Sprintf("Treatment request: %s for %s (%s).", p.TreatmentName, guest, when)
	if p.Notes != "" {
		reason += " Notes: " + p.Notes
	}

	_, err = w.SendEvent("notify-spa-team", api.NewEnvelope(&api.StaffAlert{
		RecordID:   p.TreatmentID,
		Reason:     reason,
		Severity:   api.SeverityLow,
		GuestEmail: p.GuestEmail,
		AssignedTo: s.deps.ReservationsEmail,
	}))
	if err != nil {
		return nil, err
	}

	first, _ := merge.SplitName(p.GuestName)
	if first == "" {
		first = "there"
	}
	body := fmt.Sprintf("Dear %s,\n\nThank you for your interest in the %s. Our spa team has your request (%s) and will confirm your booking with available time slots shortly.\n\nWarm regards,\nThe Aro Hā Team", first, p.TreatmentName, when)
	_, err = w.SendEvent("send-confirmation", api.NewEnvelope(&api.SendEmail{
		To:       p.GuestEmail,
		Subject:  "Your treatment request - Aro Hā",
		Body:     body,
		Template: "treatment_request_confirmation",
		Metadata: map[string]string{"treatment_id": p.TreatmentID},
	}))
	if err != nil {
		return nil, err
	}
	return map[string]string{"treatment_id": p.TreatmentID}, nil
}
