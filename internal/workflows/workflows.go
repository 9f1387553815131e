// Package workflows holds the event handlers of the retreat assistant and
// registers them with an engine.
package workflows

import (
	"fmt"
	"time"

	"github.com/lumi-retreat/lumi/internal/alert"
	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/internal/merge"
	"github.com/lumi-retreat/lumi/internal/notify"
	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Handler ids.
const (
	ConversationEndedID = "conversation-ended"
	DailyCheckinID      = "daily-checkin-completed"
	BookingInquiryID    = "booking-inquiry"
	TreatmentRequestID  = "treatment-requested"
	GuestUpdatedID      = "guest-updated"
	ProfileEnrichmentID = "profile-enrichment"
	SendEmailID         = "send-email"
	StaffAlertID        = "staff-alert"
	BatchSyncID         = "batch-sync-checkins"
)

// DefaultReservationsEmail receives booking alerts.
const DefaultReservationsEmail = "reservations@aro-ha.com"

// DefaultFrom is the sender of guest-facing email.
const DefaultFrom = "Lumi <lumi@aro-ha.com>"

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Records   records.Store
	Merger    *merge.Merger
	Alerts    *alert.Dispatcher
	Mailer    notify.Mailer
	Extractor analysis.Extractor

	ExtractTimeout    time.Duration
	ReservationsEmail string
	EmailFrom         string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Set is the full handler set built from Deps.
type Set struct {
	deps     Deps
	pipeline *analysis.Pipeline
}

// New validates deps and returns the handler set.
func New(deps Deps) (*Set, error) {
	switch {
	case deps.Records == nil:
		return nil, &api.ConfigError{Key: "records", Reason: "record store is required"}
	case deps.Mailer == nil:
		return nil, &api.ConfigError{Key: "mailer", Reason: "mailer is required"}
	case deps.Extractor == nil:
		return nil, &api.ConfigError{Key: "extractor", Reason: "extractor is required"}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Merger == nil {
		deps.Merger = merge.New(deps.Records).WithClock(deps.Now)
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.New(deps.Mailer, alert.Config{})
	}
	if deps.ReservationsEmail == "" {
		deps.ReservationsEmail = DefaultReservationsEmail
	}
	if deps.EmailFrom == "" {
		deps.EmailFrom = DefaultFrom
	}
	return &Set{
		deps:     deps,
		pipeline: analysis.NewPipeline(deps.Records, deps.Extractor, deps.ExtractTimeout),
	}, nil
}

// byGuestEmail serializes runs touching the same guest profile.
func byGuestEmail(env api.Envelope) string {
	switch p := env.Data.(type) {
	case *api.BookingInquiry:
		return records.NormalizeEmail(p.GuestEmail)
	case *api.DailyCheckinCompleted:
		return records.NormalizeEmail(p.GuestEmail)
	case *api.GuestUpdated:
		return records.NormalizeEmail(p.GuestEmail)
	case *api.ProfileEnriched:
		return records.NormalizeEmail(p.GuestEmail)
	}
	return ""
}

// Definitions returns every handler with its retry budget and
// concurrency key.
func (s *Set) Definitions() []api.HandlerDefinition {
	return []api.HandlerDefinition{
		{ID: ConversationEndedID, Event: api.EventConversationEnded, Retry: api.DefaultRetry(3), Fn: s.conversationEnded},
		s.pipeline.Definition(),
		{ID: DailyCheckinID, Event: api.EventDailyCheckinCompleted, Retry: api.DefaultRetry(2), ConcurrencyKey: byGuestEmail, Fn: s.dailyCheckinCompleted},
		{ID: BookingInquiryID, Event: api.EventBookingInquiry, Retry: api.DefaultRetry(3), ConcurrencyKey: byGuestEmail, Fn: s.bookingInquiry},
		{ID: TreatmentRequestID, Event: api.EventTreatmentRequested, Retry: api.DefaultRetry(3), Fn: s.treatmentRequested},
		{ID: GuestUpdatedID, Event: api.EventGuestUpdated, Retry: api.DefaultRetry(3), ConcurrencyKey: byGuestEmail, Fn: s.guestUpdated},
		{ID: ProfileEnrichmentID, Event: api.EventProfileEnriched, Retry: api.DefaultRetry(2), ConcurrencyKey: byGuestEmail, Fn: s.profileEnrichment},
		{ID: SendEmailID, Event: api.EventSendEmail, Retry: api.DefaultRetry(3), Fn: s.sendEmail},
		{ID: StaffAlertID, Event: api.EventStaffAlert, Retry: api.DefaultRetry(2), Fn: s.staffAlert},
		{ID: BatchSyncID, Event: api.EventBatchSyncCheckins, Retry: api.DefaultRetry(1), Fn: s.batchSyncCheckins},
	}
}

// Register adds every handler to eng.
func (s *Set) Register(eng api.Engine) error {
	for _, def := range s.Definitions() {
		if err := eng.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}
	return nil
}

func (s *Set) today() string {
	return s.deps.Now().UTC().Format(api.DateLayout)
}
