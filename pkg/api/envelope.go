package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventName identifies an envelope on the bus. Names are dot-namespaced.
type EventName string

const (
	EventConversationEnded     EventName = "conversation.ended"
	EventAnalyzeRequested      EventName = "conversation.analyze.requested"
	EventDailyCheckinCompleted EventName = "checkin.daily.completed"
	EventBookingInquiry        EventName = "booking.inquiry.received"
	EventTreatmentRequested    EventName = "booking.treatment.requested"
	EventGuestUpdated          EventName = "guest.updated"
	EventProfileEnriched       EventName = "profile.enriched"
	EventStaffAlert            EventName = "staff.alert"
	EventSendEmail             EventName = "send.email"
	EventBatchSyncCheckins     EventName = "sync.batch.checkins"
)

// Payload is the closed set of typed envelope bodies. Every payload knows
// which event name it travels under and validates its own required fields.
type Payload interface {
	EventName() EventName
	Validate() error
}

// payloadFactories maps each known event name to a constructor for its
// payload type. Names missing from this table are rejected on decode.
var payloadFactories = map[EventName]func() Payload{
	EventConversationEnded:     func() Payload { return &ConversationEnded{} },
	EventAnalyzeRequested:      func() Payload { return &AnalyzeRequested{} },
	EventDailyCheckinCompleted: func() Payload { return &DailyCheckinCompleted{} },
	EventBookingInquiry:        func() Payload { return &BookingInquiry{} },
	EventTreatmentRequested:    func() Payload { return &TreatmentRequested{} },
	EventGuestUpdated:          func() Payload { return &GuestUpdated{} },
	EventProfileEnriched:       func() Payload { return &ProfileEnriched{} },
	EventStaffAlert:            func() Payload { return &StaffAlert{} },
	EventSendEmail:             func() Payload { return &SendEmail{} },
	EventBatchSyncCheckins:     func() Payload { return &BatchSyncCheckins{} },
}

// KnownEvent reports whether name belongs to the event catalogue.
func KnownEvent(name EventName) bool {
	_, ok := payloadFactories[name]
	return ok
}

// Envelope is an immutable named event placed on the bus.
type Envelope struct {
	ID        string
	Name      EventName
	Data      Payload
	EmittedAt time.Time
}

// NewEnvelope wraps p in an envelope stamped with a fresh id and the
// current time. The envelope name is taken from the payload.
func NewEnvelope(p Payload) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Name:      p.EventName(),
		Data:      p,
		EmittedAt: time.Now().UTC(),
	}
}

// Validate checks that the envelope is well formed: the name is known,
// matches the payload type, and the payload passes its own validation.
func (e Envelope) Validate() error {
	if !KnownEvent(e.Name) {
		return NewValidationError(FieldIssue{Field: "name", Message: fmt.Sprintf("unknown event %q", e.Name)})
	}
	if e.Data == nil {
		return NewValidationError(FieldIssue{Field: "data", Message: "payload is required"})
	}
	if e.Data.EventName() != e.Name {
		return NewValidationError(FieldIssue{
			Field:   "data",
			Message: fmt.Sprintf("payload for %q sent under %q", e.Data.EventName(), e.Name),
		})
	}
	return e.Data.Validate()
}

type envelopeJSON struct {
	ID        string          `json:"id"`
	Name      EventName       `json:"name"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// MarshalJSON encodes the envelope with its payload under "data".
func (e Envelope) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{
		ID:        e.ID,
		Name:      e.Name,
		Data:      data,
		EmittedAt: e.EmittedAt,
	})
}

// UnmarshalJSON decodes the envelope, resolving the payload type from the
// event name.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Name, raw.Data)
	if err != nil {
		return err
	}
	*e = Envelope{ID: raw.ID, Name: raw.Name, Data: p, EmittedAt: raw.EmittedAt}
	return nil
}

// DecodePayload decodes data into the payload type registered for name and
// validates it. Unknown names and malformed bodies are validation errors.
func DecodePayload(name EventName, data []byte) (Payload, error) {
	factory, ok := payloadFactories[name]
	if !ok {
		return nil, NewValidationError(FieldIssue{Field: "name", Message: fmt.Sprintf("unknown event %q", name)})
	}
	p := factory()
	if len(data) > 0 {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, NewValidationError(FieldIssue{Field: "data", Message: err.Error()})
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// PayloadAs returns the envelope payload as *T, or a validation error when
// the envelope carries a different type.
func PayloadAs[T any, PT interface {
	*T
	Payload
}](env Envelope) (PT, error) {
	p, ok := env.Data.(PT)
	if !ok {
		var want PT
		return nil, NonRetryable(fmt.Errorf("envelope %s carries %T, want %T", env.Name, env.Data, want))
	}
	return p, nil
}
