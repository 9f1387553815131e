package workflows_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-retreat/lumi/internal/alert"
	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/internal/engine"
	"github.com/lumi-retreat/lumi/internal/notify"
	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/internal/taskqueue"
	"github.com/lumi-retreat/lumi/internal/workflows"
	"github.com/lumi-retreat/lumi/internal/workflowtest"
	"github.com/lumi-retreat/lumi/pkg/api"
	"github.com/lumi-retreat/lumi/pkg/worker"
)

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg notify.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "email-" + msg.To, nil
}

func (m *fakeMailer) messages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.sent...)
}

type harness struct {
	set    *workflows.Set
	store  *records.MemoryStore
	mailer *fakeMailer
	em     *workflowtest.Emitter
	defs   map[string]api.HandlerDefinition
}

func newHarness(t *testing.T, extractor analysis.Extractor) *harness {
	t.Helper()
	store := records.NewMemoryStore()
	records.SeedRetreat(store)
	mailer := &fakeMailer{}
	if extractor == nil {
		extractor = analysis.ExtractorFunc(func(context.Context, analysis.Request) (*analysis.Analysis, error) {
			return &analysis.Analysis{Summary: "Fine.", Sentiment: analysis.SentimentNeutral}, nil
		})
	}
	set, err := workflows.New(workflows.Deps{
		Records:   store,
		Mailer:    mailer,
		Extractor: extractor,
		Alerts: alert.New(mailer, alert.Config{
			Base:      []string{"alerts@lumi.test"},
			Secondary: []string{"wellness@lumi.test"},
			Manager:   []string{"manager@lumi.test"},
		}),
		ReservationsEmail: "reservations@lumi.test",
		Now:               func() time.Time { return now },
	})
	require.NoError(t, err)

	defs := make(map[string]api.HandlerDefinition)
	for _, d := range set.Definitions() {
		defs[d.ID] = d
	}
	return &harness{set: set, store: store, mailer: mailer, em: &workflowtest.Emitter{}, defs: defs}
}

func (h *harness) run(t *testing.T, handlerID string, p api.Payload) (any, error) {
	t.Helper()
	def, ok := h.defs[handlerID]
	require.True(t, ok, handlerID)
	run := workflowtest.NewRun(handlerID, p)
	return workflowtest.Attempt(context.Background(), run, def.Fn, h.em)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := workflows.New(workflows.Deps{})
	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestDefinitions_BudgetsAndKeys(t *testing.T) {
	h := newHarness(t, nil)

	want := map[string]int{
		workflows.ConversationEndedID: 3,
		analysis.HandlerID:            2,
		workflows.DailyCheckinID:      2,
		workflows.BookingInquiryID:    3,
		workflows.TreatmentRequestID:  3,
		workflows.GuestUpdatedID:      3,
		workflows.ProfileEnrichmentID: 2,
		workflows.SendEmailID:         3,
		workflows.StaffAlertID:        2,
		workflows.BatchSyncID:         1,
	}
	require.Len(t, h.defs, len(want))
	for id, attempts := range want {
		assert.Equal(t, attempts, h.defs[id].Retry.Attempts(), id)
		assert.Equal(t, time.Second, h.defs[id].Retry.InitialBackoff, id)
	}

	keyed := []string{workflows.DailyCheckinID, workflows.BookingInquiryID, workflows.GuestUpdatedID, workflows.ProfileEnrichmentID}
	for _, id := range keyed {
		require.NotNil(t, h.defs[id].ConcurrencyKey, id)
	}
	env := api.NewEnvelope(&api.GuestUpdated{GuestEmail: "Ana@Example.com", Source: api.SourceMasterGuest})
	assert.Equal(t, "ana@example.com", h.defs[workflows.GuestUpdatedID].ConcurrencyKey(env))
	inquiry := api.NewEnvelope(&api.BookingInquiry{GuestEmail: " Mere@Example.com"})
	assert.Equal(t, "mere@example.com", h.defs[workflows.BookingInquiryID].ConcurrencyKey(inquiry))
	assert.Nil(t, h.defs[workflows.ConversationEndedID].ConcurrencyKey)
}

func TestConversationEnded_ExistingRecordSyncsGuestAndRequestsAnalysis(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := &records.CheckinEntry{ConversationID: "conv-1", GuestEmail: "ana@example.com", FirstName: "Ana", LastName: "Ngata"}
	require.NoError(t, h.store.CreateCheckin(ctx, entry))

	out, err := h.run(t, workflows.ConversationEndedID, &api.ConversationEnded{
		ConversationID: "conv-1",
		AgentID:        "agent",
		Status:         api.ConversationDone,
		TranscriptObject: []api.TranscriptTurn{
			{Role: "agent", Message: "How did you sleep?"},
			{Role: "user", Message: "Really well."},
		},
	})
	require.NoError(t, err)
	res := out.(*workflows.ConversationOutcome)
	assert.False(t, res.Created)
	assert.True(t, res.GuestSyncRequested)
	assert.True(t, res.AnalysisRequested)

	got, err := h.store.GetCheckin(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent: How did you sleep?\nuser: Really well.", got.Transcript)
	assert.Equal(t, records.AnalysisPending, got.AnalysisStatus)

	_, err = h.store.FindGuest(ctx, "ana@example.com")
	assert.ErrorIs(t, err, records.ErrNotFound, "profile writes belong to guest-updated")

	updates := h.em.Named(api.EventGuestUpdated)
	require.Len(t, updates, 1)
	gu := updates[0].Data.(*api.GuestUpdated)
	assert.Equal(t, "ana@example.com", gu.GuestEmail)
	assert.Equal(t, api.SourceAIKnowledge, gu.Source)
	assert.Equal(t, 1, gu.Fields.IncrementCheckins)
	assert.Equal(t, "2026-04-01", gu.Fields.LastCheckinDate)
	require.NotNil(t, gu.Fields.FirstName)
	assert.Equal(t, "Ana", *gu.Fields.FirstName)

	_, err = h.run(t, workflows.GuestUpdatedID, gu)
	require.NoError(t, err)
	guest, err := h.store.FindGuest(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Ana", guest.FirstName)
	assert.Equal(t, "Ngata", guest.LastName)
	assert.Equal(t, 1, guest.TotalCheckins)
	assert.Equal(t, "2026-04-01", guest.LastCheckinDate)

	reqs := h.em.Named(api.EventAnalyzeRequested)
	require.Len(t, reqs, 1)
	ar := reqs[0].Data.(*api.AnalyzeRequested)
	assert.Equal(t, entry.ID, ar.RecordID)
	assert.Equal(t, "ana@example.com", ar.GuestEmail)
	assert.Equal(t, api.ConversationCheckin, ar.ConversationType)
}

func TestConversationEnded_ErrorStatusCreatesFailedEntryAndAlerts(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.run(t, workflows.ConversationEndedID, &api.ConversationEnded{
		ConversationID: "conv-2",
		AgentID:        "agent",
		Status:         api.ConversationTimeout,
		Transcript:     "agent: hello?",
	})
	require.NoError(t, err)
	assert.True(t, out.(*workflows.ConversationOutcome).Created)

	entry, err := h.store.FindCheckin(context.Background(), "conv-2")
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisFailed, entry.AnalysisStatus)

	assert.Empty(t, h.em.Named(api.EventAnalyzeRequested))
	assert.Empty(t, h.em.Named(api.EventGuestUpdated))
	alerts := h.em.Named(api.EventStaffAlert)
	require.Len(t, alerts, 1)
	sa := alerts[0].Data.(*api.StaffAlert)
	assert.Equal(t, "Conversation ended with status: timeout", sa.Reason)
	assert.Equal(t, api.SeverityMedium, sa.Severity)
}

func TestConversationEnded_MetadataSelectsConversationType(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.run(t, workflows.ConversationEndedID, &api.ConversationEnded{
		ConversationID: "conv-3",
		AgentID:        "agent",
		Status:         api.ConversationDone,
		Transcript:     "user: do you have rooms in May?",
		Metadata:       map[string]string{"conversation_type": api.ConversationInquiry},
	})
	require.NoError(t, err)

	reqs := h.em.Named(api.EventAnalyzeRequested)
	require.Len(t, reqs, 1)
	assert.Equal(t, api.ConversationInquiry, reqs[0].Data.(*api.AnalyzeRequested).ConversationType)
}

func TestDailyCheckin_CreatesGuestAndCompletesEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	entry := &records.CheckinEntry{ConversationID: "conv-4", GuestEmail: "kai@example.com", AnalysisStatus: records.AnalysisProcessing}
	require.NoError(t, h.store.CreateCheckin(ctx, entry))

	_, err := h.run(t, workflows.DailyCheckinID, &api.DailyCheckinCompleted{
		RecordID:   entry.ID,
		GuestEmail: "kai@example.com",
		GuestName:  "Kai Te Rangi",
		Summary:    "Energised after yoga",
	})
	require.NoError(t, err)

	guest, err := h.store.FindGuest(ctx, "kai@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Kai", guest.FirstName)
	assert.Equal(t, "Te Rangi", guest.LastName)
	assert.Equal(t, "[2026-04-01] Check-in: Energised after yoga", guest.Notes)

	got, err := h.store.GetCheckin(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisCompleted, got.AnalysisStatus)
}

func TestBookingInquiry_SoonArrivalIsHighAndAssignedToReservations(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.run(t, workflows.BookingInquiryID, &api.BookingInquiry{
		GuestName:     "Mere Smith",
		GuestEmail:    "mere@example.com",
		ArrivalDate:   "2026-04-05",
		DepartureDate: "2026-04-08",
		RoomType:      "Deluxe",
	})
	require.NoError(t, err)
	res := out.(*workflows.InquiryOutcome)
	assert.Equal(t, 1, res.AvailableRooms)
	assert.True(t, res.GuestCreated)
	assert.Equal(t, api.SeverityHigh, res.Severity)

	alerts := h.em.Named(api.EventStaffAlert)
	require.Len(t, alerts, 1)
	sa := alerts[0].Data.(*api.StaffAlert)
	assert.Equal(t, "reservations@lumi.test", sa.AssignedTo)
	assert.Equal(t, "New booking inquiry from Mere Smith. 1 rooms available.", sa.Reason)

	emails := h.em.Named(api.EventSendEmail)
	require.Len(t, emails, 1)
	se := emails[0].Data.(*api.SendEmail)
	assert.Equal(t, "booking_inquiry_confirmation", se.Template)
	assert.Contains(t, se.Body, "Dear Mere,")
	assert.Contains(t, se.Body, "We have availability")

	guest, err := h.store.FindGuest(context.Background(), "mere@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"Deluxe"}, guest.RoomPreferences)
	assert.Contains(t, guest.Notes, "Inquiry: 2026-04-05 to 2026-04-08")
}

func TestBookingInquiry_DistantUnavailableIsMedium(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.run(t, workflows.BookingInquiryID, &api.BookingInquiry{
		GuestName:     "Mere Smith",
		GuestEmail:    "mere@example.com",
		ArrivalDate:   "2026-09-01",
		DepartureDate: "2026-09-04",
		RoomType:      "Villa",
	})
	require.NoError(t, err)
	assert.Equal(t, api.SeverityMedium, out.(*workflows.InquiryOutcome).Severity)

	se := h.em.Named(api.EventSendEmail)[0].Data.(*api.SendEmail)
	assert.Contains(t, se.Body, "may not be available")
}

func TestTreatmentRequested_AlertsReservationsAndConfirms(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.run(t, workflows.TreatmentRequestID, &api.TreatmentRequested{
		TreatmentID:   "tr-deep-tissue",
		TreatmentName: "Deep Tissue Massage",
		GuestEmail:    "ana@example.com",
		GuestName:     "Ana Ngata",
		PreferredDate: "2026-04-03",
		PreferredTime: "2pm",
	})
	require.NoError(t, err)

	sa := h.em.Named(api.EventStaffAlert)[0].Data.(*api.StaffAlert)
	assert.Equal(t, "reservations@lumi.test", sa.AssignedTo)
	assert.Contains(t, sa.Reason, "Deep Tissue Massage for Ana Ngata (preferred 2026-04-03 around 2pm)")

	se := h.em.Named(api.EventSendEmail)[0].Data.(*api.SendEmail)
	assert.Equal(t, "ana@example.com", se.To)
	assert.Contains(t, se.Body, "Dear Ana,")
}

func TestGuestUpdated_CheckinSourceCannotChangeAllergies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateGuest(ctx, &records.Guest{Email: "ana@example.com", Allergies: []string{"peanuts"}}))

	out, err := h.run(t, workflows.GuestUpdatedID, &api.GuestUpdated{
		GuestEmail: "ana@example.com",
		Source:     api.SourceAIKnowledge,
		Fields: api.ProfileUpdate{
			Allergies:     []string{"none"},
			WellnessGoals: []string{"mobility"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wellness_goals"}, out.(*workflows.SyncOutcome).FieldsChanged)

	guest, err := h.store.FindGuest(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"peanuts"}, guest.Allergies)
	assert.Equal(t, []string{"mobility"}, guest.WellnessGoals)
}

func TestProfileEnrichment_SplitsByTrust(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateGuest(ctx, &records.Guest{Email: "ana@example.com"}))

	out, err := h.run(t, workflows.ProfileEnrichmentID, &api.ProfileEnriched{
		GuestEmail:         "ana@example.com",
		DietaryPreferences: []string{"vegan"},
		WellnessGoals:      []string{"sleep better"},
		SleepPatterns:      "poor",
		StressIndicators:   "high",
	})
	require.NoError(t, err)
	assert.True(t, out.(*workflows.SyncOutcome).Found)

	guest, err := h.store.FindGuest(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"vegan"}, guest.DietaryRestrictions)
	assert.Equal(t, []string{"sleep better"}, guest.WellnessGoals)
	assert.Equal(t, "[2026-04-01] Sleep: poor. Stress: high", guest.Notes)
}

func TestProfileEnrichment_UnknownGuestIsSkipped(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.run(t, workflows.ProfileEnrichmentID, &api.ProfileEnriched{
		GuestEmail:    "ghost@example.com",
		WellnessGoals: []string{"rest"},
	})

	require.NoError(t, err)
	assert.False(t, out.(*workflows.SyncOutcome).Found)
}

func TestStaffAlert_ReplayDoesNotResend(t *testing.T) {
	h := newHarness(t, nil)
	def := h.defs[workflows.StaffAlertID]
	run := workflowtest.NewRun(workflows.StaffAlertID, &api.StaffAlert{RecordID: "r1", Reason: "Guest unwell", Severity: api.SeverityUrgent})

	out, err := workflowtest.Attempt(context.Background(), run, def.Fn, h.em)
	require.NoError(t, err)
	assert.Equal(t, 3, out.(*workflows.AlertOutcome).RecipientsNotified)

	_, err = workflowtest.Attempt(context.Background(), run, def.Fn, h.em)
	require.NoError(t, err)
	assert.Len(t, h.mailer.messages(), 3)
}

func TestStaffAlert_AllSendsFailingIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	h.mailer.err = errors.New("provider down")

	_, err := h.run(t, workflows.StaffAlertID, &api.StaffAlert{RecordID: "r1", Reason: "x", Severity: api.SeverityLow})

	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))
}

func TestStaffAlert_FailedSendIsStillAudited(t *testing.T) {
	var buf bytes.Buffer
	mailer := &fakeMailer{err: errors.New("provider down")}
	set, err := workflows.New(workflows.Deps{
		Records:   records.NewMemoryStore(),
		Mailer:    mailer,
		Extractor: analysis.ExtractorFunc(func(context.Context, analysis.Request) (*analysis.Analysis, error) { return &analysis.Analysis{}, nil }),
		Alerts: alert.New(mailer, alert.Config{Base: []string{"alerts@lumi.test"}, Manager: []string{"manager@lumi.test"}},
			alert.WithAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))),
	})
	require.NoError(t, err)
	var def api.HandlerDefinition
	for _, d := range set.Definitions() {
		if d.ID == workflows.StaffAlertID {
			def = d
		}
	}

	run := workflowtest.NewRun(workflows.StaffAlertID, &api.StaffAlert{RecordID: "r7", Reason: "Guest fainted", Severity: api.SeverityUrgent})
	_, err = workflowtest.Attempt(context.Background(), run, def.Fn, &workflowtest.Emitter{})

	require.ErrorIs(t, err, alert.ErrAllSendsFailed)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "r7", entry["record_id"])
	assert.Equal(t, "urgent", entry["severity"])
	assert.EqualValues(t, 0, entry["delivered"])
	assert.Contains(t, entry["error"], "provider down")
}

func TestSendEmail_UsesMailer(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.run(t, workflows.SendEmailID, &api.SendEmail{To: "ana@example.com", Subject: "Hi", Body: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "email-ana@example.com", out.(map[string]string)["email_id"])

	msgs := h.mailer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, workflows.DefaultFrom, msgs[0].From)
	assert.Equal(t, "default", msgs[0].Tags["template"])
}

func TestBatchSync_EmitsEnrichmentForCompletedEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	insights, err := json.Marshal(analysis.Insights{
		Summary:            "ok",
		WellnessIndicators: analysis.WellnessIndicators{SleepQuality: "good", StressLevel: analysis.NotMentioned},
		Goals:              []string{"strength"},
	})
	require.NoError(t, err)

	done := &records.CheckinEntry{ConversationID: "c1", GuestEmail: "ana@example.com", AnalysisStatus: records.AnalysisCompleted, Insights: string(insights)}
	noEmail := &records.CheckinEntry{ConversationID: "c2", AnalysisStatus: records.AnalysisCompleted, Insights: string(insights)}
	pending := &records.CheckinEntry{ConversationID: "c3", GuestEmail: "kai@example.com"}
	for _, e := range []*records.CheckinEntry{done, noEmail, pending} {
		require.NoError(t, h.store.CreateCheckin(ctx, e))
	}

	out, err := h.run(t, workflows.BatchSyncID, &api.BatchSyncCheckins{Since: "2020-01-01"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]int)["synced_count"])

	enriched := h.em.Named(api.EventProfileEnriched)
	require.Len(t, enriched, 1)
	pe := enriched[0].Data.(*api.ProfileEnriched)
	assert.Equal(t, "ana@example.com", pe.GuestEmail)
	assert.Equal(t, "good", pe.SleepPatterns)
	assert.Empty(t, pe.StressIndicators)
}

// TestEngine_ConversationFlowsThroughAnalysis wires every handler into an
// in-memory engine and follows one conversation to completion.
func TestEngine_ConversationFlowsThroughAnalysis(t *testing.T) {
	h := newHarness(t, analysis.ExtractorFunc(func(context.Context, analysis.Request) (*analysis.Analysis, error) {
		return &analysis.Analysis{
			Summary:        "Slept well, keen on pilates.",
			Sentiment:      analysis.SentimentPositive,
			ExtractedGoals: []string{"pilates"},
			DietaryNotes:   []string{"dairy-free"},
		}, nil
	}))
	ctx := context.Background()
	q := taskqueue.NewInMemoryQueue(0)
	eng := engine.NewInMemoryEngine(q)
	require.NoError(t, h.set.Register(eng))

	entry := &records.CheckinEntry{ConversationID: "conv-e2e", GuestEmail: "ana@example.com", FirstName: "Ana", LastName: "Ngata"}
	require.NoError(t, h.store.CreateCheckin(ctx, entry))

	_, err := eng.Emit(ctx, api.NewEnvelope(&api.ConversationEnded{
		ConversationID: "conv-e2e",
		AgentID:        "agent",
		Status:         api.ConversationDone,
		Transcript:     "user: slept well",
	}))
	require.NoError(t, err)

	for q.Len() > 0 {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		task, err := q.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		_, err = eng.Execute(ctx, task.RunID)
		require.NoError(t, err)
	}

	runs, err := eng.ListRuns(ctx, api.RunFilter{})
	require.NoError(t, err)
	byHandler := make(map[string]api.Status)
	for _, r := range runs {
		byHandler[r.HandlerID] = r.Status
	}
	assert.Equal(t, api.StatusSucceeded, byHandler[workflows.ConversationEndedID])
	assert.Equal(t, api.StatusSucceeded, byHandler[workflows.GuestUpdatedID])
	assert.Equal(t, api.StatusSucceeded, byHandler[analysis.HandlerID])
	assert.Equal(t, api.StatusSucceeded, byHandler[workflows.ProfileEnrichmentID])
	assert.Equal(t, api.StatusSucceeded, byHandler[workflows.DailyCheckinID])

	got, err := h.store.GetCheckin(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, records.AnalysisCompleted, got.AnalysisStatus)

	guest, err := h.store.FindGuest(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, guest.TotalCheckins)
	assert.Equal(t, []string{"pilates"}, guest.WellnessGoals)
	assert.Equal(t, []string{"dairy-free"}, guest.DietaryRestrictions)
	assert.Contains(t, guest.Notes, "Check-in: Slept well, keen on pilates.")
}

// slowGuestStore widens the window between reading and writing a profile.
type slowGuestStore struct {
	*records.MemoryStore
	delay time.Duration
}

func (s *slowGuestStore) UpdateGuest(ctx context.Context, g *records.Guest) error {
	time.Sleep(s.delay)
	return s.MemoryStore.UpdateGuest(ctx, g)
}

func TestEngine_GuestWritesAreSerializedAcrossWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mem := records.NewMemoryStore()
	store := &slowGuestStore{MemoryStore: mem, delay: 100 * time.Millisecond}
	require.NoError(t, mem.CreateGuest(ctx, &records.Guest{Email: "ana@example.com"}))
	require.NoError(t, mem.CreateCheckin(ctx, &records.CheckinEntry{ConversationID: "conv-race", GuestEmail: "ana@example.com"}))

	set, err := workflows.New(workflows.Deps{
		Records: store,
		Mailer:  &fakeMailer{},
		Extractor: analysis.ExtractorFunc(func(context.Context, analysis.Request) (*analysis.Analysis, error) {
			return nil, errors.New("not expected")
		}),
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	q := taskqueue.NewInMemoryQueue(0)
	eng := engine.NewInMemoryEngine(q)
	require.NoError(t, set.Register(eng))

	_, err = eng.Emit(ctx, api.NewEnvelope(&api.ConversationEnded{ConversationID: "conv-race", AgentID: "agent", Status: api.ConversationDone}))
	require.NoError(t, err)
	_, err = eng.Emit(ctx, api.NewEnvelope(&api.ProfileEnriched{GuestEmail: "ana@example.com", WellnessGoals: []string{"sleep better"}}))
	require.NoError(t, err)

	wctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.NewWithConfig(eng, q, worker.Config{Concurrency: 2}).Run(wctx) }()

	require.Eventually(t, func() bool {
		runs, err := eng.ListRuns(ctx, api.RunFilter{Status: api.StatusSucceeded})
		return err == nil && len(runs) == 3
	}, 5*time.Second, 20*time.Millisecond)
	stop()
	require.NoError(t, <-done)

	guest, err := mem.FindGuest(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, guest.TotalCheckins)
	assert.Equal(t, []string{"sleep better"}, guest.WellnessGoals)
}
