// Package analysis turns conversation transcripts into structured wellness
// insights and the follow-up events they imply.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// HandlerID names the analysis handler.
const HandlerID = "analyze-conversation"

// DefaultExtractTimeout bounds a single extractor call.
const DefaultExtractTimeout = 25 * time.Second

// Request is the input to an Extractor.
type Request struct {
	ConversationType string
	Transcript       string
}

// Extractor calls a language model and returns a validated Analysis.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Analysis, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, req Request) (*Analysis, error)

func (f ExtractorFunc) Extract(ctx context.Context, req Request) (*Analysis, error) {
	return f(ctx, req)
}

// Result is the outcome recorded on a successful analysis run.
type Result struct {
	RecordID          string
	Summary           string
	Sentiment         string
	RequiresAttention bool
	EventsTriggered   []string
}

// Pipeline analyses a check-in entry and emits its follow-ups.
type Pipeline struct {
	store     records.Store
	extractor Extractor
	timeout   time.Duration
}

// NewPipeline returns a Pipeline. A timeout <= 0 means DefaultExtractTimeout.
func NewPipeline(store records.Store, extractor Extractor, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	return &Pipeline{store: store, extractor: extractor, timeout: timeout}
}

// Definition registers the pipeline for analyze requests.
func (p *Pipeline) Definition() api.HandlerDefinition {
	return api.HandlerDefinition{
		ID:    HandlerID,
		Event: api.EventAnalyzeRequested,
		Retry: api.DefaultRetry(2),
		Fn:    p.Handle,
	}
}

// Handle runs the pipeline for one analyze request. The entry moves from
// pending to processing, then to completed or, once the run gives up,
// failed.
func (p *Pipeline) Handle(w *api.Workflow, env api.Envelope) (any, error) {
	req, err := api.PayloadAs[api.AnalyzeRequested](env)
	if err != nil {
		return nil, err
	}

	entry, err := api.Step(w, "mark-processing", func(ctx context.Context) (records.CheckinEntry, error) {
		status := records.AnalysisProcessing
		e, err := p.store.UpdateCheckin(ctx, req.RecordID, records.CheckinPatch{AnalysisStatus: &status})
		if errors.Is(err, records.ErrNotFound) {
			return records.CheckinEntry{}, api.NonRetryable(fmt.Errorf("check-in entry %s: %w", req.RecordID, err))
		}
		if err != nil {
			return records.CheckinEntry{}, err
		}
		return *e, nil
	})
	if err != nil {
		return nil, err
	}

	res, err := p.analyze(w, req, entry)
	if err != nil {
		// A retried run keeps the entry in processing.
		if w.Final(err) {
			p.markFailed(w, req.RecordID, err)
		}
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) analyze(w *api.Workflow, req *api.AnalyzeRequested, entry records.CheckinEntry) (*Result, error) {
	a, err := api.Step(w, "analyze-transcript", func(ctx context.Context) (Analysis, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		out, err := p.extractor.Extract(ctx, Request{
			ConversationType: req.ConversationType,
			Transcript:       req.Transcript,
		})
		if err != nil {
			return Analysis{}, fmt.Errorf("extract: %w", err)
		}
		return *out, nil
	})
	if err != nil {
		return nil, err
	}

	err = api.Do(w, "save-analysis", func(ctx context.Context) error {
		insights, err := json.Marshal(a.Insights())
		if err != nil {
			return api.NonRetryable(err)
		}
		var (
			ins     = string(insights)
			sent    = a.Sentiment
			actions = strings.Join(a.ActionItems, "; ")
			status  = records.AnalysisCompleted
		)
		_, err = p.store.UpdateCheckin(ctx, req.RecordID, records.CheckinPatch{
			Insights:       &ins,
			Sentiment:      &sent,
			ActionItems:    &actions,
			AnalysisStatus: &status,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	followUps := FollowUps(req, entry, &a)
	if len(followUps) > 0 {
		if _, err := w.SendEvent("emit-follow-ups", followUps...); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(followUps))
	for _, env := range followUps {
		names = append(names, string(env.Name))
	}
	return &Result{
		RecordID:          req.RecordID,
		Summary:           a.Summary,
		Sentiment:         a.Sentiment,
		RequiresAttention: a.RequiresAttention,
		EventsTriggered:   names,
	}, nil
}

// markFailed is best effort; the original error is what the run reports.
func (p *Pipeline) markFailed(w *api.Workflow, recordID string, cause error) {
	ctx := context.WithoutCancel(w.Context())
	status := records.AnalysisFailed
	if _, err := p.store.UpdateCheckin(ctx, recordID, records.CheckinPatch{AnalysisStatus: &status}); err != nil {
		w.Logger().WarnContext(ctx, "analysis_mark_failed",
			slog.String("record_id", recordID),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
	}
}

// FollowUps derives the envelopes implied by an analysis.
func FollowUps(req *api.AnalyzeRequested, entry records.CheckinEntry, a *Analysis) []api.Envelope {
	var out []api.Envelope
	email := req.GuestEmail
	if email == "" {
		email = entry.GuestEmail
	}

	if a.RequiresAttention {
		reason := a.AttentionReason
		if reason == "" {
			reason = "Conversation flagged for review"
		}
		sev := api.SeverityMedium
		if a.Sentiment == SentimentNegative {
			sev = api.SeverityHigh
		}
		out = append(out, api.NewEnvelope(&api.StaffAlert{
			RecordID:   req.RecordID,
			Reason:     reason,
			Severity:   sev,
			GuestEmail: email,
		}))
	}

	if email != "" && (len(a.PreferencesMentioned) > 0 || len(a.DietaryNotes) > 0 || len(a.ExtractedGoals) > 0) {
		out = append(out, api.NewEnvelope(&api.ProfileEnriched{
			GuestEmail:           email,
			DietaryPreferences:   a.DietaryNotes,
			WellnessGoals:        a.ExtractedGoals,
			SleepPatterns:        mentioned(a.WellnessIndicators.SleepQuality),
			StressIndicators:     mentioned(a.WellnessIndicators.StressLevel),
			PreferencesMentioned: a.PreferencesMentioned,
		}))
	}

	// The completion event is keyed by guest, so it needs an email.
	if req.ConversationType == api.ConversationCheckin && a.Sentiment != SentimentNegative && email != "" {
		out = append(out, api.NewEnvelope(&api.DailyCheckinCompleted{
			RecordID:   req.RecordID,
			GuestEmail: email,
			GuestName:  entry.GuestName(),
			Summary:    a.Summary,
		}))
	}
	return out
}

func mentioned(v string) string {
	if v == NotMentioned {
		return ""
	}
	return v
}
