package workflows

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lumi-retreat/lumi/internal/merge"
	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// existing is the result of looking up a check-in entry.
type existing struct {
	Found bool
	Entry records.CheckinEntry
}

// ConversationOutcome is returned by the conversation-ended handler.
type ConversationOutcome struct {
	RecordID           string
	Created            bool
	ConversationStatus string
	GuestSyncRequested bool
	AnalysisRequested  bool
}

// conversationType reads the type from metadata, defaulting to checkin.
func conversationType(p *api.ConversationEnded) string {
	t := p.Metadata["conversation_type"]
	if slices.Contains([]string{api.ConversationCheckin, api.ConversationInquiry, api.ConversationSupport}, t) {
		return t
	}
	return api.ConversationCheckin
}

func (s *Set) conversationEnded(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.ConversationEnded](env)
	if err != nil {
		return nil, err
	}
	transcript := p.FullTranscript()
	status := records.AnalysisPending
	if p.Status != api.ConversationDone {
		status = records.AnalysisFailed
	}

	found, err := api.Step(w, "find-existing-record", func(ctx context.Context) (existing, error) {
		e, err := s.deps.Records.FindCheckin(ctx, p.ConversationID)
		if errors.Is(err, records.ErrNotFound) {
			return existing{}, nil
		}
		if err != nil {
			return existing{}, err
		}
		return existing{Found: true, Entry: *e}, nil
	})
	if err != nil {
		return nil, err
	}

	var entry records.CheckinEntry
	if !found.Found {
		entry, err = api.Step(w, "create-checkin-entry", func(ctx context.Context) (records.CheckinEntry, error) {
			e := &records.CheckinEntry{
				ConversationID: p.ConversationID,
				Transcript:     transcript,
				AnalysisStatus: status,
				CheckinDate:    s.today(),
			}
			err := s.deps.Records.CreateCheckin(ctx, e)
			if errors.Is(err, records.ErrExists) {
				// The tool endpoint created it after our lookup.
				e, err = s.deps.Records.FindCheckin(ctx, p.ConversationID)
			}
			if err != nil {
				return records.CheckinEntry{}, err
			}
			return *e, nil
		})
	} else {
		entry, err = api.Step(w, "update-with-transcript", func(ctx context.Context) (records.CheckinEntry, error) {
			patch := records.CheckinPatch{Transcript: &transcript, AnalysisStatus: &status}
			if p.Summary != "" {
				patch.Insights = &p.Summary
			}
			e, err := s.deps.Records.UpdateCheckin(ctx, found.Entry.ID, patch)
			if err != nil {
				return records.CheckinEntry{}, err
			}
			return *e, nil
		})
	}
	if err != nil {
		return nil, err
	}

	// Profile writes go through guest.updated so they run under the
	// guest's concurrency key.
	if entry.GuestEmail != "" {
		u := api.ProfileUpdate{IncrementCheckins: 1, LastCheckinDate: s.today()}
		if entry.FirstName != "" {
			u.FirstName = &entry.FirstName
		}
		if entry.LastName != "" {
			u.LastName = &entry.LastName
		}
		_, err = w.SendEvent("sync-to-master-guest", api.NewEnvelope(&api.GuestUpdated{
			GuestEmail: entry.GuestEmail,
			Source:     api.SourceAIKnowledge,
			Fields:     u,
		}))
		if err != nil {
			return nil, err
		}
	}

	out := &ConversationOutcome{
		RecordID:           entry.ID,
		Created:            !found.Found,
		ConversationStatus: p.Status,
		GuestSyncRequested: entry.GuestEmail != "",
	}

	if p.Status == api.ConversationDone && transcript != "" {
		_, err = w.SendEvent("trigger-analysis", api.NewEnvelope(&api.AnalyzeRequested{
			RecordID:         entry.ID,
			Transcript:       transcript,
			GuestEmail:       entry.GuestEmail,
			ConversationType: conversationType(p),
		}))
		if err != nil {
			return nil, err
		}
		out.AnalysisRequested = true
	}

	if p.Status == api.ConversationError || p.Status == api.ConversationTimeout {
		_, err = w.SendEvent("notify-error", api.NewEnvelope(&api.StaffAlert{
			RecordID:   entry.ID,
			Reason:     "Conversation ended with status: " + p.Status,
			Severity:   api.SeverityMedium,
			GuestEmail: entry.GuestEmail,
		}))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Set) dailyCheckinCompleted(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.DailyCheckinCompleted](env)
	if err != nil {
		return nil, err
	}

	_, err = api.Step(w, "update-master-guest", func(ctx context.Context) ([]string, error) {
		u := api.ProfileUpdate{LastCheckinDate: s.today()}
		if p.Summary != "" {
			u.Note = "Check-in: " + p.Summary
		}
		changed, _, err := s.deps.Merger.MergeOrCreate(ctx, p.GuestEmail, p.GuestName, u, merge.TrustCheckin)
		return changed, err
	})
	if err != nil {
		return nil, err
	}

	err = api.Do(w, "mark-completed", func(ctx context.Context) error {
		e, err := s.deps.Records.GetCheckin(ctx, p.RecordID)
		if errors.Is(err, records.ErrNotFound) {
			return api.NonRetryable(fmt.Errorf("check-in entry %s: %w", p.RecordID, err))
		}
		if err != nil {
			return err
		}
		if e.AnalysisStatus == records.AnalysisCompleted {
			return nil
		}
		done := records.AnalysisCompleted
		_, err = s.deps.Records.UpdateCheckin(ctx, p.RecordID, records.CheckinPatch{AnalysisStatus: &done})
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"record_id": p.RecordID}, nil
}
