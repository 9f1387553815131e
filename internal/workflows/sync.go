package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/internal/merge"
	"github.com/lumi-retreat/lumi/internal/records"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Batch sync defaults.
const (
	defaultSyncWindow = 7 * 24 * time.Hour
	defaultSyncLimit  = 100
)

// SyncOutcome reports what a profile handler changed.
type SyncOutcome struct {
	GuestEmail    string
	Found         bool
	FieldsChanged []string
}

func (s *Set) guestUpdated(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.GuestUpdated](env)
	if err != nil {
		return nil, err
	}
	trust, err := merge.TrustForSource(p.Source)
	if err != nil {
		return nil, err
	}

	var name []string
	if p.Fields.FirstName != nil {
		name = append(name, *p.Fields.FirstName)
	}
	if p.Fields.LastName != nil {
		name = append(name, *p.Fields.LastName)
	}

	changed, err := api.Step(w, "merge-updates", func(ctx context.Context) ([]string, error) {
		changed, _, err := s.deps.Merger.MergeOrCreate(ctx, p.GuestEmail, strings.Join(name, " "), p.Fields, trust)
		return changed, err
	})
	if err != nil {
		return nil, err
	}
	return &SyncOutcome{GuestEmail: p.GuestEmail, Found: true, FieldsChanged: changed}, nil
}

func (s *Set) profileEnrichment(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.ProfileEnriched](env)
	if err != nil {
		return nil, err
	}
	out := &SyncOutcome{GuestEmail: p.GuestEmail, Found: true}

	apply := func(step string, u api.ProfileUpdate, trust merge.Trust) error {
		res, err := api.Step(w, step, func(ctx context.Context) (SyncOutcome, error) {
			changed, err := s.deps.Merger.MergeUpdate(ctx, p.GuestEmail, u, trust)
			if errors.Is(err, records.ErrNotFound) {
				return SyncOutcome{}, nil
			}
			return SyncOutcome{Found: true, FieldsChanged: changed}, err
		})
		if err != nil {
			return err
		}
		out.Found = out.Found && res.Found
		out.FieldsChanged = append(out.FieldsChanged, res.FieldsChanged...)
		return nil
	}

	if len(p.DietaryPreferences) > 0 {
		err := apply("merge-dietary", api.ProfileUpdate{DietaryRestrictions: p.DietaryPreferences}, merge.TrustRetreat)
		if err != nil {
			return nil, err
		}
	}

	var insights []string
	if p.SleepPatterns != "" {
		insights = append(insights, "Sleep: "+p.SleepPatterns)
	}
	if p.StressIndicators != "" {
		insights = append(insights, "Stress: "+p.StressIndicators)
	}
	if len(p.WellnessGoals) > 0 || len(insights) > 0 {
		err := apply("merge-wellness", api.ProfileUpdate{
			WellnessGoals: p.WellnessGoals,
			Note:          strings.Join(insights, ". "),
		}, merge.TrustCheckin)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type syncCandidate struct {
	RecordID string
	Email    string
	Insights string
}

func (s *Set) batchSyncCheckins(w *api.Workflow, env api.Envelope) (any, error) {
	p, err := api.PayloadAs[api.BatchSyncCheckins](env)
	if err != nil {
		return nil, err
	}

	candidates, err := api.Step(w, "list-completed", func(ctx context.Context) ([]syncCandidate, error) {
		since := s.deps.Now().Add(-defaultSyncWindow)
		if p.Since != "" {
			since, _ = time.Parse(api.DateLayout, p.Since)
		}
		limit := p.Limit
		if limit == 0 {
			limit = defaultSyncLimit
		}
		entries, err := s.deps.Records.ListCheckins(ctx, records.CheckinFilter{
			Status: records.AnalysisCompleted,
			Since:  since,
			Limit:  limit,
		})
		if err != nil {
			return nil, err
		}
		var out []syncCandidate
		for _, e := range entries {
			if e.GuestEmail == "" || e.Insights == "" {
				continue
			}
			out = append(out, syncCandidate{RecordID: e.ID, Email: e.GuestEmail, Insights: e.Insights})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	var envs []api.Envelope
	for _, c := range candidates {
		var ins analysis.Insights
		if err := json.Unmarshal([]byte(c.Insights), &ins); err != nil {
			w.Logger().WarnContext(w.Context(), "batch_sync_bad_insights",
				slog.String("record_id", c.RecordID),
				slog.Any("error", err),
			)
			continue
		}
		pe := &api.ProfileEnriched{
			GuestEmail:           c.Email,
			WellnessGoals:        ins.Goals,
			SleepPatterns:        notMentioned(ins.WellnessIndicators.SleepQuality),
			StressIndicators:     notMentioned(ins.WellnessIndicators.StressLevel),
			PreferencesMentioned: ins.Preferences,
		}
		if pe.Validate() != nil {
			continue
		}
		envs = append(envs, api.NewEnvelope(pe))
	}

	if len(envs) > 0 {
		if _, err := w.SendEvent("emit-enrichments", envs...); err != nil {
			return nil, err
		}
	}
	return map[string]int{"synced_count": len(envs)}, nil
}

func notMentioned(v string) string {
	if v == analysis.NotMentioned {
		return ""
	}
	return v
}
