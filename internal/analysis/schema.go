package analysis

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// Sentiment values.
const (
	SentimentPositive  = "positive"
	SentimentNeutral   = "neutral"
	SentimentConcerned = "concerned"
	SentimentNegative  = "negative"
)

// NotMentioned marks an indicator the guest did not talk about.
const NotMentioned = "not_mentioned"

var (
	sentiments     = []string{SentimentPositive, SentimentNeutral, SentimentConcerned, SentimentNegative}
	sleepQualities = []string{"good", "fair", "poor", NotMentioned}
	stressLevels   = []string{"low", "moderate", "high", NotMentioned}
	energyLevels   = []string{"high", "normal", "low", NotMentioned}
	moods          = []string{"positive", "neutral", "low", NotMentioned}
)

// WellnessIndicators are coarse readings taken from the conversation.
type WellnessIndicators struct {
	SleepQuality string `json:"sleep_quality"`
	StressLevel  string `json:"stress_level"`
	EnergyLevel  string `json:"energy_level"`
	Mood         string `json:"mood"`
}

// Analysis is the structured result extracted from a transcript.
type Analysis struct {
	Summary              string             `json:"summary"`
	Sentiment            string             `json:"sentiment"`
	WellnessIndicators   WellnessIndicators `json:"wellness_indicators"`
	TopicsDiscussed      []string           `json:"topics_discussed"`
	PreferencesMentioned []string           `json:"preferences_mentioned"`
	DietaryNotes         []string           `json:"dietary_notes"`
	ActionItems          []string           `json:"action_items"`
	ExtractedGoals       []string           `json:"extracted_goals"`
	RequiresAttention    bool               `json:"requires_attention"`
	AttentionReason      string             `json:"attention_reason"`
}

// Validate checks the enumerated fields. Empty indicators are accepted
// and read as not mentioned.
func (a *Analysis) Validate() error {
	var v api.Validator
	v.OneOf("sentiment", a.Sentiment, sentiments...)
	check := func(field, value string, allowed []string) {
		if value != "" && !slices.Contains(allowed, value) {
			v.Add(field, fmt.Sprintf("unexpected value %q", value))
		}
	}
	check("wellness_indicators.sleep_quality", a.WellnessIndicators.SleepQuality, sleepQualities)
	check("wellness_indicators.stress_level", a.WellnessIndicators.StressLevel, stressLevels)
	check("wellness_indicators.energy_level", a.WellnessIndicators.EnergyLevel, energyLevels)
	check("wellness_indicators.mood", a.WellnessIndicators.Mood, moods)
	return v.Err()
}

// Insights is the JSON stored on the check-in entry.
type Insights struct {
	Summary            string             `json:"summary"`
	WellnessIndicators WellnessIndicators `json:"wellness_indicators"`
	Topics             []string           `json:"topics"`
	Preferences        []string           `json:"preferences"`
	Goals              []string           `json:"goals,omitempty"`
}

// Insights returns the subset of a persisted with the entry.
func (a *Analysis) Insights() Insights {
	return Insights{
		Summary:            a.Summary,
		WellnessIndicators: a.WellnessIndicators,
		Topics:             a.TopicsDiscussed,
		Preferences:        a.PreferencesMentioned,
		Goals:              a.ExtractedGoals,
	}
}

// Decode parses and validates raw model output. A malformed answer is
// retryable since the next completion may be well formed.
func Decode(raw []byte) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis: %s", err.Error())
	}
	return &a, nil
}

func stringList(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}

func enum(desc string, values []string) map[string]any {
	return map[string]any{
		"type":        "string",
		"enum":        values,
		"description": desc,
	}
}

// Schema returns the JSON schema both extractor backends request. Every
// property is required and no others are allowed, as strict structured
// output demands.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary":   map[string]any{"type": "string", "description": "Brief summary of the conversation (2-3 sentences)"},
			"sentiment": enum("Overall emotional tone", sentiments),
			"wellness_indicators": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sleep_quality": enum("Sleep quality", sleepQualities),
					"stress_level":  enum("Stress level", stressLevels),
					"energy_level":  enum("Energy level", energyLevels),
					"mood":          enum("Mood", moods),
				},
				"required":             []string{"sleep_quality", "stress_level", "energy_level", "mood"},
				"additionalProperties": false,
			},
			"topics_discussed":      stringList("Main topics covered in conversation"),
			"preferences_mentioned": stringList("Any preferences expressed by guest"),
			"dietary_notes":         stringList("Dietary preferences or restrictions mentioned"),
			"action_items":          stringList("Follow-up actions needed"),
			"extracted_goals":       stringList("Wellness goals expressed"),
			"requires_attention":    map[string]any{"type": "boolean", "description": "Whether this needs staff follow-up"},
			"attention_reason":      map[string]any{"type": "string", "description": "Why staff attention is needed, empty when not needed"},
		},
		"required": []string{
			"summary", "sentiment", "wellness_indicators", "topics_discussed",
			"preferences_mentioned", "dietary_notes", "action_items",
			"extracted_goals", "requires_attention", "attention_reason",
		},
		"additionalProperties": false,
	}
}
