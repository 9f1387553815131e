package openaix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/pkg/api"
)

const analysisJSON = `{"summary":"Rested and happy.","sentiment":"positive","wellness_indicators":{"sleep_quality":"good","stress_level":"low","energy_level":"high","mood":"positive"},"topics_discussed":["yoga"],"preferences_mentioned":[],"dietary_notes":[],"action_items":[],"extracted_goals":["flexibility"],"requires_attention":false,"attention_reason":""}`

func newTestExtractor(t *testing.T, h http.HandlerFunc) *Extractor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := openai.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL+"/"),
		option.WithMaxRetries(0),
	)
	return NewFromClient(&client)
}

func TestExtract_RequestsStrictSchema(t *testing.T) {
	var body map[string]any
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		content, _ := json.Marshal(analysisJSON)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":`+string(content)+`}}]}`)
	})

	a, err := e.Extract(context.Background(), analysis.Request{ConversationType: api.ConversationCheckin, Transcript: "user: great day"})
	require.NoError(t, err)
	assert.Equal(t, analysis.SentimentPositive, a.Sentiment)
	assert.Equal(t, []string{"flexibility"}, a.ExtractedGoals)

	rf, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", rf["type"])
	schema := rf["json_schema"].(map[string]any)
	assert.Equal(t, true, schema["strict"])
	assert.Equal(t, "conversation_analysis", schema["name"])
}

func TestExtract_AuthErrorIsConfigError(t *testing.T) {
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := e.Extract(context.Background(), analysis.Request{ConversationType: api.ConversationCheckin, Transcript: "x"})

	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.False(t, api.IsRetryable(err))
}

func TestExtract_ServerErrorIsRetryable(t *testing.T) {
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	})

	_, err := e.Extract(context.Background(), analysis.Request{ConversationType: api.ConversationCheckin, Transcript: "x"})

	require.Error(t, err)
	assert.True(t, api.IsRetryable(err))
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New("")
	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "OPENAI_API_KEY", ce.Key)
}
