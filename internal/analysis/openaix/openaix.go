// Package openaix extracts conversation analyses with the OpenAI Chat
// Completions API using strict JSON schema output.
package openaix

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/pkg/api"
)

// Options configure the extractor.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Extractor implements analysis.Extractor.
type Extractor struct {
	client *openai.Client
	opts   Options
}

// New creates an Extractor authenticated with apiKey.
func New(apiKey string, optFns ...func(o *Options)) (*Extractor, error) {
	if apiKey == "" {
		return nil, &api.ConfigError{Key: "OPENAI_API_KEY", Reason: "is not set"}
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewFromClient(&client, optFns...), nil
}

// NewFromClient creates an Extractor from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Extractor {
	opts := Options{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.2,
		MaxTokens:   2048,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Extractor{client: client, opts: opts}
}

// Extract implements analysis.Extractor.
func (e *Extractor) Extract(ctx context.Context, req analysis.Request) (*analysis.Analysis, error) {
	params := openai.ChatCompletionNewParams{
		Model: e.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(analysis.SystemPrompt(req.ConversationType)),
			openai.UserMessage(analysis.UserPrompt(req.Transcript)),
		},
		Temperature:         openai.Float(e.opts.Temperature),
		MaxCompletionTokens: openai.Int(e.opts.MaxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "conversation_analysis",
					Description: openai.String("Structured wellness analysis of a guest conversation"),
					Schema:      analysis.Schema(),
					Strict:      openai.Bool(true),
				},
			},
		},
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices returned")
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return nil, api.NonRetryable(fmt.Errorf("openai: model refused: %s", msg.Refusal))
	}
	return analysis.Decode([]byte(msg.Content))
}

// classify marks authentication and request errors as fatal. Rate limits
// and server errors stay retryable.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == 401 || code == 403:
			return &api.ConfigError{Key: "OPENAI_API_KEY", Reason: apiErr.Error()}
		case code >= 400 && code < 500 && code != 408 && code != 429:
			return api.NonRetryable(fmt.Errorf("openai api error: %w", err))
		}
	}
	return fmt.Errorf("openai api error: %w", err)
}
