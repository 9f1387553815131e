// Package anthropicx extracts conversation analyses with the Anthropic
// Messages API by forcing a single tool call whose input is the analysis.
package anthropicx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/lumi-retreat/lumi/internal/analysis"
	"github.com/lumi-retreat/lumi/pkg/api"
)

const toolName = "record_conversation_analysis"

// Options configure the extractor.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
}

// Extractor implements analysis.Extractor.
type Extractor struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   2048,
	}
}

// New creates an Extractor authenticated with apiKey.
func New(apiKey string, optFns ...func(o *Options)) (*Extractor, error) {
	if apiKey == "" {
		return nil, &api.ConfigError{Key: "ANTHROPIC_API_KEY", Reason: "is not set"}
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewFromClient(&client, optFns...), nil
}

// NewFromClient creates an Extractor from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Extractor {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Extractor{client: client, opts: opts}
}

func analysisTool() anthropic.ToolUnionParam {
	schema := analysis.Schema()
	input := anthropic.ToolInputSchemaParam{
		Type:       constant.Object("object"),
		Properties: schema["properties"],
	}
	if req, ok := schema["required"].([]string); ok {
		input.Required = req
	}
	return anthropic.ToolUnionParamOfTool(input, toolName)
}

// Extract implements analysis.Extractor.
func (e *Extractor) Extract(ctx context.Context, req analysis.Request) (*analysis.Analysis, error) {
	params := anthropic.MessageNewParams{
		Model:       e.opts.Model,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: anthropic.Float(e.opts.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: analysis.SystemPrompt(req.ConversationType)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(analysis.UserPrompt(req.Transcript))),
		},
		Tools:      []anthropic.ToolUnionParam{analysisTool()},
		ToolChoice: anthropic.ToolChoiceParamOfTool(toolName),
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		tool := block.AsToolUse()
		if tool.Name != toolName {
			continue
		}
		raw, err := json.Marshal(tool.Input)
		if err != nil {
			return nil, fmt.Errorf("anthropic: encode tool input: %w", err)
		}
		return analysis.Decode(raw)
	}
	return nil, fmt.Errorf("anthropic: response has no %s tool call (stop reason %q)", toolName, resp.StopReason)
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == 401 || code == 403:
			return &api.ConfigError{Key: "ANTHROPIC_API_KEY", Reason: apiErr.Error()}
		case code >= 400 && code < 500 && code != 408 && code != 429:
			return api.NonRetryable(fmt.Errorf("anthropic api error: %w", err))
		}
	}
	return fmt.Errorf("anthropic api error: %w", err)
}
