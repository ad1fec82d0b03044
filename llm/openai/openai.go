// Package openai adapts the OpenAI chat-completions API to the
// llm.Provider interface.
package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loomhq/loom/llm"
)

var defaultModels = map[string]string{
	llm.ModelFast:  "gpt-4o-mini",
	llm.ModelSmart: "gpt-4o",
	llm.ModelCode:  "gpt-4o",
}

// Provider implements llm.Provider for OpenAI.
type Provider struct {
	client openaisdk.Client
	models map[string]string
}

// New creates a Provider. The models map overrides the default symbolic
// mapping; nil keeps the defaults.
func New(apiKey string, models map[string]string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if models == nil {
		models = defaultModels
	}
	return &Provider{
		client: openaisdk.NewClient(option.WithAPIKey(apiKey)),
		models: models,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai" }

// Resolve implements llm.Provider.
func (p *Provider) Resolve(symbolic string) (string, bool) {
	m, ok := p.models[symbolic]
	return m, ok
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, model, prompt string, params llm.Params) (llm.Response, error) {
	req := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
	}
	if params.Temperature > 0 {
		req.Temperature = openaisdk.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = openaisdk.Int(int64(params.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return llm.Response{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("OpenAI returned no choices")
	}
	return llm.Response{
		Text:   resp.Choices[0].Message.Content,
		Tokens: int(resp.Usage.TotalTokens),
	}, nil
}
