// Package anthropic adapts the Anthropic Claude API to the llm.Provider
// interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomhq/loom/llm"
)

// defaultModels maps the gateway's symbolic names onto Claude models.
var defaultModels = map[string]string{
	llm.ModelFast:  "claude-3-5-haiku-20241022",
	llm.ModelSmart: "claude-sonnet-4-5-20250929",
	llm.ModelCode:  "claude-sonnet-4-5-20250929",
}

// Provider implements llm.Provider for the Anthropic Messages API.
type Provider struct {
	client anthropicsdk.Client
	models map[string]string
}

// New creates a Provider. The models map overrides the default symbolic
// mapping; nil keeps the defaults.
func New(apiKey string, models map[string]string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if models == nil {
		models = defaultModels
	}
	return &Provider{
		client: anthropicsdk.NewClient(option.WithAPIKey(apiKey)),
		models: models,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Resolve implements llm.Provider.
func (p *Provider) Resolve(symbolic string) (string, bool) {
	m, ok := p.models[symbolic]
	return m, ok
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, model, prompt string, params llm.Params) (llm.Response, error) {
	maxTokens := int64(params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	}
	if params.Temperature > 0 {
		req.Temperature = anthropicsdk.Float(params.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, req)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}
	return llm.Response{
		Text:   text,
		Tokens: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}
