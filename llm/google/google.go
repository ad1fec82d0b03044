// Package google adapts the Gemini API to the llm.Provider interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/loomhq/loom/llm"
)

var defaultModels = map[string]string{
	llm.ModelFast:  "gemini-2.0-flash",
	llm.ModelSmart: "gemini-1.5-pro",
	llm.ModelCode:  "gemini-1.5-pro",
}

// Provider implements llm.Provider for Google's Gemini models.
//
// The genai client wants a context at construction, so the connection is
// established lazily on first Generate and reused afterwards.
type Provider struct {
	apiKey string
	models map[string]string

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The models map overrides the default symbolic
// mapping; nil keeps the defaults.
func New(apiKey string, models map[string]string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if models == nil {
		models = defaultModels
	}
	return &Provider{apiKey: apiKey, models: models}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "google" }

// Resolve implements llm.Provider.
func (p *Provider) Resolve(symbolic string) (string, bool) {
	m, ok := p.models[symbolic]
	return m, ok
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, model, prompt string, params llm.Params) (llm.Response, error) {
	p.mu.Lock()
	if p.client == nil {
		client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
		if err != nil {
			p.mu.Unlock()
			return llm.Response{}, fmt.Errorf("google client: %w", err)
		}
		p.client = client
	}
	client := p.client
	p.mu.Unlock()

	m := client.GenerativeModel(model)
	if params.Temperature > 0 {
		m.SetTemperature(float32(params.Temperature))
	}
	if params.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(params.MaxTokens))
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return llm.Response{}, fmt.Errorf("google API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Response{}, errors.New("google returned no candidates")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			if text != "" {
				text += "\n"
			}
			text += string(t)
		}
	}
	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return llm.Response{Text: text, Tokens: tokens}, nil
}
