package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockProvider is an in-memory Provider for tests and the offline demo
// workflow. It answers from a script or a function and counts calls.
type MockProvider struct {
	// ProviderName defaults to "mock".
	ProviderName string

	// Respond computes the response when set. Otherwise Script entries are
	// consumed in order, and after the script is exhausted the last entry
	// repeats.
	Respond func(model, prompt string, params Params) (Response, error)

	// Script is a fixed sequence of outcomes.
	Script []MockResult

	// Models overrides the symbolic model map. Nil accepts every symbol,
	// echoing it as the concrete name.
	Models map[string]string

	calls atomic.Int64
	mu    sync.Mutex
	next  int
}

// MockResult is one scripted outcome.
type MockResult struct {
	Response Response
	Err      error
}

// Name implements Provider.
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Resolve implements Provider.
func (m *MockProvider) Resolve(symbolic string) (string, bool) {
	if m.Models == nil {
		return symbolic, true
	}
	concrete, ok := m.Models[symbolic]
	return concrete, ok
}

// Generate implements Provider.
func (m *MockProvider) Generate(_ context.Context, model, prompt string, params Params) (Response, error) {
	m.calls.Add(1)
	if m.Respond != nil {
		return m.Respond(model, prompt, params)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Script) == 0 {
		return Response{Text: "mock:" + prompt, Tokens: len(prompt) / 4}, nil
	}
	i := m.next
	if i >= len(m.Script) {
		i = len(m.Script) - 1
	} else {
		m.next++
	}
	r := m.Script[i]
	return r.Response, r.Err
}

// Calls returns how many times Generate ran.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }
