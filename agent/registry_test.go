package agent

import (
	"errors"
	"testing"
)

func testDef(id string) *Definition {
	return &Definition{
		ID:       id,
		Category: CategoryContent,
		Version:  "1.0",
		Input: Contract{
			"topic": {Type: TypeString, Required: true},
		},
		Output: Contract{
			"body": {Type: TypeString, Required: true},
		},
		Resources: Resources{MaxRuntimeSeconds: 60, MaxTokens: 4096, MaxMemoryMB: 256},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDef("writer")); err != nil {
		t.Fatalf("register: %v", err)
	}

	d, err := r.Get("writer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Category != CategoryContent {
		t.Errorf("wrong category: %s", d.Category)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"empty id", func(d *Definition) { d.ID = "" }},
		{"bad category", func(d *Definition) { d.Category = "alchemy" }},
		{"zero runtime", func(d *Definition) { d.Resources.MaxRuntimeSeconds = 0 }},
		{"negative memory", func(d *Definition) { d.Resources.MaxMemoryMB = -1 }},
		{"bad field type", func(d *Definition) { d.Input["topic"] = Field{Type: "tuple"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDef("x")
			tt.mutate(d)
			if err := NewRegistry().Register(d); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDuplicateID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testDef("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testDef("a")); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestLoadYAML(t *testing.T) {
	catalog := `
agents:
  - id: crawler
    category: ingestion
    version: "2.1"
    input:
      url: {type: string, required: true}
    output:
      documents: {type: list, required: true}
    capabilities:
      async_safe: true
    resources:
      max_runtime_seconds: 120
      max_tokens: 8192
      max_memory_mb: 512
  - id: summarizer
    category: content
    version: "1.0"
    input:
      documents: {type: list, required: true}
    output:
      summary: {type: string, required: true}
    resources:
      max_runtime_seconds: 60
      max_tokens: 4096
      max_memory_mb: 256
`
	r := NewRegistry()
	if err := r.Load([]byte(catalog)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(r.List()); got != 2 {
		t.Fatalf("expected 2 agents, got %d", got)
	}
	d, err := r.Get("crawler")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Capabilities.AsyncSafe {
		t.Error("async_safe flag lost in load")
	}
	if d.Input["url"].Type != TypeString || !d.Input["url"].Required {
		t.Errorf("input contract lost in load: %+v", d.Input)
	}
}

func TestContractValidate(t *testing.T) {
	c := Contract{
		"topic": {Type: TypeString, Required: true},
		"count": {Type: TypeNumber},
		"tags":  {Type: TypeList},
		"meta":  {Type: TypeObject},
		"draft": {Type: TypeBoolean},
	}

	ok := map[string]any{
		"topic": "go",
		"count": 3,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"k": "v"},
		"draft": true,
		"extra": struct{}{}, // not in the contract, ignored
	}
	if err := c.Validate("t", ok); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	// float64 from JSON decoding counts as number.
	if err := c.Validate("t", map[string]any{"topic": "x", "count": 2.0}); err != nil {
		t.Errorf("float64 number rejected: %v", err)
	}

	var verr *ViolationError
	if err := c.Validate("t", map[string]any{}); err == nil {
		t.Error("missing required field accepted")
	} else if !errors.As(err, &verr) {
		t.Errorf("expected ViolationError, got %T", err)
	}

	if err := c.Validate("t", map[string]any{"topic": 42}); err == nil {
		t.Error("wrong type accepted")
	}
}

func TestContractProject(t *testing.T) {
	c := Contract{"a": {Type: TypeString}, "b": {Type: TypeNumber}}
	got := c.Project(map[string]any{"a": "x", "b": 1, "c": "dropped"})
	if len(got) != 2 || got["a"] != "x" {
		t.Errorf("unexpected projection: %v", got)
	}
}

func TestHandlerBinding(t *testing.T) {
	r := NewRegistry()
	if err := r.Bind("ghost", HandlerFunc(nil)); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("bind to unregistered agent should fail, got %v", err)
	}
	if err := r.Register(testDef("writer")); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("writer", HandlerFunc(nil)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := r.Handler("writer"); err != nil {
		t.Errorf("handler lookup: %v", err)
	}
}
