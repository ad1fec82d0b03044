package template

import (
	"errors"
	"testing"

	"github.com/loomhq/loom/agent"
)

func testAgents(t *testing.T, ids ...string) *agent.Registry {
	t.Helper()
	r := agent.NewRegistry()
	for _, id := range ids {
		err := r.Register(&agent.Definition{
			ID:        id,
			Category:  agent.CategoryContent,
			Version:   "1.0",
			Resources: agent.Resources{MaxRuntimeSeconds: 60, MaxTokens: 1024, MaxMemoryMB: 128},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestCompileTopoOrder(t *testing.T) {
	agents := testAgents(t, "a1")
	r := NewRegistry(agents)

	// Diamond: A -> {B, C} -> D.
	err := r.Register(&Template{
		ID: "diamond",
		Steps: []Step{
			{ID: "D", AgentID: "a1", DependsOn: []string{"B", "C"}},
			{ID: "B", AgentID: "a1", DependsOn: []string{"A"}},
			{ID: "C", AgentID: "a1", DependsOn: []string{"A"}},
			{ID: "A", AgentID: "a1"},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	c, err := r.Get("diamond")
	if err != nil {
		t.Fatal(err)
	}
	pos := c.TopoIndex
	if pos["A"] > pos["B"] || pos["A"] > pos["C"] || pos["B"] > pos["D"] || pos["C"] > pos["D"] {
		t.Errorf("topological order violates dependencies: %v", c.TopoOrder)
	}
	// Declaration order breaks the B/C tie.
	if pos["B"] > pos["C"] {
		t.Errorf("tie-break should follow declaration order: %v", c.TopoOrder)
	}
	if got := c.Downstream["A"]; len(got) != 2 {
		t.Errorf("downstream of A: %v", got)
	}
}

func TestCompileCycleFails(t *testing.T) {
	r := NewRegistry(testAgents(t, "a1"))
	err := r.Register(&Template{
		ID: "loop",
		Steps: []Step{
			{ID: "A", AgentID: "a1", DependsOn: []string{"B"}},
			{ID: "B", AgentID: "a1", DependsOn: []string{"A"}},
		},
	})
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
}

func TestCompileValidation(t *testing.T) {
	agents := testAgents(t, "a1")
	tests := []struct {
		name string
		tpl  *Template
	}{
		{"no steps", &Template{ID: "empty"}},
		{"unknown agent", &Template{ID: "x", Steps: []Step{{ID: "A", AgentID: "ghost"}}}},
		{"unknown dependency", &Template{ID: "x", Steps: []Step{
			{ID: "A", AgentID: "a1", DependsOn: []string{"Z"}},
		}}},
		{"self dependency", &Template{ID: "x", Steps: []Step{
			{ID: "A", AgentID: "a1", DependsOn: []string{"A"}},
		}}},
		{"duplicate step", &Template{ID: "x", Steps: []Step{
			{ID: "A", AgentID: "a1"}, {ID: "A", AgentID: "a1"},
		}}},
		{"bad entry input type", &Template{ID: "x",
			Steps:       []Step{{ID: "A", AgentID: "a1"}},
			EntryInputs: agent.Contract{"topic": {Type: "blob"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cerr *CompileError
			if err := NewRegistry(agents).Register(tt.tpl); !errors.As(err, &cerr) {
				t.Errorf("expected CompileError, got %v", err)
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry(testAgents(t, "a1"))
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckpointBoundaries(t *testing.T) {
	r := NewRegistry(testAgents(t, "a1"))
	off := false
	on := true
	err := r.Register(&Template{
		ID:              "cps",
		CheckpointEvery: &off,
		Steps: []Step{
			{ID: "A", AgentID: "a1"},
			{ID: "B", AgentID: "a1", DependsOn: []string{"A"}, Checkpoint: &on},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := r.Get("cps")
	if c.CheckpointAfter("A") {
		t.Error("template default off should suppress checkpoint for A")
	}
	if !c.CheckpointAfter("B") {
		t.Error("per-step override should force checkpoint for B")
	}

	// Default when nothing is set is every step.
	if err := r.Register(&Template{ID: "dflt", Steps: []Step{{ID: "A", AgentID: "a1"}}}); err != nil {
		t.Fatal(err)
	}
	d, _ := r.Get("dflt")
	if !d.CheckpointAfter("A") {
		t.Error("default should checkpoint every step")
	}
}
