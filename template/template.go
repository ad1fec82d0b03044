// Package template defines workflow templates: named DAGs of agent steps
// with a typed entry-input schema, compiled and cached at load time.
package template

import (
	"errors"
	"fmt"

	"github.com/loomhq/loom/agent"
)

// ErrNotFound is returned when a workflow id does not resolve.
var ErrNotFound = errors.New("workflow template not found")

// CompileError reports a template that failed load-time validation. It is
// fatal: the registry rejects the template until the source is corrected.
type CompileError struct {
	TemplateID string
	Message    string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("template %s: %s", e.TemplateID, e.Message)
}

// Step is one agent invocation inside a template.
type Step struct {
	ID      string         `yaml:"id" json:"id"`
	AgentID string         `yaml:"agent" json:"agent"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	// DependsOn lists step ids that must complete before this one runs.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Checkpoint overrides the template default for writing a checkpoint
	// after this step. Nil inherits the template default.
	Checkpoint *bool `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
}

// Template is an immutable workflow definition.
type Template struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
	// EntryInputs is the schema submissions are validated against.
	EntryInputs agent.Contract `yaml:"entry_inputs" json:"entry_inputs"`
	// CheckpointEvery controls the default checkpoint boundary. True (the
	// default when omitted in YAML) writes a checkpoint after every step.
	CheckpointEvery *bool `yaml:"checkpoint_every,omitempty" json:"checkpoint_every,omitempty"`
}

// Compiled is a template plus the derived execution structures the
// scheduler needs: topological order, per-step position, and adjacency.
type Compiled struct {
	*Template

	// TopoOrder lists step ids in a valid dependency order. Ties are broken
	// by declaration order, so the order is stable across loads.
	TopoOrder []string

	// TopoIndex maps step id to its position in TopoOrder. The scheduler
	// uses it as the deterministic tie-break when dispatching.
	TopoIndex map[string]int

	// Downstream maps step id to the steps depending on it.
	Downstream map[string][]string

	steps map[string]*Step
}

// Step resolves a step id within the compiled template.
func (c *Compiled) Step(id string) (*Step, bool) {
	s, ok := c.steps[id]
	return s, ok
}

// CheckpointAfter reports whether a checkpoint should be written after the
// given step, honoring the per-step override over the template default.
func (c *Compiled) CheckpointAfter(stepID string) bool {
	s, ok := c.steps[stepID]
	if !ok {
		return false
	}
	if s.Checkpoint != nil {
		return *s.Checkpoint
	}
	if c.CheckpointEvery != nil {
		return *c.CheckpointEvery
	}
	return true
}

// compile validates the template against the agent registry and derives the
// execution structures. Violations surface as CompileError.
func compile(t *Template, agents *agent.Registry) (*Compiled, error) {
	if t.ID == "" {
		return nil, &CompileError{TemplateID: "?", Message: "template id cannot be empty"}
	}
	if len(t.Steps) == 0 {
		return nil, &CompileError{TemplateID: t.ID, Message: "template has no steps"}
	}

	steps := make(map[string]*Step, len(t.Steps))
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.ID == "" {
			return nil, &CompileError{TemplateID: t.ID, Message: "step id cannot be empty"}
		}
		if _, dup := steps[s.ID]; dup {
			return nil, &CompileError{TemplateID: t.ID, Message: "duplicate step id: " + s.ID}
		}
		if _, err := agents.Get(s.AgentID); err != nil {
			return nil, &CompileError{
				TemplateID: t.ID,
				Message:    fmt.Sprintf("step %s: agent %q not registered", s.ID, s.AgentID),
			}
		}
		steps[s.ID] = s
	}

	downstream := make(map[string][]string, len(t.Steps))
	indegree := make(map[string]int, len(t.Steps))
	for _, s := range t.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, &CompileError{
					TemplateID: t.ID,
					Message:    fmt.Sprintf("step %s depends on unknown step %q", s.ID, dep),
				}
			}
			if dep == s.ID {
				return nil, &CompileError{TemplateID: t.ID, Message: "step " + s.ID + " depends on itself"}
			}
			downstream[dep] = append(downstream[dep], s.ID)
			indegree[s.ID]++
		}
	}

	// Kahn's algorithm. The frontier is scanned in declaration order so the
	// result is stable and ties resolve predictably.
	order := make([]string, 0, len(t.Steps))
	done := make(map[string]bool, len(t.Steps))
	for len(order) < len(t.Steps) {
		progressed := false
		for _, s := range t.Steps {
			if done[s.ID] || indegree[s.ID] != 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			for _, next := range downstream[s.ID] {
				indegree[next]--
			}
			progressed = true
		}
		if !progressed {
			return nil, &CompileError{TemplateID: t.ID, Message: "dependency cycle detected"}
		}
	}

	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}

	for name, f := range t.EntryInputs {
		switch f.Type {
		case agent.TypeString, agent.TypeNumber, agent.TypeBoolean, agent.TypeObject, agent.TypeList:
		default:
			return nil, &CompileError{
				TemplateID: t.ID,
				Message:    fmt.Sprintf("entry input %s has unknown type %q", name, f.Type),
			}
		}
	}

	return &Compiled{
		Template:   t,
		TopoOrder:  order,
		TopoIndex:  index,
		Downstream: downstream,
		steps:      steps,
	}, nil
}
