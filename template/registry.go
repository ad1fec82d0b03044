package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/agent"
)

// Registry loads workflow templates and caches their compiled form.
type Registry struct {
	mu       sync.RWMutex
	agents   *agent.Registry
	compiled map[string]*Compiled
}

// NewRegistry creates a Registry that resolves step agents against the
// given agent registry.
func NewRegistry(agents *agent.Registry) *Registry {
	return &Registry{
		agents:   agents,
		compiled: make(map[string]*Compiled),
	}
}

// LoadDir loads every *.yaml template under dir.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("parse template %s: %w", e.Name(), err)
		}
		if err := r.Register(&t); err != nil {
			return err
		}
	}
	return nil
}

// Register compiles and caches a template. Compile failures reject the
// template and leave the registry unchanged.
func (r *Registry) Register(t *Template) error {
	c, err := compile(t, r.agents)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.compiled[t.ID]; exists {
		return &CompileError{TemplateID: t.ID, Message: "duplicate template id"}
	}
	r.compiled[t.ID] = c
	return nil
}

// Get resolves a compiled template. Returns ErrNotFound when absent.
func (r *Registry) Get(id string) (*Compiled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compiled[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// List returns all compiled templates sorted by id.
func (r *Registry) List() []*Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Compiled, 0, len(r.compiled))
	for _, c := range r.compiled {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
