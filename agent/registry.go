package agent

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds the loaded agent catalog and the handlers bound to it.
//
// Definitions are immutable after Load. Handler binding is separate from
// definition loading so tests can register fakes against a real catalog.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]*Definition),
		handlers: make(map[string]Handler),
	}
}

// LoadFile reads a YAML agent catalog from disk. The file holds a list of
// definitions under a top-level "agents" key.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent catalog: %w", err)
	}
	return r.Load(data)
}

// Load parses and registers a YAML agent catalog.
func (r *Registry) Load(data []byte) error {
	var doc struct {
		Agents []*Definition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agent catalog: %w", err)
	}
	for _, d := range doc.Agents {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Register validates and adds a single definition. Ids must be unique.
func (r *Registry) Register(d *Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.ID]; exists {
		return fmt.Errorf("duplicate agent id: %s", d.ID)
	}
	r.defs[d.ID] = d
	return nil
}

// Get resolves an agent id. Returns ErrUnknownAgent when absent.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return d, nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bind attaches the executable handler for an agent id. The id must already
// be registered.
func (r *Registry) Bind(id string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	r.handlers[id] = h
	return nil
}

// Handler resolves the bound handler for an agent id.
func (r *Registry) Handler(id string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: no handler bound for %s", ErrUnknownAgent, id)
	}
	return h, nil
}
