package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/artifact"
)

// IORecord captures one step invocation for diagnostics.
type IORecord struct {
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Context is the job-scoped execution state shared across steps.
//
// Shared grows monotonically: the scheduler writes a step's output exactly
// once, after which the entry is frozen. Agents only ever see deep copies.
// Restoring from a checkpoint replaces the whole struct atomically.
//
// Tone, Perf, and TemplateConfig are configuration snapshots captured at
// submission, so edits to live configuration never perturb an in-flight
// job.
type Context struct {
	Shared         map[string]map[string]any `json:"shared"`
	Artifacts      map[string]artifact.Ref   `json:"artifacts"`
	AgentIO        map[string]IORecord       `json:"agent_io"`
	Tone           map[string]any            `json:"tone,omitempty"`
	Perf           map[string]any            `json:"perf,omitempty"`
	TemplateConfig map[string]any            `json:"template_config,omitempty"`
}

// NewContext returns an empty, ready-to-use context.
func NewContext() *Context {
	return &Context{
		Shared:    make(map[string]map[string]any),
		Artifacts: make(map[string]artifact.Ref),
		AgentIO:   make(map[string]IORecord),
	}
}

// normalize backfills nil maps after JSON decoding.
func (c *Context) normalize() {
	if c.Shared == nil {
		c.Shared = make(map[string]map[string]any)
	}
	if c.Artifacts == nil {
		c.Artifacts = make(map[string]artifact.Ref)
	}
	if c.AgentIO == nil {
		c.AgentIO = make(map[string]IORecord)
	}
}

// Clone deep-copies the context through its JSON form. Shared state is
// plain data by construction, so the round trip is lossless.
func (c *Context) Clone() (*Context, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone context: %w", err)
	}
	out := &Context{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("clone context: %w", err)
	}
	out.normalize()
	return out, nil
}

// deepCopyValues deep-copies a step input or output object.
func deepCopyValues(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("copy values: %w", err)
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy values: %w", err)
	}
	return out, nil
}
