package agent

import "context"

// Call is the scoped handle an agent receives for the duration of one step.
// It carries the validated input and exposes the collaborators the agent is
// allowed to touch. Agents must not reach around it; all output flows back
// through the return value.
type Call interface {
	// JobID identifies the owning job.
	JobID() string

	// StepID identifies the step being executed.
	StepID() string

	// Input returns the validated input object. The map is the agent's own
	// deep copy; mutating it has no effect outside the call.
	Input() map[string]any

	// Generate invokes the LLM gateway. The symbolic model name ("fast",
	// "smart", "code") is resolved per provider.
	Generate(ctx context.Context, prompt string, model string) (string, error)

	// Vector returns the scheduler's vector-store collaborator, or nil when
	// none is configured.
	Vector() VectorStore

	// PutArtifact persists bytes through the artifact sink and records the
	// reference on the job context.
	PutArtifact(name string, data []byte) error

	// Checkpoint asks the scheduler to persist a mid-step checkpoint of the
	// context as it stood before this step.
	Checkpoint(ctx context.Context) error

	// Log emits a structured line on the job's event stream.
	Log(msg string, fields map[string]any)

	// Cancelled reports whether the job has been asked to stop. Long
	// agents should poll it at natural yield points.
	Cancelled() bool
}

// VectorStore is the capability surface the core requires from the vector
// database collaborator.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, items []VectorItem) error
	Query(ctx context.Context, collection string, text string, k int) ([]VectorMatch, error)
}

// VectorItem is one document to index. Embedding may be nil; the store
// computes it when absent.
type VectorItem struct {
	ID        string
	Text      string
	Metadata  map[string]string
	Embedding []float32
}

// VectorMatch is one query result.
type VectorMatch struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Handler is the entry point bound to an agent id. It receives the call
// handle and returns the output object, which the scheduler validates
// against the agent's output contract.
type Handler interface {
	Execute(ctx context.Context, call Call) (map[string]any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, call Call) (map[string]any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, call Call) (map[string]any, error) {
	return f(ctx, call)
}
