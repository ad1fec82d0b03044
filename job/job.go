// Package job provides the process-wide job directory: submission,
// lifecycle control, listing, archival, and retry. It owns every job record
// and implements the scheduler's status sink; the scheduler never sees the
// manager, only the sink interface.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/engine"
)

// ErrNotFound is returned when a job id does not resolve.
var ErrNotFound = errors.New("job not found")

// RejectError is the structured rejection for a control command issued in
// the wrong lifecycle state. Commands are never silently dropped.
type RejectError struct {
	JobID   string
	Command string
	Reason  string
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	return fmt.Sprintf("cannot %s job %s: %s", e.Command, e.JobID, e.Reason)
}

// Job is one submission's mutable record.
type Job struct {
	ID           string          `json:"job_id"`
	WorkflowID   string          `json:"workflow_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Status       engine.Status   `json:"status"`
	CurrentStep  string          `json:"current_step,omitempty"`
	Progress     int             `json:"progress"`
	RetryCount   int             `json:"retry_count"`
	Error        string          `json:"error,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Inputs       map[string]any  `json:"inputs"`
	Context      *engine.Context `json:"context,omitempty"`
	ArchivedFrom engine.Status   `json:"archived_from,omitempty"`
}

// clone copies the record fields. Context is attached separately from a
// consistent snapshot.
func (j *Job) clone() *Job {
	out := *j
	out.Context = nil
	return &out
}
