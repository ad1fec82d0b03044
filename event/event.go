// Package event provides the in-process event bus for job execution
// telemetry. Every state transition in the system is published here and
// fans out to observers: the stream gateway, the file log sink, and tests.
package event

import "time"

// Type identifies an event. The set is closed; consumers may rely on it
// being exhaustive.
type Type string

// Run-level events describe job lifecycle transitions.
const (
	RunQueued    Type = "RUN.QUEUED"
	RunStarted   Type = "RUN.STARTED"
	RunPaused    Type = "RUN.PAUSED"
	RunResumed   Type = "RUN.RESUMED"
	RunStepReady Type = "RUN.STEP_READY"
	RunFinished  Type = "RUN.FINISHED"
	RunCancelled Type = "RUN.CANCELLED"
	RunFailed    Type = "RUN.FAILED"
)

// Node-level events describe a single step's execution.
const (
	NodeStart      Type = "NODE.START"
	NodeStdout     Type = "NODE.STDOUT"
	NodeCheckpoint Type = "NODE.CHECKPOINT"
	NodeOutput     Type = "NODE.OUTPUT"
	NodeError      Type = "NODE.ERROR"
)

// FlowEdge records one step's output flowing into a downstream step's input.
const FlowEdge Type = "FLOW.EDGE"

// Checkpoint store events.
const (
	CPWritten  Type = "CP.WRITTEN"
	CPRestored Type = "CP.RESTORED"
)

// Event is a single telemetry record for a job.
//
// Seq is a per-job monotonic sequence number assigned by the bus at publish
// time. Subscribers use it to detect gaps and the stream gateway uses it to
// splice ring-buffer replay with the live tail.
type Event struct {
	Type      Type           `json:"type"`
	JobID     string         `json:"job_id"`
	StepID    string         `json:"step_id,omitempty"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Matches reports whether the event type matches a filter prefix such as
// "NODE.", "RUN.", "CP.", or the exact type. An empty filter matches all.
func (e Event) Matches(prefix string) bool {
	if prefix == "" {
		return true
	}
	t := string(e.Type)
	if len(prefix) > len(t) {
		return false
	}
	return t[:len(prefix)] == prefix
}

// Terminal reports whether the event closes out a job.
func (e Event) Terminal() bool {
	switch e.Type {
	case RunFinished, RunCancelled, RunFailed:
		return true
	}
	return false
}
