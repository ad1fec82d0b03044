// Package engine contains the DAG scheduler: the component that executes a
// compiled workflow template against a shared job context, enforcing
// dependency order, the concurrency cap, retry policy, and the pause, step,
// and cancel controls.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/internal/redact"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/template"
)

// Kind classifies an error for policy decisions. Kinds, not concrete types,
// decide whether a failure is retried, surfaced, or fatal.
type Kind string

// The error taxonomy.
const (
	KindInvalidInputs     Kind = "invalid_inputs"
	KindTemplateCompile   Kind = "template_compile"
	KindUnknownAgent      Kind = "unknown_agent"
	KindContractViolation Kind = "contract_violation"
	KindLLMUnavailable    Kind = "llm_unavailable"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Transient reports whether failures of this kind count against step
// retries rather than failing the job outright.
func (k Kind) Transient() bool {
	switch k {
	case KindLLMUnavailable, KindTimeout:
		return true
	}
	return false
}

// Error is the scheduler's structured error: a kind for policy, the step it
// arose in, and the redacted underlying cause.
type Error struct {
	Kind    Kind
	StepID  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = redact.Error(e.Err)
	}
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Kind, e.StepID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap supports errors.Is and errors.As against the cause.
func (e *Error) Unwrap() error { return e.Err }

// classify maps an arbitrary error onto the taxonomy. Unknown errors are
// treated as timeouts when they carry a deadline, internal otherwise.
func classify(err error) Kind {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	var violation *agent.ViolationError
	switch {
	case errors.As(err, &violation):
		return KindContractViolation
	case errors.Is(err, agent.ErrUnknownAgent):
		return KindUnknownAgent
	case errors.Is(err, llm.ErrUnavailable):
		return KindLLMUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	var compile *template.CompileError
	if errors.As(err, &compile) {
		return KindTemplateCompile
	}
	return KindInternal
}

// stepError wraps err with its classified kind for a step.
func stepError(stepID string, err error) *Error {
	var engErr *Error
	if errors.As(err, &engErr) && engErr.StepID == stepID {
		return engErr
	}
	return &Error{Kind: classify(err), StepID: stepID, Err: err}
}
