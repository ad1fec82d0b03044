package engine

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/event"
	"github.com/loomhq/loom/internal/redact"
	"github.com/loomhq/loom/llm"
)

// stepCall is the scoped handle handed to an agent for one step. It is the
// only surface through which agents reach collaborators; nothing an agent
// does through it mutates scheduler state except via the serialized paths
// below.
type stepCall struct {
	sched  *Scheduler
	run    *Run
	stepID string
	def    *agent.Definition
	input  map[string]any
}

var _ agent.Call = (*stepCall)(nil)

func (c *stepCall) JobID() string  { return c.run.JobID }
func (c *stepCall) StepID() string { return c.stepID }

func (c *stepCall) Input() map[string]any { return c.input }

func (c *stepCall) Generate(ctx context.Context, prompt string, model string) (string, error) {
	if c.sched.gateway == nil {
		return "", &Error{Kind: KindLLMUnavailable, StepID: c.stepID, Message: "no llm gateway configured"}
	}
	if model == "" || !c.def.Capabilities.ModelSwitchable {
		model = llm.ModelFast
	}
	text, err := c.sched.gateway.Generate(ctx, prompt, llm.Options{
		Model:  model,
		Params: llm.Params{MaxTokens: c.def.Resources.MaxTokens},
	})
	if err != nil {
		c.sched.metrics.LLMRequest("error")
		return "", err
	}
	c.sched.metrics.LLMRequest("ok")
	return text, nil
}

func (c *stepCall) Vector() agent.VectorStore { return c.sched.vector }

func (c *stepCall) PutArtifact(name string, data []byte) error {
	if c.sched.artifacts == nil {
		return fmt.Errorf("no artifact sink configured")
	}
	ref, err := c.sched.artifacts.Write(c.run.JobID+"_"+name, data)
	if err != nil {
		return err
	}
	c.run.mu.Lock()
	c.run.Context.Artifacts[name] = ref
	c.run.mu.Unlock()
	return nil
}

// Checkpoint persists the context as it stood before this step. Stateful
// agents call it before yielding to a pause so the job can resume by
// replaying only the interrupted step.
func (c *stepCall) Checkpoint(ctx context.Context) error {
	if c.sched.store == nil {
		return fmt.Errorf("no checkpoint store configured")
	}
	c.run.mu.Lock()
	snap, err := c.run.Context.Clone()
	c.run.mu.Unlock()
	if err != nil {
		return err
	}
	meta, err := c.sched.store.Write(ctx, checkpoint.Snapshot[*Context]{
		JobID:           c.run.JobID,
		StepID:          c.stepID,
		WorkflowVersion: c.run.Template.Version,
		Resumable:       true,
		State:           snap,
	})
	if err != nil {
		return err
	}
	c.sched.publish(c.run.JobID, event.CPWritten, c.stepID, map[string]any{
		"checkpoint_id": meta.ID,
		"size":          meta.Size,
		"mid_step":      true,
	})
	c.sched.publish(c.run.JobID, event.NodeCheckpoint, c.stepID, map[string]any{
		"checkpoint_id": meta.ID,
	})
	return nil
}

func (c *stepCall) Log(msg string, fields map[string]any) {
	payload := map[string]any{"msg": redact.String(msg)}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			v = redact.String(s)
		}
		payload[k] = v
	}
	c.sched.publish(c.run.JobID, event.NodeStdout, c.stepID, payload)
}

func (c *stepCall) Cancelled() bool { return c.run.Handle.Cancelled() }
