package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/artifact"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/event"
	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/redact"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/template"
)

// StatusSink receives job state from the scheduler. The job manager
// implements it; depending on this interface instead of the manager itself
// keeps the two components from referencing each other concretely.
type StatusSink interface {
	// StatusChanged reports a lifecycle transition.
	StatusChanged(jobID string, status Status)

	// Progress reports completion percentage and the oldest running step.
	Progress(jobID string, progress int, currentStep string)
}

// Options configures scheduler defaults. Per-job values on Run override
// them.
type Options struct {
	// MaxConcurrency caps concurrently running steps per job. Default 3.
	MaxConcurrency int

	// Retry is the default per-step retry policy.
	Retry RetryPolicy

	// Grace bounds how long a cancelled or failing job waits for running
	// steps to yield before marking them abandoned. Default 5s.
	Grace time.Duration
}

// Config wires a Scheduler.
type Config struct {
	Agents      *agent.Registry
	Gateway     *llm.Gateway
	Checkpoints checkpoint.Store[*Context]
	Bus         *event.Bus
	Sink        StatusSink
	Vector      agent.VectorStore
	Artifacts   artifact.Sink
	Clock       clock.Clock
	Metrics     *Metrics
	Options     Options
}

// Scheduler executes compiled templates. One Scheduler serves every job in
// the process; all per-job state lives on the Run.
type Scheduler struct {
	agents    *agent.Registry
	gateway   *llm.Gateway
	store     checkpoint.Store[*Context]
	bus       *event.Bus
	sink      StatusSink
	vector    agent.VectorStore
	artifacts artifact.Sink
	clk       clock.Clock
	metrics   *Metrics
	opts      Options
}

// Run is one job execution request.
type Run struct {
	JobID    string
	Template *template.Compiled

	// Inputs are the validated entry inputs.
	Inputs map[string]any

	// Context is the execution context, either fresh or restored from a
	// checkpoint. Steps already present in Context.Shared are treated as
	// completed and are not re-executed.
	Context *Context

	// Handle carries the pause, step, and cancel latches.
	Handle *Handle

	// MaxConcurrency overrides the scheduler default when positive.
	MaxConcurrency int

	// Retry overrides the scheduler's default retry policy when non-nil.
	Retry *RetryPolicy

	// mu serializes context mutation between the control loop and the
	// mid-step checkpoint and artifact paths.
	mu sync.Mutex
}

// SnapshotContext returns a deep copy of the run's context, safe to take
// while the scheduler is executing.
func (r *Run) SnapshotContext() (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Context.Clone()
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	opts := cfg.Options
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 3
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		agents:    cfg.Agents,
		gateway:   cfg.Gateway,
		store:     cfg.Checkpoints,
		bus:       cfg.Bus,
		sink:      cfg.Sink,
		vector:    cfg.Vector,
		artifacts: cfg.Artifacts,
		clk:       clk,
		metrics:   cfg.Metrics,
		opts:      opts,
	}
}

func (s *Scheduler) publish(jobID string, t event.Type, stepID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type:      t,
		JobID:     jobID,
		StepID:    stepID,
		Timestamp: s.clk.Now(),
		Payload:   payload,
	})
}

// inflight tracks one running step.
type inflight struct {
	agentID string
	started time.Time
	cancel  context.CancelFunc
}

// stepResult crosses from a worker goroutine back to the control loop.
type stepResult struct {
	stepID   string
	input    map[string]any
	output   map[string]any
	err      error
	started  time.Time
	finished time.Time
}

// runState is the control loop's working set. It is touched only by the
// loop goroutine; workers communicate through the results channel.
type runState struct {
	run       *Run
	tpl       *template.Compiled
	cap       int
	retry     RetryPolicy
	completed map[string]bool
	running   map[string]*inflight
	// retrying holds steps waiting out a backoff delay; inRetry holds steps
	// that have failed transiently and not yet completed. The first gates
	// dispatch, the second drives the job-level retrying status.
	retrying map[string]bool
	inRetry  map[string]bool
	attempts map[string]int
	announced map[string]bool // RUN.STEP_READY emitted
	ancestors map[string][]string
	results   chan stepResult
	retryQ    chan string
	done      chan struct{}
	status    Status
}

// Execute runs the template to a terminal state. It returns nil when the
// job completed, an *Error with KindCancelled after a cancel, and the
// failing step's *Error otherwise. All status transitions and events are
// published as side effects; the caller only records the returned error.
func (s *Scheduler) Execute(ctx context.Context, run *Run) error {
	if run.Handle == nil {
		run.Handle = NewHandle(false)
	}
	if run.Context == nil {
		run.Context = NewContext()
	}
	run.Context.normalize()

	rs := &runState{
		run:       run,
		tpl:       run.Template,
		cap:       s.opts.MaxConcurrency,
		retry:     s.opts.Retry,
		completed: make(map[string]bool),
		running:   make(map[string]*inflight),
		retrying:  make(map[string]bool),
		inRetry:   make(map[string]bool),
		attempts:  make(map[string]int),
		announced: make(map[string]bool),
		ancestors: ancestorsOf(run.Template),
		results:   make(chan stepResult),
		retryQ:    make(chan string),
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	defer close(rs.done)
	if run.MaxConcurrency > 0 {
		rs.cap = run.MaxConcurrency
	}
	if run.Retry != nil {
		rs.retry = *run.Retry
	}
	for stepID := range run.Context.Shared {
		if _, ok := rs.tpl.Step(stepID); ok {
			rs.completed[stepID] = true
		}
	}

	s.publish(run.JobID, event.RunStarted, "", map[string]any{
		"workflow_id": rs.tpl.ID,
		"steps":       len(rs.tpl.TopoOrder),
	})
	s.statusChanged(run.JobID, StatusRunning)

	total := len(rs.tpl.TopoOrder)
	for {
		if run.Handle.Cancelled() {
			return s.finishCancelled(ctx, rs)
		}

		// Reconcile the announced status with the latches. A step keeps the
		// job in retrying from its first transient failure until it
		// finally completes.
		st := StatusRunning
		if len(rs.inRetry) > 0 {
			st = StatusRetrying
		}
		if run.Handle.Paused() && len(rs.running) == 0 {
			st = StatusPaused
		}
		s.setStatus(rs, st)

		s.announceReady(rs)

		// Dispatch until the cap, the ready set, or a latch stops us.
		for len(rs.running) < rs.cap && !run.Handle.Paused() {
			stepID := s.nextReady(rs)
			if stepID == "" {
				break
			}
			if !run.Handle.allowDispatch() {
				break
			}
			if err := s.dispatch(ctx, rs, stepID); err != nil {
				return s.finishFailed(ctx, rs, err)
			}
		}

		if len(rs.completed) == total {
			return s.finishCompleted(rs)
		}

		// Invariant: something must be able to move. With nothing running,
		// nothing retrying, and nothing dispatchable while unpaused, the
		// template cannot make progress.
		if len(rs.running) == 0 && len(rs.retrying) == 0 &&
			!run.Handle.Paused() && s.nextReady(rs) == "" {
			return s.finishFailed(ctx, rs, &Error{
				Kind:    KindInternal,
				Message: "no runnable steps but workflow incomplete",
			})
		}

		select {
		case res := <-rs.results:
			if err := s.handleResult(ctx, rs, res, false); err != nil {
				return s.finishFailed(ctx, rs, err)
			}
		case stepID := <-rs.retryQ:
			delete(rs.retrying, stepID)
		case <-run.Handle.Signal():
		case <-ctx.Done():
			run.Handle.Cancel()
		}
	}
}

// statusChanged forwards to the sink when configured.
func (s *Scheduler) statusChanged(jobID string, st Status) {
	if s.sink != nil {
		s.sink.StatusChanged(jobID, st)
	}
}

func (s *Scheduler) setStatus(rs *runState, st Status) {
	if rs.status == st {
		return
	}
	rs.status = st
	s.statusChanged(rs.run.JobID, st)
}

// announceReady emits RUN.STEP_READY once per step as it enters the ready
// set.
func (s *Scheduler) announceReady(rs *runState) {
	for _, stepID := range rs.tpl.TopoOrder {
		if rs.announced[stepID] || rs.completed[stepID] {
			continue
		}
		if s.depsMet(rs, stepID) {
			rs.announced[stepID] = true
			s.publish(rs.run.JobID, event.RunStepReady, stepID, nil)
		}
	}
}

func (s *Scheduler) depsMet(rs *runState, stepID string) bool {
	step, _ := rs.tpl.Step(stepID)
	for _, dep := range step.DependsOn {
		if !rs.completed[dep] {
			return false
		}
	}
	return true
}

// nextReady returns the dispatchable step with the lowest topological
// position, which makes execution order deterministic under a fixed cap.
func (s *Scheduler) nextReady(rs *runState) string {
	for _, stepID := range rs.tpl.TopoOrder {
		if rs.completed[stepID] || rs.retrying[stepID] {
			continue
		}
		if _, isRunning := rs.running[stepID]; isRunning {
			continue
		}
		if s.depsMet(rs, stepID) {
			return stepID
		}
	}
	return ""
}

// currentStep is the oldest running step by topological position.
func (s *Scheduler) currentStep(rs *runState) string {
	best := ""
	bestIdx := math.MaxInt
	for stepID := range rs.running {
		if idx := rs.tpl.TopoIndex[stepID]; idx < bestIdx {
			best, bestIdx = stepID, idx
		}
	}
	return best
}

// dispatch starts one step on a worker goroutine. Errors returned here are
// permanent configuration failures that fail the job.
func (s *Scheduler) dispatch(ctx context.Context, rs *runState, stepID string) error {
	run := rs.run
	step, _ := rs.tpl.Step(stepID)
	attempt := rs.attempts[stepID]

	s.publish(run.JobID, event.NodeStart, stepID, map[string]any{
		"agent_id": step.AgentID,
		"attempt":  attempt,
	})

	def, err := s.agents.Get(step.AgentID)
	if err != nil {
		s.publishNodeError(rs, stepID, err, false, attempt)
		return stepError(stepID, err)
	}
	handler, err := s.agents.Handler(step.AgentID)
	if err != nil {
		s.publishNodeError(rs, stepID, err, false, attempt)
		return stepError(stepID, err)
	}

	input, err := s.buildInput(rs, stepID, step, def)
	if err != nil {
		s.publishNodeError(rs, stepID, err, false, attempt)
		return stepError(stepID, err)
	}

	var stepCtx context.Context
	var cancel context.CancelFunc
	if timeout := time.Duration(def.Resources.MaxRuntimeSeconds) * time.Second; timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	started := s.clk.Now()
	rs.running[stepID] = &inflight{agentID: step.AgentID, started: started, cancel: cancel}
	s.metrics.stepStarted()

	call := &stepCall{sched: s, run: run, stepID: stepID, def: def, input: input}

	go func() {
		defer cancel()
		output, execErr := handler.Execute(stepCtx, call)
		if execErr == nil && stepCtx.Err() != nil {
			// The handler returned a value after its deadline or a cancel;
			// the context verdict wins.
			execErr = stepCtx.Err()
		}
		res := stepResult{
			stepID:   stepID,
			input:    input,
			output:   output,
			err:      execErr,
			started:  started,
			finished: s.clk.Now(),
		}
		select {
		case rs.results <- res:
		case <-rs.done:
		}
	}()
	return nil
}

// buildInput assembles a step's input object: entry inputs first, then
// ancestor outputs in topological order, then static params, all projected
// through the agent's input contract, validated, and deep-copied.
func (s *Scheduler) buildInput(rs *runState, stepID string, step *template.Step, def *agent.Definition) (map[string]any, error) {
	merged := make(map[string]any)
	for name := range def.Input {
		if v, ok := rs.run.Inputs[name]; ok {
			merged[name] = v
		}
	}
	rs.run.mu.Lock()
	for _, anc := range rs.ancestors[stepID] {
		out, ok := rs.run.Context.Shared[anc]
		if !ok {
			continue
		}
		for name := range def.Input {
			if v, ok := out[name]; ok {
				merged[name] = v
			}
		}
	}
	rs.run.mu.Unlock()
	for name, v := range step.Params {
		if _, declared := def.Input[name]; declared {
			merged[name] = v
		}
	}
	if err := def.Input.Validate(def.ID, merged); err != nil {
		return nil, err
	}
	return deepCopyValues(merged)
}

// handleResult processes one finished step on the control loop. During a
// drain new failures no longer route through retry.
func (s *Scheduler) handleResult(ctx context.Context, rs *runState, res stepResult, draining bool) error {
	fl := rs.running[res.stepID]
	delete(rs.running, res.stepID)
	agentID := ""
	if fl != nil {
		agentID = fl.agentID
	}
	duration := res.finished.Sub(res.started)

	if res.err == nil {
		step, _ := rs.tpl.Step(res.stepID)
		def, err := s.agents.Get(step.AgentID)
		if err != nil {
			return stepError(res.stepID, err)
		}
		if err := def.Output.Validate(def.ID, res.output); err != nil {
			s.metrics.stepFinished(agentID, "error", duration)
			s.publishNodeError(rs, res.stepID, err, false, rs.attempts[res.stepID])
			return stepError(res.stepID, err)
		}
		return s.completeStep(ctx, rs, res, def, duration, draining)
	}

	s.metrics.stepFinished(agentID, "error", duration)
	kind := classify(res.err)
	attempt := rs.attempts[res.stepID]
	canRetry := !draining && kind.Transient() && attempt+1 < rs.retry.attempts()

	s.publishNodeError(rs, res.stepID, res.err, canRetry, attempt)
	s.recordIO(rs, res, "error")

	if !canRetry {
		if draining || kind == KindCancelled {
			// Settled during a drain; the caller owns the terminal event.
			return nil
		}
		return stepError(res.stepID, res.err)
	}

	// Schedule the retry after backoff. The timer goroutine only signals;
	// the control loop re-dispatches.
	rs.attempts[res.stepID] = attempt + 1
	rs.retrying[res.stepID] = true
	rs.inRetry[res.stepID] = true
	s.metrics.stepRetried(agentID)
	delay := rs.retry.delay(attempt)
	go func() {
		select {
		case <-s.clk.After(delay):
			select {
			case rs.retryQ <- res.stepID:
			case <-rs.done:
			}
		case <-rs.done:
		}
	}()
	return nil
}

// completeStep freezes the output, records diagnostics, publishes the edge
// and output events, reports progress, and writes the checkpoint boundary.
func (s *Scheduler) completeStep(ctx context.Context, rs *runState, res stepResult, def *agent.Definition, duration time.Duration, draining bool) error {
	run := rs.run

	output, err := deepCopyValues(res.output)
	if err != nil {
		return stepError(res.stepID, err)
	}
	run.mu.Lock()
	run.Context.Shared[res.stepID] = output
	run.mu.Unlock()
	rs.completed[res.stepID] = true
	delete(rs.inRetry, res.stepID)
	s.recordIO(rs, res, "completed")
	s.metrics.stepFinished(def.ID, "success", duration)

	for _, downstream := range rs.tpl.Downstream[res.stepID] {
		s.publish(run.JobID, event.FlowEdge, res.stepID, map[string]any{
			"from": res.stepID,
			"to":   downstream,
		})
	}
	s.publish(run.JobID, event.NodeOutput, res.stepID, map[string]any{
		"agent_id":    def.ID,
		"duration_ms": duration.Milliseconds(),
	})
	run.Handle.latchStep()

	progress := int(math.Round(100 * float64(len(rs.completed)) / float64(len(rs.tpl.TopoOrder))))
	if s.sink != nil {
		s.sink.Progress(run.JobID, progress, s.currentStep(rs))
	}

	if !draining && s.store != nil && rs.tpl.CheckpointAfter(res.stepID) {
		if err := s.writeCheckpoint(ctx, rs, res.stepID); err != nil {
			return &Error{Kind: KindInternal, StepID: res.stepID, Message: "checkpoint write failed", Err: err}
		}
	}
	return nil
}

func (s *Scheduler) writeCheckpoint(ctx context.Context, rs *runState, stepID string) error {
	rs.run.mu.Lock()
	snap, err := rs.run.Context.Clone()
	rs.run.mu.Unlock()
	if err != nil {
		return err
	}
	meta, err := s.store.Write(ctx, checkpoint.Snapshot[*Context]{
		JobID:           rs.run.JobID,
		StepID:          stepID,
		WorkflowVersion: rs.tpl.Version,
		Resumable:       true,
		State:           snap,
	})
	if err != nil {
		return err
	}
	s.publish(rs.run.JobID, event.CPWritten, stepID, map[string]any{
		"checkpoint_id": meta.ID,
		"size":          meta.Size,
	})
	s.publish(rs.run.JobID, event.NodeCheckpoint, stepID, map[string]any{
		"checkpoint_id": meta.ID,
	})
	return nil
}

func (s *Scheduler) recordIO(rs *runState, res stepResult, status string) {
	rec := IORecord{
		Input:      res.input,
		Output:     res.output,
		Status:     status,
		DurationMS: res.finished.Sub(res.started).Milliseconds(),
		StartedAt:  res.started,
		FinishedAt: res.finished,
	}
	rs.run.mu.Lock()
	rs.run.Context.AgentIO[res.stepID] = rec
	rs.run.mu.Unlock()
}

func (s *Scheduler) publishNodeError(rs *runState, stepID string, err error, transient bool, attempt int) {
	agentID := ""
	if step, ok := rs.tpl.Step(stepID); ok {
		agentID = step.AgentID
	}
	s.publish(rs.run.JobID, event.NodeError, stepID, map[string]any{
		"agent_id":  agentID,
		"error":     redact.Error(err),
		"kind":      string(classify(err)),
		"transient": transient,
		"attempt":   attempt,
	})
}

// drainRunning cancels every running step and consumes results until all
// settle or the grace period lapses. Steps still unsettled at the deadline
// are marked abandoned. Successful results arriving during the drain are
// still recorded and emit NODE.OUTPUT so observers see a terminal event for
// every started step.
func (s *Scheduler) drainRunning(ctx context.Context, rs *runState) {
	for _, fl := range rs.running {
		fl.cancel()
	}
	if len(rs.running) == 0 {
		return
	}
	deadline := s.clk.After(s.opts.Grace)
	for len(rs.running) > 0 {
		select {
		case res := <-rs.results:
			// Permanent errors here cannot fail the job again; it is
			// already terminating.
			_ = s.handleResult(ctx, rs, res, true)
		case <-deadline:
			for stepID, fl := range rs.running {
				s.publish(rs.run.JobID, event.NodeError, stepID, map[string]any{
					"error":     "step did not yield within grace period",
					"kind":      string(KindCancelled),
					"transient": false,
					"abandoned": true,
				})
				s.metrics.stepFinished(fl.agentID, "abandoned", s.clk.Now().Sub(fl.started))
				delete(rs.running, stepID)
			}
		}
	}
}

func (s *Scheduler) finishCompleted(rs *runState) error {
	s.publish(rs.run.JobID, event.RunFinished, "", map[string]any{"progress": 100})
	s.setStatus(rs, StatusCompleted)
	s.metrics.jobFinished(StatusCompleted)
	return nil
}

func (s *Scheduler) finishCancelled(ctx context.Context, rs *runState) error {
	s.drainRunning(ctx, rs)
	s.publish(rs.run.JobID, event.RunCancelled, "", nil)
	s.setStatus(rs, StatusCancelled)
	s.metrics.jobFinished(StatusCancelled)
	return &Error{Kind: KindCancelled, Message: "job cancelled"}
}

func (s *Scheduler) finishFailed(ctx context.Context, rs *runState, cause error) error {
	s.drainRunning(ctx, rs)
	var reason *Error
	if !errors.As(cause, &reason) {
		reason = stepError("", cause)
	}
	s.publish(rs.run.JobID, event.RunFailed, reason.StepID, map[string]any{
		"error": redact.String(reason.Error()),
		"kind":  string(reason.Kind),
	})
	s.setStatus(rs, StatusFailed)
	s.metrics.jobFinished(StatusFailed)
	return reason
}

// ancestorsOf computes each step's transitive dependencies in topological
// order. Inputs are built from ancestors only, so concurrent siblings can
// never make a step's input depend on scheduling luck.
func ancestorsOf(tpl *template.Compiled) map[string][]string {
	sets := make(map[string]map[string]bool, len(tpl.TopoOrder))
	for _, stepID := range tpl.TopoOrder {
		step, _ := tpl.Step(stepID)
		set := make(map[string]bool)
		for _, dep := range step.DependsOn {
			set[dep] = true
			for anc := range sets[dep] {
				set[anc] = true
			}
		}
		sets[stepID] = set
	}
	out := make(map[string][]string, len(sets))
	for stepID, set := range sets {
		ordered := make([]string, 0, len(set))
		for _, cand := range tpl.TopoOrder {
			if set[cand] {
				ordered = append(ordered, cand)
			}
		}
		out[stepID] = ordered
	}
	return out
}
