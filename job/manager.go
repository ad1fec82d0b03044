package job

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/artifact"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/engine"
	"github.com/loomhq/loom/event"
	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/template"
)

// Snapshot is the configuration captured into each job at submission.
type Snapshot struct {
	Tone           map[string]any
	Perf           map[string]any
	TemplateConfig map[string]any
}

// Config wires a Manager. The Manager constructs the scheduler itself so it
// can hand over its status sink without a circular dependency.
type Config struct {
	Templates   *template.Registry
	Agents      *agent.Registry
	Gateway     *llm.Gateway
	Checkpoints checkpoint.Store[*engine.Context]
	Bus         *event.Bus
	Vector      agent.VectorStore
	Artifacts   artifact.Sink
	Clock       clock.Clock
	Metrics     *engine.Metrics
	Engine      engine.Options
	Snapshot    Snapshot
}

type managed struct {
	job    *Job
	run    *engine.Run
	handle *engine.Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the job directory. One mutex guards structural operations;
// per-job control flows through the scheduler handle, never this mutex.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*managed

	templates *template.Registry
	store     checkpoint.Store[*engine.Context]
	sched     *engine.Scheduler
	bus       *event.Bus
	clk       clock.Clock
	snapshot  Snapshot
	wg        sync.WaitGroup
}

// NewManager creates the Manager and its scheduler.
func NewManager(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Manager{
		jobs:      make(map[string]*managed),
		templates: cfg.Templates,
		store:     cfg.Checkpoints,
		bus:       cfg.Bus,
		clk:       clk,
		snapshot:  cfg.Snapshot,
	}
	m.sched = engine.New(engine.Config{
		Agents:      cfg.Agents,
		Gateway:     cfg.Gateway,
		Checkpoints: cfg.Checkpoints,
		Bus:         cfg.Bus,
		Sink:        m,
		Vector:      cfg.Vector,
		Artifacts:   cfg.Artifacts,
		Clock:       clk,
		Metrics:     cfg.Metrics,
		Options:     cfg.Engine,
	})
	return m
}

// CreateOptions tune one submission.
type CreateOptions struct {
	Metadata       map[string]any
	MaxConcurrency int
	StepMode       bool
}

// Create validates the submission, registers the job, and schedules it.
func (m *Manager) Create(workflowID string, inputs map[string]any, opts CreateOptions) (*Job, error) {
	tpl, err := m.templates.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := tpl.EntryInputs.Validate(workflowID, inputs); err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidInputs, Err: err}
	}

	now := m.clk.Now()
	ectx := engine.NewContext()
	ectx.Tone = m.snapshot.Tone
	ectx.Perf = m.snapshot.Perf
	ectx.TemplateConfig = m.snapshot.TemplateConfig

	j := &Job{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     engine.StatusPending,
		Metadata:   opts.Metadata,
		Inputs:     inputs,
		Context:    ectx,
	}
	handle := engine.NewHandle(opts.StepMode)
	runCtx, cancel := context.WithCancel(context.Background())
	mg := &managed{
		job:    j,
		handle: handle,
		cancel: cancel,
		done:   make(chan struct{}),
		run: &engine.Run{
			JobID:          j.ID,
			Template:       tpl,
			Inputs:         inputs,
			Context:        ectx,
			Handle:         handle,
			MaxConcurrency: opts.MaxConcurrency,
		},
	}

	m.mu.Lock()
	m.jobs[j.ID] = mg
	m.mu.Unlock()

	m.publish(j.ID, event.RunQueued, "", map[string]any{"workflow_id": workflowID})

	m.wg.Add(1)
	go m.execute(runCtx, mg)
	return m.snapshotJob(mg), nil
}

func (m *Manager) execute(ctx context.Context, mg *managed) {
	defer m.wg.Done()
	defer close(mg.done)
	err := m.sched.Execute(ctx, mg.run)
	if err == nil {
		return
	}
	var engErr *engine.Error
	if errors.As(err, &engErr) && engErr.Kind == engine.KindCancelled {
		return
	}
	m.mu.Lock()
	mg.job.Error = err.Error()
	mg.job.UpdatedAt = m.clk.Now()
	m.mu.Unlock()
}

func (m *Manager) publish(jobID string, t event.Type, stepID string, payload map[string]any) {
	if m.bus != nil {
		m.bus.Publish(event.Event{
			Type: t, JobID: jobID, StepID: stepID,
			Timestamp: m.clk.Now(), Payload: payload,
		})
	}
}

// StatusChanged implements engine.StatusSink.
func (m *Manager) StatusChanged(jobID string, st engine.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.jobs[jobID]
	if !ok {
		return
	}
	mg.job.Status = st
	mg.job.UpdatedAt = m.clk.Now()
	if st.Terminal() {
		mg.job.CurrentStep = ""
	}
}

// Progress implements engine.StatusSink.
func (m *Manager) Progress(jobID string, progress int, currentStep string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.jobs[jobID]
	if !ok {
		return
	}
	mg.job.Progress = progress
	mg.job.CurrentStep = currentStep
	mg.job.UpdatedAt = m.clk.Now()
}

func (m *Manager) lookup(jobID string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return mg, nil
}

// snapshotJob copies the record with a consistent context snapshot. The run
// pointer is captured under the lock because Retry swaps it.
func (m *Manager) snapshotJob(mg *managed) *Job {
	m.mu.Lock()
	j := mg.job.clone()
	run := mg.run
	m.mu.Unlock()
	if snap, err := run.SnapshotContext(); err == nil {
		j.Context = snap
	}
	return j
}

// Get returns a copy of the job record including its context.
func (m *Manager) Get(jobID string) (*Job, error) {
	mg, err := m.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return m.snapshotJob(mg), nil
}

// Filter narrows List. Zero values mean no constraint; archived jobs only
// appear with IncludeArchived or with a Status filter of archived.
type Filter struct {
	Status          engine.Status
	IncludeArchived bool
	Limit           int
	Offset          int
}

// List returns job records, newest first. Contexts are omitted.
func (m *Manager) List(f Filter) []*Job {
	m.mu.Lock()
	all := make([]*Job, 0, len(m.jobs))
	for _, mg := range m.jobs {
		j := mg.job
		if j.Status == engine.StatusArchived && !f.IncludeArchived && f.Status != engine.StatusArchived {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		all = append(all, j.clone())
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, k int) bool {
		if all[i].CreatedAt.Equal(all[k].CreatedAt) {
			return all[i].ID < all[k].ID
		}
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return []*Job{}
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all
}

// Pause latches the pause flag. Idempotent; publishes RUN.PAUSED only on
// the first effective call. Pausing a terminal job is rejected with a
// RejectError; a pending job keeps the latch and parks once it starts.
func (m *Manager) Pause(jobID string) error {
	mg, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if m.status(mg).Terminal() {
		return &RejectError{JobID: jobID, Command: "pause", Reason: "job already terminal"}
	}
	if mg.handle.Pause() {
		m.publish(jobID, event.RunPaused, "", nil)
	}
	return nil
}

// Resume clears the pause latch; publishes RUN.RESUMED only on change.
func (m *Manager) Resume(jobID string) error {
	mg, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if m.status(mg).Terminal() {
		return &RejectError{JobID: jobID, Command: "resume", Reason: "job already terminal"}
	}
	if mg.handle.Resume() {
		m.publish(jobID, event.RunResumed, "", nil)
	}
	return nil
}

// Step releases one dispatch in step mode. Without step mode it is a no-op
// acknowledgement.
func (m *Manager) Step(jobID string) error {
	mg, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	mg.handle.Step()
	return nil
}

// Cancel requests cooperative termination. Idempotent, including on jobs
// already terminal.
func (m *Manager) Cancel(jobID string) error {
	mg, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	if m.status(mg).Terminal() {
		return nil
	}
	mg.handle.Cancel()
	return nil
}

// Retry re-runs a failed job from its most recent resumable checkpoint, or
// from scratch when none exists.
func (m *Manager) Retry(jobID string) error {
	mg, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if mg.job.Status != engine.StatusFailed {
		st := mg.job.Status
		m.mu.Unlock()
		return &RejectError{JobID: jobID, Command: "retry", Reason: "job is " + string(st) + ", not failed"}
	}

	ectx := engine.NewContext()
	ectx.Tone = mg.job.Context.Tone
	ectx.Perf = mg.job.Context.Perf
	ectx.TemplateConfig = mg.job.Context.TemplateConfig
	restoredFrom := 0
	if m.store != nil {
		if rec, err := m.store.Latest(context.Background(), jobID); err == nil {
			ectx = rec.State
			restoredFrom = rec.ID
		}
	}

	mg.job.RetryCount++
	mg.job.Error = ""
	mg.job.Status = engine.StatusPending
	mg.job.UpdatedAt = m.clk.Now()
	mg.job.Context = ectx

	handle := engine.NewHandle(mg.handle.StepMode())
	runCtx, cancel := context.WithCancel(context.Background())
	mg.handle = handle
	mg.cancel = cancel
	mg.done = make(chan struct{})
	mg.run = &engine.Run{
		JobID:          jobID,
		Template:       mg.run.Template,
		Inputs:         mg.job.Inputs,
		Context:        ectx,
		Handle:         handle,
		MaxConcurrency: mg.run.MaxConcurrency,
	}
	m.mu.Unlock()

	if restoredFrom > 0 {
		m.publish(jobID, event.CPRestored, "", map[string]any{"checkpoint_id": restoredFrom})
	}
	m.wg.Add(1)
	go m.execute(runCtx, mg)
	return nil
}

// Archive hides a terminal job from the default listing.
func (m *Manager) Archive(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !mg.job.Status.Terminal() || mg.job.Status == engine.StatusArchived {
		return &RejectError{JobID: jobID, Command: "archive", Reason: "job is " + string(mg.job.Status)}
	}
	mg.job.ArchivedFrom = mg.job.Status
	mg.job.Status = engine.StatusArchived
	mg.job.UpdatedAt = m.clk.Now()
	return nil
}

// Unarchive restores the pre-archive terminal status.
func (m *Manager) Unarchive(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if mg.job.Status != engine.StatusArchived {
		return &RejectError{JobID: jobID, Command: "unarchive", Reason: "job is not archived"}
	}
	mg.job.Status = mg.job.ArchivedFrom
	mg.job.ArchivedFrom = ""
	mg.job.UpdatedAt = m.clk.Now()
	return nil
}

// Delete removes a terminal job from the directory.
func (m *Manager) Delete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !mg.job.Status.Terminal() {
		return &RejectError{JobID: jobID, Command: "delete", Reason: "job is still " + string(mg.job.Status)}
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *Manager) status(mg *managed) engine.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mg.job.Status
}

// Wait blocks until a job's current execution finishes. Used by the CLI
// driver and tests.
func (m *Manager) Wait(jobID string) error {
	m.mu.Lock()
	mg, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	done := mg.done
	m.mu.Unlock()
	<-done
	return nil
}

// Shutdown cancels every live job and waits for their schedulers to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, mg := range m.jobs {
		if !mg.job.Status.Terminal() {
			mg.handle.Cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}
