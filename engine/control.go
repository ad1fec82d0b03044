package engine

import "sync"

// Handle is the per-job control surface. External callers latch pause,
// step, and cancel signals here; the scheduler observes them at its yield
// points. All latching methods are idempotent and report whether they
// changed state, which is how callers publish each control event exactly
// once.
type Handle struct {
	mu         sync.Mutex
	paused     bool
	cancelled  bool
	stepMode   bool
	stepLatch  bool
	stepBudget int

	// signal wakes the scheduler loop after any state change. Buffered so
	// latching never blocks the caller.
	signal chan struct{}
}

// NewHandle creates a control handle. With stepMode the scheduler latches
// after every step output and waits for Step.
func NewHandle(stepMode bool) *Handle {
	return &Handle{
		stepMode: stepMode,
		signal:   make(chan struct{}, 1),
	}
}

// Signal is the scheduler's wakeup channel.
func (h *Handle) Signal() <-chan struct{} { return h.signal }

func (h *Handle) notify() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// Pause latches the pause flag. Returns true when the flag flipped.
func (h *Handle) Pause() bool {
	h.mu.Lock()
	changed := !h.paused
	h.paused = true
	h.mu.Unlock()
	if changed {
		h.notify()
	}
	return changed
}

// Resume clears the pause flag. Returns true when the flag flipped.
func (h *Handle) Resume() bool {
	h.mu.Lock()
	changed := h.paused
	h.paused = false
	h.mu.Unlock()
	if changed {
		h.notify()
	}
	return changed
}

// Cancel latches the cancel flag. Idempotent; returns true the first time.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	changed := !h.cancelled
	h.cancelled = true
	h.mu.Unlock()
	if changed {
		h.notify()
	}
	return changed
}

// Step grants exactly one further dispatch while the step latch is held.
// Without step mode it is a no-op and returns false.
func (h *Handle) Step() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stepMode {
		return false
	}
	h.stepBudget = 1
	h.notifyLocked()
	return true
}

func (h *Handle) notifyLocked() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// Paused reports the pause latch.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Cancelled reports the cancel latch. Agents poll this through their call
// handle at natural yield points.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// StepMode reports whether the handle was created in step mode.
func (h *Handle) StepMode() bool { return h.stepMode }

// latchStep engages the step latch after a step output.
func (h *Handle) latchStep() {
	h.mu.Lock()
	if h.stepMode {
		h.stepLatch = true
		h.stepBudget = 0
	}
	h.mu.Unlock()
}

// allowDispatch consumes dispatch permission. Outside step mode it always
// grants; inside, it grants freely until the first latch and afterwards
// only when a step token is available.
func (h *Handle) allowDispatch() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stepMode || !h.stepLatch {
		return true
	}
	if h.stepBudget > 0 {
		h.stepBudget--
		return true
	}
	return false
}
