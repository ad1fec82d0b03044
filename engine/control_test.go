package engine

import "testing"

func TestPauseResumeIdempotent(t *testing.T) {
	h := NewHandle(false)

	if !h.Pause() {
		t.Error("first pause should report a change")
	}
	for i := 0; i < 5; i++ {
		if h.Pause() {
			t.Error("repeated pause must not report a change")
		}
	}
	if !h.Paused() {
		t.Error("latch lost")
	}

	if !h.Resume() {
		t.Error("first resume should report a change")
	}
	if h.Resume() {
		t.Error("repeated resume must not report a change")
	}
}

func TestCancelIdempotent(t *testing.T) {
	h := NewHandle(false)
	if !h.Cancel() {
		t.Error("first cancel should report a change")
	}
	if h.Cancel() {
		t.Error("repeated cancel must not report a change")
	}
	if !h.Cancelled() {
		t.Error("cancel latch lost")
	}
}

func TestStepOutsideStepModeIsNoop(t *testing.T) {
	h := NewHandle(false)
	if h.Step() {
		t.Error("step without step mode should be a no-op")
	}
}

func TestStepBudget(t *testing.T) {
	h := NewHandle(true)

	// Free dispatch until the first latch.
	if !h.allowDispatch() {
		t.Error("pre-latch dispatch should be allowed")
	}
	h.latchStep()
	if h.allowDispatch() {
		t.Error("latched handle granted a dispatch without a token")
	}
	if !h.Step() {
		t.Error("step in step mode should succeed")
	}
	if !h.allowDispatch() {
		t.Error("token not honored")
	}
	if h.allowDispatch() {
		t.Error("one token granted two dispatches")
	}
}

func TestSignalNeverBlocks(t *testing.T) {
	h := NewHandle(false)
	// Nobody listening; latching must still return.
	for i := 0; i < 10; i++ {
		h.Pause()
		h.Resume()
	}
	select {
	case <-h.Signal():
	default:
		t.Error("signal not pending after state changes")
	}
}
