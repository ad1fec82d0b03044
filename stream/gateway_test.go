package stream

import (
	"testing"
	"time"

	"github.com/loomhq/loom/event"
)

func publishN(bus *event.Bus, jobID string, n int) {
	for i := 0; i < n; i++ {
		bus.Publish(event.Event{Type: event.NodeStdout, JobID: jobID})
	}
}

func TestAttachReplaysRecentEvents(t *testing.T) {
	bus := event.NewBus(256)
	g := NewGateway(bus, 4)

	publishN(bus, "j1", 10)
	time.Sleep(20 * time.Millisecond) // let the tap drain

	sess := g.Attach("j1")
	defer sess.Close()

	// Only the last 4 replay, in order.
	var seqs []uint64
	for i := 0; i < 4; i++ {
		f := <-sess.Frames()
		if f.Event == nil {
			t.Fatalf("expected replay event, got %+v", f)
		}
		seqs = append(seqs, f.Event.Seq)
	}
	for i, want := range []uint64{7, 8, 9, 10} {
		if seqs[i] != want {
			t.Fatalf("replay seqs = %v", seqs)
		}
	}

	// Live tail follows without duplicating the replay.
	bus.Publish(event.Event{Type: event.RunFinished, JobID: "j1"})
	f := <-sess.Frames()
	if f.Event == nil || f.Event.Seq != 11 {
		t.Fatalf("expected live event 11, got %+v", f)
	}
	if _, open := <-sess.Frames(); open {
		t.Error("session should close after terminal event")
	}
}

func TestAttachAfterTerminalReplaysAndCloses(t *testing.T) {
	bus := event.NewBus(256)
	g := NewGateway(bus, 8)

	publishN(bus, "j1", 2)
	bus.Publish(event.Event{Type: event.RunFinished, JobID: "j1"})
	time.Sleep(20 * time.Millisecond)

	sess := g.Attach("j1")
	count := 0
	for range sess.Frames() {
		count++
	}
	if count != 3 {
		t.Errorf("replayed %d frames, want 3", count)
	}
}

func TestAgentStatusAggregation(t *testing.T) {
	bus := event.NewBus(256)
	g := NewGateway(bus, 8)

	now := time.Now()
	bus.Publish(event.Event{Type: event.NodeStart, JobID: "j1", StepID: "A",
		Payload: map[string]any{"agent_id": "writer"}})
	time.Sleep(10 * time.Millisecond)

	statuses := g.AgentStatuses()
	if len(statuses) != 1 || statuses[0].Status != "busy" {
		t.Fatalf("expected busy writer, got %+v", statuses)
	}

	bus.Publish(event.Event{Type: event.NodeOutput, JobID: "j1", StepID: "A", Timestamp: now,
		Payload: map[string]any{"agent_id": "writer", "duration_ms": int64(40)}})
	bus.Publish(event.Event{Type: event.NodeStart, JobID: "j2", StepID: "B",
		Payload: map[string]any{"agent_id": "writer"}})
	bus.Publish(event.Event{Type: event.NodeOutput, JobID: "j2", StepID: "B", Timestamp: now,
		Payload: map[string]any{"agent_id": "writer", "duration_ms": int64(20)}})
	time.Sleep(10 * time.Millisecond)

	statuses = g.AgentStatuses()
	st := statuses[0]
	if st.Status != "idle" || st.Executions != 2 || st.AvgDurationMS != 30 {
		t.Errorf("aggregation wrong: %+v", st)
	}

	// An error flips the agent to error until its next success.
	bus.Publish(event.Event{Type: event.NodeStart, JobID: "j3", StepID: "C",
		Payload: map[string]any{"agent_id": "writer"}})
	bus.Publish(event.Event{Type: event.NodeError, JobID: "j3", StepID: "C", Timestamp: now,
		Payload: map[string]any{"agent_id": "writer"}})
	time.Sleep(10 * time.Millisecond)
	if st := g.AgentStatuses()[0]; st.Status != "error" {
		t.Errorf("expected error status, got %+v", st)
	}
}

func TestMissedMarkerOnOverflow(t *testing.T) {
	bus := event.NewBus(4)
	g := NewGateway(bus, 2)

	sess := g.Attach("j1")
	// Flood without reading; the subscription buffer (4) overflows.
	publishN(bus, "j1", 50)
	bus.Publish(event.Event{Type: event.RunFinished, JobID: "j1"})

	sawMissed := false
	for f := range sess.Frames() {
		if f.Missed > 0 {
			sawMissed = true
		}
	}
	if !sawMissed {
		t.Error("overflowed session never surfaced a missed marker")
	}
}
