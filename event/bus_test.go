package event

import (
	"sync"
	"testing"
)

func TestPublishFIFOPerSubscriber(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe("job-1")

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: NodeStdout, JobID: "job-1"})
	}
	bus.Publish(Event{Type: RunFinished, JobID: "job-1"})

	var last uint64
	count := 0
	for e := range sub.Events() {
		if e.Seq <= last {
			t.Fatalf("sequence went backwards: %d after %d", e.Seq, last)
		}
		last = e.Seq
		count++
	}
	if count != 11 {
		t.Errorf("expected 11 events, got %d", count)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("job-1")

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: NodeStdout, JobID: "job-1"})
	}

	if got := sub.Dropped(); got != 6 {
		t.Errorf("expected 6 dropped, got %d", got)
	}

	// The surviving buffer must be the contiguous tail.
	want := uint64(7)
	for i := 0; i < 4; i++ {
		e := <-sub.Events()
		if e.Seq != want {
			t.Errorf("expected seq %d, got %d", want, e.Seq)
		}
		want++
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	bus := NewBus(1)
	_ = bus.Subscribe("job-1") // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: NodeStdout, JobID: "job-1"})
		}
		close(done)
	}()
	<-done
}

func TestPrefixFilter(t *testing.T) {
	bus := NewBus(64)
	nodeOnly := bus.Subscribe("job-1", "NODE.")
	runOnly := bus.Subscribe("job-1", "RUN.")

	bus.Publish(Event{Type: NodeStart, JobID: "job-1"})
	bus.Publish(Event{Type: NodeOutput, JobID: "job-1"})
	bus.Publish(Event{Type: RunFinished, JobID: "job-1"})

	var nodeEvents, runEvents int
	for range nodeOnly.Events() {
		nodeEvents++
	}
	for range runOnly.Events() {
		runEvents++
	}
	if nodeEvents != 2 {
		t.Errorf("NODE. filter: expected 2, got %d", nodeEvents)
	}
	if runEvents != 1 {
		t.Errorf("RUN. filter: expected 1, got %d", runEvents)
	}
}

func TestWildcardSubscriptionSeesAllJobs(t *testing.T) {
	bus := NewBus(64)
	all := bus.Subscribe("")

	bus.Publish(Event{Type: NodeStart, JobID: "a"})
	bus.Publish(Event{Type: NodeStart, JobID: "b"})
	bus.Publish(Event{Type: RunFinished, JobID: "a"})

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		e := <-all.Events()
		seen[e.JobID]++
	}
	if seen["a"] != 2 || seen["b"] != 1 {
		t.Errorf("unexpected fanout: %v", seen)
	}

	// Wildcard subscriptions survive job termination.
	bus.Publish(Event{Type: NodeStart, JobID: "c"})
	e := <-all.Events()
	if e.JobID != "c" {
		t.Errorf("wildcard closed after terminal event")
	}
}

func TestTerminalEventClosesJobSubscriptions(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe("job-1")

	bus.Publish(Event{Type: NodeStart, JobID: "job-1"})
	bus.Publish(Event{Type: RunCancelled, JobID: "job-1"})

	var types []Type
	for e := range sub.Events() {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[1] != RunCancelled {
		t.Errorf("expected buffered tail then close, got %v", types)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus(128)
	var wg sync.WaitGroup
	for j := 0; j < 4; j++ {
		jobID := string(rune('a' + j))
		sub := bus.Subscribe(jobID)
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(Event{Type: NodeStdout, JobID: id})
			}
			bus.Publish(Event{Type: RunFinished, JobID: id})
		}(jobID)
		go func() {
			defer wg.Done()
			var last uint64
			for e := range sub.Events() {
				if e.Seq <= last {
					t.Errorf("out of order delivery")
					return
				}
				last = e.Seq
			}
		}()
	}
	wg.Wait()
}
