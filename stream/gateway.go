// Package stream bridges the event bus to external observers: per-job live
// event sessions with ring-buffer replay for late joiners, and aggregated
// per-agent status snapshots.
package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/event"
)

// DefaultReplay is the ring size used when the gateway is built with a
// non-positive one.
const DefaultReplay = 64

// Frame is one unit delivered to an observer. Either Event is set, or
// Missed is non-zero, marking a gap where the observer's buffer overflowed
// and it should resync.
type Frame struct {
	Event  *event.Event `json:"event,omitempty"`
	Missed uint64       `json:"missed,omitempty"`
}

// AgentStatus is the aggregated view of one agent across all jobs.
type AgentStatus struct {
	AgentID       string    `json:"agent_id"`
	Status        string    `json:"status"` // idle | busy | error
	Executions    int64     `json:"executions"`
	AvgDurationMS float64   `json:"avg_duration_ms"`
	LastExecution time.Time `json:"last_execution,omitempty"`
}

type agentStats struct {
	busy       int
	lastFailed bool
	executions int64
	totalDurMS int64
	last       time.Time
}

// Gateway taps the whole bus once and maintains per-job replay rings plus
// agent statistics. Reads are snapshot-consistent: one mutex guards every
// counter, so an observer never sees a torn pair.
type Gateway struct {
	bus      *event.Bus
	ringSize int

	mu     sync.Mutex
	rings  map[string][]event.Event
	agents map[string]*agentStats
	done   chan struct{}
}

// NewGateway attaches to the bus and starts the tap.
func NewGateway(bus *event.Bus, ringSize int) *Gateway {
	if ringSize <= 0 {
		ringSize = DefaultReplay
	}
	g := &Gateway{
		bus:      bus,
		ringSize: ringSize,
		rings:    make(map[string][]event.Event),
		agents:   make(map[string]*agentStats),
		done:     make(chan struct{}),
	}
	tap := bus.Subscribe("")
	go func() {
		defer close(g.done)
		for e := range tap.Events() {
			g.record(e)
		}
	}()
	return g
}

func (g *Gateway) record(e event.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ring := append(g.rings[e.JobID], e)
	if len(ring) > g.ringSize {
		ring = ring[len(ring)-g.ringSize:]
	}
	g.rings[e.JobID] = ring

	agentID, _ := e.Payload["agent_id"].(string)
	if agentID == "" {
		return
	}
	st := g.agents[agentID]
	if st == nil {
		st = &agentStats{}
		g.agents[agentID] = st
	}
	switch e.Type {
	case event.NodeStart:
		st.busy++
	case event.NodeOutput:
		if st.busy > 0 {
			st.busy--
		}
		st.lastFailed = false
		st.executions++
		if d, ok := e.Payload["duration_ms"].(int64); ok {
			st.totalDurMS += d
		} else if d, ok := e.Payload["duration_ms"].(float64); ok {
			st.totalDurMS += int64(d)
		}
		st.last = e.Timestamp
	case event.NodeError:
		if st.busy > 0 {
			st.busy--
		}
		st.lastFailed = true
		st.last = e.Timestamp
	}
}

// AgentStatuses returns the aggregated snapshot, sorted by agent id.
func (g *Gateway) AgentStatuses() []AgentStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AgentStatus, 0, len(g.agents))
	for id, st := range g.agents {
		status := "idle"
		switch {
		case st.busy > 0:
			status = "busy"
		case st.lastFailed:
			status = "error"
		}
		avg := 0.0
		if st.executions > 0 {
			avg = float64(st.totalDurMS) / float64(st.executions)
		}
		out = append(out, AgentStatus{
			AgentID:       id,
			Status:        status,
			Executions:    st.executions,
			AvgDurationMS: avg,
			LastExecution: st.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Session is one observer's attachment to a job stream.
type Session struct {
	frames chan Frame
	sub    *event.Subscription
	bus    *event.Bus
	once   sync.Once
}

// Frames delivers replayed then live frames. The channel closes when the
// job terminates or the session is closed.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Close detaches the observer. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.sub != nil {
			s.bus.Unsubscribe(s.sub)
		}
	})
}

// Attach opens a session on one job: the most recent ring events replay
// first, then the live tail. Subscribing before snapshotting the ring and
// deduplicating on sequence numbers closes the gap between the two.
func (g *Gateway) Attach(jobID string) *Session {
	sub := g.bus.Subscribe(jobID)

	g.mu.Lock()
	replay := append([]event.Event(nil), g.rings[jobID]...)
	g.mu.Unlock()

	s := &Session{frames: make(chan Frame, g.ringSize), sub: sub, bus: g.bus}
	go func() {
		defer close(s.frames)

		var lastSeq uint64
		terminal := false
		for i := range replay {
			s.frames <- Frame{Event: &replay[i]}
			lastSeq = replay[i].Seq
			terminal = terminal || replay[i].Terminal()
		}
		if terminal {
			// The job finished before this observer attached; there is no
			// live tail to follow.
			s.Close()
			return
		}

		var seenDrops uint64
		for e := range sub.Events() {
			if e.Seq <= lastSeq {
				continue
			}
			if d := sub.Dropped(); d > seenDrops {
				s.frames <- Frame{Missed: d - seenDrops}
				seenDrops = d
			}
			ev := e
			s.frames <- Frame{Event: &ev}
			lastSeq = e.Seq
		}
	}()
	return s
}
