package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/loomhq/loom/job"
)

// handleLogStream serves the per-job event stream as line-delimited JSON
// frames. Recent events replay from the ring buffer, then the live tail
// follows until the job terminates or the client disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.cfg.Manager.Get(jobID); err != nil {
		s.respondError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sess := s.cfg.Stream.Attach(jobID)
	defer sess.Close()

	enc := json.NewEncoder(w)
	for {
		select {
		case frame, open := <-sess.Frames():
			if !open {
				return
			}
			if err := enc.Encode(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control surface carries no credentials; origin policy belongs to
	// the deployment proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// controlFrame is a client-to-server command on the live stream, mirroring
// the POST control endpoints.
type controlFrame struct {
	Action string `json:"action"`
}

type ackFrame struct {
	Ack    string `json:"ack,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
}

// handleWebSocket serves the bidirectional live stream: server-to-client
// event frames, client-to-server control frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.cfg.Manager.Get(jobID); err != nil {
		s.respondError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.cfg.Stream.Attach(jobID)
	defer sess.Close()

	// Reader: control frames until the peer goes away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var cmd controlFrame
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			ack := ackFrame{Ack: cmd.Action}
			if err := s.dispatchControl(jobID, cmd.Action); err != nil {
				ack = ackFrame{Error: err.Error()}
			} else if j, err := s.cfg.Manager.Get(jobID); err == nil {
				ack.Status = string(j.Status)
			}
			_ = conn.WriteJSON(ack)
		}
	}()

	// Writer: frames until the stream or the reader ends.
	for {
		select {
		case frame, open := <-sess.Frames():
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job stream ended"),
					time.Now().Add(5*time.Second))
				<-readerDone
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func (s *Server) dispatchControl(jobID, action string) error {
	switch action {
	case "pause":
		return s.cfg.Manager.Pause(jobID)
	case "resume":
		return s.cfg.Manager.Resume(jobID)
	case "step":
		return s.cfg.Manager.Step(jobID)
	case "cancel":
		return s.cfg.Manager.Cancel(jobID)
	case "retry":
		return s.cfg.Manager.Retry(jobID)
	case "archive":
		return s.cfg.Manager.Archive(jobID)
	case "unarchive":
		return s.cfg.Manager.Unarchive(jobID)
	}
	return &job.RejectError{JobID: jobID, Command: action, Reason: "unknown control action"}
}
