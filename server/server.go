// Package server exposes the HTTP/JSON control surface and the live
// WebSocket event stream.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/artifact"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/engine"
	"github.com/loomhq/loom/event"
	"github.com/loomhq/loom/job"
	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/template"
)

// Config wires the Server.
type Config struct {
	Manager     *job.Manager
	Agents      *agent.Registry
	Templates   *template.Registry
	Checkpoints checkpoint.Store[*engine.Context]
	Artifacts   artifact.Sink
	Stream      *stream.Gateway
	Bus         *event.Bus
	Metrics     prometheus.Gatherer
	Log         *slog.Logger
}

// Server is the HTTP control surface.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDeleteJob)
		r.Post("/{id}/pause", s.control("pause"))
		r.Post("/{id}/resume", s.control("resume"))
		r.Post("/{id}/step", s.control("step"))
		r.Post("/{id}/cancel", s.control("cancel"))
		r.Post("/{id}/retry", s.control("retry"))
		r.Post("/{id}/archive", s.control("archive"))
		r.Post("/{id}/unarchive", s.control("unarchive"))
		r.Get("/{id}/logs/stream", s.handleLogStream)
		r.Get("/{id}/artifacts", s.handleListArtifacts)
	})
	r.Get("/artifacts/{ref}", s.handleGetArtifact)
	r.Get("/agents", s.handleListAgents)
	r.Get("/agents/status", s.handleAgentStatus)
	r.Get("/workflows", s.handleListWorkflows)
	r.Get("/checkpoints", s.handleListCheckpoints)
	r.Post("/checkpoints/{job}/{id}/restore", s.handleRestoreCheckpoint)
	r.Delete("/checkpoints/{job}/{id}", s.handleDeleteCheckpoint)
	r.Get("/ws/jobs/{id}", s.handleWebSocket)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// respondError maps the error taxonomy onto status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""

	var engErr *engine.Error
	var reject *job.RejectError
	switch {
	case errors.As(err, &engErr) && engErr.Kind == engine.KindInvalidInputs:
		status, kind = http.StatusBadRequest, string(engErr.Kind)
	case errors.Is(err, template.ErrNotFound),
		errors.Is(err, job.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, agent.ErrUnknownAgent):
		status = http.StatusNotFound
	case errors.As(err, &reject):
		status = http.StatusConflict
	case errors.As(err, &engErr):
		kind = string(engErr.Kind)
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID     string         `json:"workflow_id"`
		Inputs         map[string]any `json:"inputs"`
		Metadata       map[string]any `json:"metadata"`
		MaxConcurrency int            `json:"max_concurrency"`
		StepMode       bool           `json:"step_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "malformed JSON body"})
		return
	}
	j, err := s.cfg.Manager.Create(body.WorkflowID, body.Inputs, job.CreateOptions{
		Metadata:       body.Metadata,
		MaxConcurrency: body.MaxConcurrency,
		StepMode:       body.StepMode,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.log.Info("job accepted", "job_id", j.ID, "workflow_id", j.WorkflowID)
	respondJSON(w, http.StatusCreated, map[string]any{
		"job_id": j.ID,
		"status": j.Status,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	f := job.Filter{
		Status:          engine.Status(q.Get("status")),
		IncludeArchived: q.Get("archived") == "true",
		Limit:           limit,
		Offset:          offset,
	}
	if f.Status != "" && !f.Status.Valid() {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status filter"})
		return
	}
	jobs := s.cfg.Manager.List(f)
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.cfg.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Manager.Delete(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// control maps the POST action endpoints onto manager commands.
func (s *Server) control(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		var err error
		switch action {
		case "pause":
			err = s.cfg.Manager.Pause(jobID)
		case "resume":
			err = s.cfg.Manager.Resume(jobID)
		case "step":
			err = s.cfg.Manager.Step(jobID)
		case "cancel":
			err = s.cfg.Manager.Cancel(jobID)
		case "retry":
			err = s.cfg.Manager.Retry(jobID)
		case "archive":
			err = s.cfg.Manager.Archive(jobID)
		case "unarchive":
			err = s.cfg.Manager.Unarchive(jobID)
		}
		if err != nil {
			s.respondError(w, err)
			return
		}
		j, err := s.cfg.Manager.Get(jobID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"job_id": j.ID,
			"status": j.Status,
		})
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Agents.List()})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Stream.AgentStatuses()})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	type workflowInfo struct {
		ID          string   `json:"id"`
		Name        string   `json:"name,omitempty"`
		Description string   `json:"description,omitempty"`
		Version     string   `json:"version,omitempty"`
		Steps       int      `json:"steps"`
		Order       []string `json:"order"`
	}
	all := s.cfg.Templates.List()
	out := make([]workflowInfo, len(all))
	for i, c := range all {
		out[i] = workflowInfo{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Version:     c.Version,
			Steps:       len(c.Steps),
			Order:       c.TopoOrder,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	j, err := s.cfg.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	type artifactInfo struct {
		Name string `json:"name"`
		Ref  string `json:"ref"`
		Size int64  `json:"size"`
	}
	out := make([]artifactInfo, 0, len(j.Context.Artifacts))
	for name, ref := range j.Context.Artifacts {
		out = append(out, artifactInfo{Name: name, Ref: ref.Path, Size: ref.Size})
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.Artifacts.Read(artifact.Ref{Path: chi.URLParam(r, "ref")})
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "job_id query parameter required"})
		return
	}
	metas, err := s.cfg.Checkpoints.List(r.Context(), jobID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"checkpoints": metas})
}

// handleRestoreCheckpoint returns a deep copy of the stored snapshot and
// publishes CP.RESTORED. It never mutates a live job; retry consumes
// checkpoints when re-running.
func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "checkpoint id must be an integer"})
		return
	}
	rec, err := s.cfg.Checkpoints.Get(r.Context(), jobID, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(event.Event{
			Type:    event.CPRestored,
			JobID:   jobID,
			StepID:  rec.StepID,
			Payload: map[string]any{"checkpoint_id": rec.ID},
		})
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "checkpoint id must be an integer"})
		return
	}
	if err := s.cfg.Checkpoints.Delete(r.Context(), jobID, id); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
