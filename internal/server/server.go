// Package server exposes the definition and run configuration surface over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/extraction"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/queue"
)

// DefinitionStore is the subset of extraction.Store the API reads and writes.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, d *model.Definition) error
	UpdateDefinition(ctx context.Context, d *model.Definition) error
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
	ListDefinitions(ctx context.Context, workspaceID string, activeOnly bool) ([]model.Definition, error)
	SetDefinitionActive(ctx context.Context, id string, active bool) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
}

// RunService starts and cancels runs.
type RunService interface {
	StartRun(ctx context.Context, definitionID string) (*model.Run, error)
	CancelRun(ctx context.Context, runID string) error
}

// ProgressReader counts a run's staging rows.
type ProgressReader interface {
	Progress(ctx context.Context, runID string) (*model.Progress, error)
}

// LogReader lists a run's audit entries.
type LogReader interface {
	List(ctx context.Context, runID string, limit int) ([]model.LogEntry, error)
}

// ArchiveReader lists archived queue messages.
type ArchiveReader interface {
	ListArchived(ctx context.Context, queue string, limit int) ([]queue.ArchivedMessage, error)
}

// Deps wires the server to its stores.
type Deps struct {
	Definitions DefinitionStore
	Runs        RunService
	Progress    ProgressReader
	Logs        LogReader
	Archive     ArchiveReader
}

// Server serves the HTTP API.
type Server struct {
	deps    Deps
	origins []string
	log     *zap.Logger
}

// New creates a Server. Empty origins allow any.
func New(deps Deps, origins []string) *Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		deps:    deps,
		origins: origins,
		log:     zap.L().With(zap.String("component", "server")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/definitions", func(r chi.Router) {
			r.Post("/", s.createDefinition)
			r.Get("/", s.listDefinitions)
			r.Put("/{id}", s.updateDefinition)
			r.Post("/{id}/deactivate", s.deactivateDefinition)
			r.Post("/{id}/runs", s.startRun)
		})
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/cancel", s.cancelRun)
			r.Get("/progress", s.runProgress)
			r.Get("/logs", s.runLogs)
		})
		r.Get("/queues/{name}/archive", s.listArchive)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) createDefinition(w http.ResponseWriter, r *http.Request) {
	var d model.Definition
	if !decode(w, r, &d) {
		return
	}
	d.ID = ""
	if err := s.deps.Definitions.CreateDefinition(r.Context(), &d); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) updateDefinition(w http.ResponseWriter, r *http.Request) {
	var d model.Definition
	if !decode(w, r, &d) {
		return
	}
	d.ID = chi.URLParam(r, "id")
	if err := s.deps.Definitions.UpdateDefinition(r.Context(), &d); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	ws := r.URL.Query().Get("workspace_id")
	if ws == "" {
		s.writeError(w, &model.ValidationError{Field: "workspace_id", Reason: "required"})
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	defs, err := s.deps.Definitions.ListDefinitions(r.Context(), ws, activeOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if defs == nil {
		defs = []model.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) deactivateDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Definitions.SetDefinitionActive(r.Context(), id, false); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": false})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.StartRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Runs.CancelRun(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.RunStatusCancelled)})
}

func (s *Server) runProgress(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Progress.Progress(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "staging": p})
}

func (s *Server) runLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Logs.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	msgs, err := s.deps.Archive.ListArchived(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []queue.ArchivedMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	run, err := s.deps.Definitions.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if run == nil {
		s.writeError(w, extraction.ErrNotFound)
		return nil, false
	}
	return run, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var syntaxErr *json.SyntaxError
	switch {
	case model.IsValidation(err), errors.As(err, &syntaxErr):
		return http.StatusBadRequest
	case extraction.IsNotFound(err), errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case model.IsStale(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}
