package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"yoma-reconciler/internal/jobs"
	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/queue"
	"yoma-reconciler/internal/store"
	"yoma-reconciler/internal/telemetry"
)

// Catalog is the job registry.
type Catalog interface {
	Names() []string
	Get(name string) (*jobs.Entry, error)
}

// Triggerer enqueues an immediate run of a job.
type Triggerer interface {
	Trigger(ctx context.Context, job string) (string, error)
}

// DeadLetterReader reads a job's dead-letter feed.
type DeadLetterReader interface {
	Peek(ctx context.Context, job string, count int64) ([]queue.DeadLetter, error)
	Depth(ctx context.Context, job string) (retained, total int64, err error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the ops API.
type Server struct {
	catalog     Catalog
	trigger     Triggerer
	deadLetters DeadLetterReader
	db          Pinger
	monitor     http.Handler
}

// New constructs the API server. monitor, when set, is mounted under /monitoring.
func New(catalog Catalog, trigger Triggerer, deadLetters DeadLetterReader, db Pinger, monitor http.Handler) *Server {
	return &Server{
		catalog:     catalog,
		trigger:     trigger,
		deadLetters: deadLetters,
		db:          db,
		monitor:     monitor,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Route("/jobs/{job}", func(r chi.Router) {
		r.Post("/trigger", s.handleTrigger)
		r.Post("/items", s.handleCreateItem)
		r.Get("/items/{id}", s.handleGetItem)
		r.Post("/items/{id}/retry", s.handleRetryItem)
		r.Get("/dead-letters", s.handleDeadLetters)
		r.Get("/statuses", s.handleStatuses)
	})

	if s.monitor != nil {
		r.Mount("/monitoring", s.monitor)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobView struct {
	Name         string   `json:"name"`
	Schedule     string   `json:"schedule"`
	Enabled      bool     `json:"enabled"`
	Sources      []string `json:"sources"`
	BatchSize    int      `json:"batch_size"`
	Concurrency  int      `json:"concurrency"`
	RetryErrored bool     `json:"retry_errored"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	out := make([]jobView, 0, len(s.catalog.Names()))
	for _, name := range s.catalog.Names() {
		e, err := s.catalog.Get(name)
		if err != nil {
			continue
		}
		out = append(out, jobView{
			Name:         e.Name,
			Schedule:     e.Config.Schedule,
			Enabled:      e.Config.IsEnabled(),
			Sources:      e.Sources,
			BatchSize:    e.Config.BatchSize,
			Concurrency:  e.Config.Concurrency,
			RetryErrored: e.Config.RetryErrored,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// entry resolves the {job} parameter, answering 404 itself when unknown.
func (s *Server) entry(w http.ResponseWriter, r *http.Request) (*jobs.Entry, bool) {
	e, err := s.catalog.Get(chi.URLParam(r, "job"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return e, true
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if s.trigger == nil {
		http.Error(w, "triggering is not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := s.trigger.Trigger(r.Context(), e.Name)
	if err != nil {
		logrus.WithError(err).WithField("job", e.Name).Error("trigger run")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job": e.Name, "task_id": id})
}

type createItemRequest struct {
	Payload json.RawMessage `json:"payload"`
	DateEnd *time.Time      `json:"date_end"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	item, err := e.Create(r.Context(), req.Payload, req.DateEnd)
	switch {
	case errors.Is(err, jobs.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		logrus.WithError(err).WithField("job", e.Name).Error("create item")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	item, err := e.Items.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	err := e.Retry(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrStateMismatch):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		logrus.WithError(err).WithFields(logrus.Fields{"job": e.Name, "item": id}).Error("retry item")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logrus.WithFields(logrus.Fields{"job": e.Name, "item": id}).Info("item requeued")
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": e.Sources[0]})
}

// itemID reads the item id from the path. Item ids are UUIDs; anything else cannot exist.
func itemID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("item %q: %w", raw, store.ErrNotFound))
		return "", false
	}
	return id.String(), true
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	if s.deadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.DeadLetter{}})
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.deadLetters.Peek(r.Context(), e.Name, limit)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	retained, total, err := s.deadLetters.Depth(r.Context(), e.Name)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "retained": retained, "total": total})
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	e, ok := s.entry(w, r)
	if !ok {
		return
	}
	statuses, err := e.Statuses.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if statuses == nil {
		statuses = []models.StatusLookup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": e.Statuses.Table(), "statuses": statuses})
}

// statusCodeFor maps lookup misses to 404.
func statusCodeFor(err error, fallback int) int {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, jobs.ErrUnknownJob) {
		return http.StatusNotFound
	}
	return fallback
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, statusCodeFor(err, code), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
