package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chronflow/internal/domain"
	"chronflow/internal/engine"
	"chronflow/internal/executor"
	"chronflow/internal/recurrence"
	"chronflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	store store.Store
	sched *engine.Scheduler
	coord *engine.Coordinator
	rec   *engine.Reconciler
	execs executor.Registry

	reconcileToken string
}

func NewServer(st store.Store, sched *engine.Scheduler, coord *engine.Coordinator, rec *engine.Reconciler, execs executor.Registry, reconcileToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, sched: sched, coord: coord, rec: rec, execs: execs, reconcileToken: reconcileToken}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Put("/api/tasks/{id}", s.updateTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Post("/api/tasks/{id}/run", s.runTask)

	r.Post("/internal/reconcile", s.reconcile)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("chronflow_up 1\n"))
}

type taskReq struct {
	Name      string          `json:"name"`
	Frequency string          `json:"frequency"`
	Time      string          `json:"time"`
	Timezone  string          `json:"timezone"`
	Weekday   string          `json:"weekday"`
	Date      string          `json:"date"`
	Executor  string          `json:"executor"`
	Payload   json.RawMessage `json:"payload"`
	IsActive  *bool           `json:"is_active"`
}

type taskView struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Frequency     string          `json:"frequency"`
	Time          string          `json:"time"`
	Timezone      string          `json:"timezone"`
	Weekday       string          `json:"weekday,omitempty"`
	Date          string          `json:"date,omitempty"`
	Executor      string          `json:"executor"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	IsActive      bool            `json:"is_active"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	LastRunError  string          `json:"last_run_error,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
}

func viewOf(t domain.Task) taskView {
	return taskView{
		ID: t.ID, Name: t.Name, Frequency: string(t.Frequency),
		Time: t.TimeOfDay, Timezone: t.Timezone, Weekday: t.Weekday, Date: t.Date,
		Executor: t.Executor, Payload: t.Payload, IsActive: t.IsActive,
		LastRunAt: t.LastRunAt, LastRunStatus: string(t.LastRunStatus),
		LastRunError: t.LastRunError, NextRunAt: t.NextRunAt,
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.Executor == "" {
		http.Error(w, "executor is required", 400)
		return
	}
	if !s.execs.Known(req.Executor) {
		http.Error(w, "unknown executor: "+req.Executor, 400)
		return
	}
	freq, err := domain.ParseFrequency(req.Frequency)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	t := domain.Task{
		Name: req.Name, Frequency: freq, TimeOfDay: req.Time, Timezone: req.Timezone,
		Weekday: req.Weekday, Date: req.Date, Executor: req.Executor, Payload: req.Payload,
		IsActive: true,
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	// Rule shape errors are rejected here so they never reach the scheduler.
	if _, err := recurrence.FromTask(t); err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), 400)
		return
	}

	id, err := s.store.Create(r.Context(), t)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	t.ID = id
	if err := s.sched.AddOrUpdate(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, 200, views)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, viewOf(t))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Frequency != "" {
		freq, err := domain.ParseFrequency(req.Frequency)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		t.Frequency = freq
	}
	if req.Time != "" {
		t.TimeOfDay = req.Time
	}
	if req.Timezone != "" {
		t.Timezone = req.Timezone
	}
	if req.Weekday != "" {
		t.Weekday = req.Weekday
	}
	if req.Date != "" {
		t.Date = req.Date
	}
	if req.Executor != "" {
		if !s.execs.Known(req.Executor) {
			http.Error(w, "unknown executor: "+req.Executor, 400)
			return
		}
		t.Executor = req.Executor
	}
	if req.Payload != nil {
		t.Payload = req.Payload
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}

	if _, err := recurrence.FromTask(t); err != nil {
		http.Error(w, "invalid schedule: "+err.Error(), 400)
		return
	}
	if err := s.store.Update(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	// Re-derive the pending timer: cancel-and-replace happens inside.
	if err := s.sched.AddOrUpdate(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, viewOf(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.sched.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

type runResp struct {
	Executed bool      `json:"executed"`
	Status   string    `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	Due      time.Time `json:"due"`
}

// runTask triggers an immediate execution with due=now, bypassing the dedup
// guard: a manual run is allowed even if the natural schedule already fired
// this period.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	res, err := s.coord.Run(r.Context(), t, time.Now().UTC().Truncate(time.Second), true)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, runResp{Executed: res.Executed, Status: string(res.Status), Error: res.Detail, Due: res.Due})
}

type reconcileResp struct {
	ExecutedCount int       `json:"executed_count"`
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error,omitempty"`
}

// reconcile runs one polling pass. It is meant to be hit on a fixed external
// interval (or by the built-in self tick) and requires the bearer token.
func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconcileToken == "" || bearerToken(r) != s.reconcileToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	now := time.Now()
	count, err := s.rec.RunOnce(r.Context(), now)
	if err != nil {
		// tasks already dispatched in this pass keep their results
		writeJSON(w, 500, reconcileResp{ExecutedCount: count, Timestamp: now, Error: err.Error()})
		return
	}
	writeJSON(w, 200, reconcileResp{ExecutedCount: count, Timestamp: now})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
