package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/periodic"
	"workq/internal/queue"
)

// Submitter enqueues tasks. queue.Queue implements it.
type Submitter interface {
	Submit(ctx context.Context, name string, params map[string]any, opts queue.SubmitOptions) (*domain.Task, error)
}

type Options struct {
	Queue     Submitter
	Backend   backend.Backend
	Gatherer  prometheus.Gatherer
	Schedules []periodic.Recurring
	// Debug mounts the pprof handlers under /debug/pprof.
	Debug bool
}

type Server struct {
	r    *chi.Mux
	opts Options
}

func NewServer(opts Options) http.Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, opts: opts}

	r.Get("/health", health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.submitTask)
		r.Get("/", s.listTasks)
		r.Post("/clean", s.clean)
		r.Post("/clean-failed", s.cleanFailed)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.deleteTask)
	})
	r.Get("/api/schedules", s.listSchedules)

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// NewMetricsServer serves only /health and /metrics; worker processes
// expose it when started with a metrics address.
func NewMetricsServer(g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", health)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Timeout   int            `json:"timeout"`
	ResultTTL int            `json:"result_ttl"`
	Debug     bool           `json:"debug"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		http.Error(w, "no queue configured", http.StatusServiceUnavailable)
		return
	}
	var req submitReq
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Timeout < 0 || req.ResultTTL < 0 {
		http.Error(w, "timeout and result_ttl must not be negative", http.StatusBadRequest)
		return
	}
	t, err := s.opts.Queue.Submit(r.Context(), req.Name, req.Params, queue.SubmitOptions{
		Timeout:   req.Timeout,
		ResultTTL: req.ResultTTL,
		Debug:     req.Debug,
	})
	switch {
	case errors.Is(err, domain.ErrMissingName), errors.Is(err, domain.ErrMissingApp), errors.Is(err, queue.ErrNoExecutor):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil && t == nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	case err != nil:
		log.Error().Err(err).Str("task_id", t.ID).Msg("debug execution failed")
	}
	if req.Debug {
		writeJSON(w, http.StatusOK, t)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) store(w http.ResponseWriter) (backend.Backend, bool) {
	if s.opts.Backend == nil {
		http.Error(w, backend.ErrNotConfigured.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return s.opts.Backend, true
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store(w)
	if !ok {
		return
	}
	tasks, err := b.ListTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store(w)
	if !ok {
		return
	}
	t, err := b.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, backend.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store(w)
	if !ok {
		return
	}
	err := b.DeleteTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, backend.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cleanResp struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

func (s *Server) clean(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store(w)
	if !ok {
		return
	}
	report, err := b.Clean(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cleanResp{Deleted: nonNil(report.Deleted), Failed: nonNil(report.Failed)})
}

func (s *Server) cleanFailed(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store(w)
	if !ok {
		return
	}
	ids, err := b.CleanFailed(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cleanResp{Deleted: nonNil(ids), Failed: []string{}})
}

type scheduleResp struct {
	Name    string         `json:"name"`
	Cron    string         `json:"cron"`
	Task    string         `json:"task"`
	Params  map[string]any `json:"params,omitempty"`
	NextRun time.Time      `json:"next_run"`
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	out := make([]scheduleResp, 0, len(s.opts.Schedules))
	now := time.Now()
	for _, sc := range s.opts.Schedules {
		next, err := periodic.NextRunTime(sc.Cron, now)
		if err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, scheduleResp{Name: sc.Name, Cron: sc.Cron, Task: sc.Task, Params: sc.Params, NextRun: next})
	}
	writeJSON(w, http.StatusOK, out)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
