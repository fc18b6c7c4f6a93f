package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
	"github.com/JakeFAU/scrape-scheduler/internal/proxy"
	"github.com/JakeFAU/scrape-scheduler/internal/scheduler"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Config controls the admin server.
type Config struct {
	Addr           string        `mapstructure:"addr"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Scheduler is the subset of the task scheduler the server drives.
type Scheduler interface {
	Submit(id string, cfg scrape.TaskConfig, priority *int) error
	ExecuteTask(ctx context.Context, id string) (scrape.TaskResult, error)
	PauseTask(id string) bool
	ResumeTask(id string) bool
	CancelTask(id string) bool
	Task(id string) (scrape.Task, bool)
	Tasks() []scrape.Task
	GetMetrics() scheduler.Metrics
	BreakerState() breaker.State
}

// ProxySnapshotter reports the proxy pool.
type ProxySnapshotter interface {
	Snapshot() []proxy.Status
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router  chi.Router
	sched   Scheduler
	proxies ProxySnapshotter
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. proxies may be nil.
func NewServer(sched Scheduler, proxies ProxySnapshotter, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		sched:   sched,
		proxies: proxies,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/scheduler/metrics", s.schedulerMetrics)
		r.Get("/proxies", s.listProxies)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/run", s.runTask)
				r.Post("/pause", s.pauseTask)
				r.Post("/resume", s.resumeTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.sched.BreakerState()
	if state == breaker.Open {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "breaker": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "breaker": state.String()})
}

func (s *Server) schedulerMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.GetMetrics())
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	if s.proxies == nil {
		writeJSON(w, http.StatusOK, map[string]any{"proxies": []proxy.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.proxies.Snapshot()})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.sched.Tasks()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type submitTaskRequest struct {
	ID       string            `json:"id"`
	Config   scrape.TaskConfig `json:"config"`
	Priority *int              `json:"priority"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := s.sched.Submit(req.ID, req.Config, req.Priority); err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": req.ID})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, scrape.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrBreakerOpen), errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, ok := s.sched.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	res, err := s.sched.ExecuteTask(r.Context(), id)
	switch {
	case errors.Is(err, scrape.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, scheduler.ErrNotRunnable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case res.TaskID == "" && err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		// attempt failures are reported in the result body.
		writeJSON(w, http.StatusOK, map[string]any{"result": res})
	}
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "paused", s.sched.PauseTask)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "resumed", s.sched.ResumeTask)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "cancelled", s.sched.CancelTask)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, verb string, fn func(string) bool) {
	id := chi.URLParam(r, "task_id")
	if _, ok := s.sched.Task(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !fn(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("task cannot be %s in its current state", verb))
		return
	}
	task, _ := s.sched.Task(id)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": task.Status})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
