// Package api exposes the HTTP interface for a running scrape session:
// health, readiness, Prometheus metrics, and session status.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/monitor"
	"github.com/pagesift/pagesift/internal/scrape"
)

// Status is the slice of the session manager the API reads from.
type Status interface {
	Healthy() bool
	Summary() scrape.Summary
	WorkerStates() []scrape.WorkerState
}

// PressureSource reports the current resource pressure snapshot.
type PressureSource interface {
	Current() monitor.Snapshot
}

// Server wires HTTP handlers to the running session.
type Server struct {
	router  chi.Router
	status  Status
	monitor PressureSource
	logger  *zap.Logger
	started time.Time
}

// NewServer constructs a Server with middleware and routes. monitor may be
// nil when resource sampling is disabled.
func NewServer(status Status, mon PressureSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		status:  status,
		monitor: mon,
		logger:  logger,
		started: time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/summary", s.summary)
		r.Get("/workers", s.workers)
		r.Get("/resources", s.resources)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.status != nil && !s.status.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Summary())
}

func (s *Server) workers(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.status.WorkerStates()})
}

func (s *Server) resources(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusNotFound, "resource monitoring disabled")
		return
	}
	snap := s.monitor.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"pressure":       snap.Pressure.String(),
		"memory_percent": snap.MemoryPercent,
		"cpu_temp_c":     snap.CPUTempC,
		"sampled_at":     snap.Taken,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered in handler", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
