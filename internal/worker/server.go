package worker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nanoscale/nanoscale/internal/executor"
	"github.com/nanoscale/nanoscale/pkg/cluster"
	"github.com/nanoscale/nanoscale/pkg/metrics"
)

// Server exposes the worker internal API. Every /internal route requires a
// valid cluster signature from the orchestrator.
type Server struct {
	mux      *http.ServeMux
	runtime  Runtime
	verifier *cluster.Verifier
	logger   *slog.Logger

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	actionResults   *prometheus.CounterVec
}

// NewServer wires the internal API.
func NewServer(runtime Runtime, verifier *cluster.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		runtime:  runtime,
		verifier: verifier,
		logger:   logger.With("component", "worker_api"),
		requestTotal: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "worker",
			Name:      "http_requests_total",
			Help:      "Count of processed worker API requests",
		}, []string{"method", "route", "status"}),
		requestDuration: metrics.HistogramVec(prometheus.HistogramOpts{
			Subsystem: "worker",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of worker API handlers",
			Buckets:   metrics.LongBuckets,
		}, []string{"method", "route", "status"}),
		actionResults: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "worker",
			Name:      "action_results_total",
			Help:      "Runtime action outcomes",
		}, []string{"action", "outcome"}),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

func (s *Server) routes() {
	s.mux.Handle("/metrics", promhttp.Handler())
	s.signed("GET /internal/health", s.handleHealth)
	s.signed("POST /internal/projects", s.handleDeploy)
	s.signed("POST /internal/projects/{id}/stop", s.handleStop)
	s.signed("DELETE /internal/projects/{id}", s.handleRemove)
	s.signed("GET /internal/projects/{id}/activity", s.handleActivity)
}

func (s *Server) signed(pattern string, next http.HandlerFunc) {
	s.mux.Handle(pattern, s.verifier.Middleware(s.instrument(next)))
}

func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": req.Method, "route": req.Pattern, "status": strconv.Itoa(status)}
		s.requestTotal.With(labels).Inc()
		s.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload executor.DeployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.runtime.Deploy(req.Context(), payload)
	s.respond(w, "deploy", payload.ProjectID, err, map[string]string{"status": "deployed"})
}

func (s *Server) handleStop(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	err := s.runtime.Stop(req.Context(), id)
	s.respond(w, "stop", id, err, map[string]string{"status": "stopped"})
}

func (s *Server) handleRemove(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	err := s.runtime.Remove(req.Context(), id)
	s.respond(w, "remove", id, err, map[string]string{"status": "removed"})
}

func (s *Server) handleActivity(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	activity, err := s.runtime.Activity(req.Context(), id)
	s.respond(w, "activity", id, err, activity)
}

func (s *Server) respond(w http.ResponseWriter, action, projectID string, err error, ok any) {
	switch {
	case err == nil:
		s.actionResults.WithLabelValues(action, "success").Inc()
		writeJSON(w, http.StatusOK, ok)
	case errors.Is(err, ErrBusy):
		s.actionResults.WithLabelValues(action, "busy").Inc()
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		s.actionResults.WithLabelValues(action, "invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.actionResults.WithLabelValues(action, "failure").Inc()
		s.logger.Error("runtime action failed", "action", action, "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
