// Package status serves health and metrics endpoints for the resilience agent.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/resilience/metrics"
	"github.com/vietddude/resilience/internal/resilience/scheduler"
	"github.com/vietddude/resilience/internal/resilience/token"
)

// ConnectionSource reports the current connection snapshot.
type ConnectionSource interface {
	Info() domain.ConnectionInfo
}

// RefreshSource reports the coordinator state.
type RefreshSource interface {
	State() token.State
}

// SchedulerSource reports the proactive scheduler counters.
type SchedulerSource interface {
	Snapshot() scheduler.Snapshot
}

// Report is the body of /health/detailed.
type Report struct {
	Status     domain.ConnectionStatus `json:"status"`
	Connection domain.ConnectionInfo   `json:"connection"`
	Refresh    token.State             `json:"refresh"`
	Scheduler  *scheduler.Snapshot     `json:"scheduler,omitempty"`
	Metrics    metrics.Snapshot        `json:"metrics"`
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	conn      ConnectionSource
	refresh   RefreshSource
	scheduler SchedulerSource
	metrics   *metrics.Metrics
	server    *http.Server
}

// NewServer creates a new status server. sched may be nil.
func NewServer(port int, conn ConnectionSource, refresh RefreshSource, sched SchedulerSource, m *metrics.Metrics) *Server {
	mux := http.NewServeMux()
	s := &Server{
		conn:      conn,
		refresh:   refresh,
		scheduler: sched,
		metrics:   m,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /metrics/reset", s.handleReset)

	return s
}

// Handler exposes the routes for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.conn.Info().Status

	code := http.StatusOK
	if status == domain.ConnectionOffline {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	info := s.conn.Info()
	report := Report{
		Status:     info.Status,
		Connection: info,
		Refresh:    s.refresh.State(),
		Metrics:    s.metrics.Snapshot(),
	}
	if s.scheduler != nil {
		snap := s.scheduler.Snapshot()
		report.Scheduler = &snap
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
