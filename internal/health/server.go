// Package health exposes the HTTP monitoring surface: a liveness
// endpoint backed by the node connection and the metrics scrape
// endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencustody/settler/internal/core/domain"
)

// Checker reports settlement-subsystem liveness.
type Checker interface {
	HealthCheck(ctx context.Context) domain.HealthReport
	InMaintenance() bool
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	checker Checker
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(checker Checker, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		checker: checker,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
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
	report := s.checker.HealthCheck(r.Context())

	status := "healthy"
	code := http.StatusOK
	switch {
	case s.checker.InMaintenance():
		status = "maintenance"
		code = http.StatusServiceUnavailable
	case !report.RPC.Connected:
		status = "critical"
		code = http.StatusServiceUnavailable
	case report.Stream != nil && !report.Stream.Connected:
		// Polling still works without the stream.
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.checker.HealthCheck(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Maintenance bool                `json:"maintenance"`
		Report      domain.HealthReport `json:"report"`
	}{
		Maintenance: s.checker.InMaintenance(),
		Report:      report,
	})
}
