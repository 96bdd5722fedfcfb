// Package httpmetrics provides HTTP-based metrics exposition for monitoring.
// This package implements HTTP endpoints for metrics in JSON and Prometheus
// formats along with the health check endpoint.
package httpmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/opd-ai/gatekeeper/pkg/health"
	"github.com/opd-ai/gatekeeper/pkg/logger"
	"github.com/opd-ai/gatekeeper/pkg/metrics"
)

// MetricsProvider interface for getting metrics
type MetricsProvider interface {
	Snapshot() *metrics.Snapshot
}

// HealthProvider interface for getting health status
type HealthProvider interface {
	Check(ctx context.Context) health.OverallHealth
}

// Server provides HTTP-based metrics exposition
type Server struct {
	address         string
	metricsProvider MetricsProvider
	healthProvider  HealthProvider
	logger          *logger.Logger
	server          *http.Server
	listener        net.Listener
	mux             *http.ServeMux
	wg              sync.WaitGroup
}

// NewServer creates a new HTTP metrics server
func NewServer(address string, metricsProvider MetricsProvider, healthProvider HealthProvider, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		address:         address,
		metricsProvider: metricsProvider,
		healthProvider:  healthProvider,
		logger:          log.Component("httpmetrics"),
		mux:             mux,
	}

	// Register handlers
	mux.HandleFunc("/metrics", s.handlePrometheusMetrics)
	mux.HandleFunc("/metrics/json", s.handleJSONMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleIndex)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP metrics server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = listener
	s.logger.Info("HTTP metrics server listening", "address", listener.Addr().String())

	// Serve in background
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handlePrometheusMetrics serves metrics in Prometheus text format
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metricsProvider.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	for _, m := range []struct {
		name string
		help string
		kind string
		val  int64
	}{
		{"gatekeeper_sessions_accepted_total", "Client connections accepted", "counter", snap.SessionsAccepted},
		{"gatekeeper_sessions_completed_total", "Sessions run to completion", "counter", snap.SessionsCompleted},
		{"gatekeeper_sessions_active", "Sessions currently live", "gauge", snap.ActiveSessions},
		{"gatekeeper_handshake_failures_total", "SOCKS5 negotiation failures", "counter", snap.HandshakeFailures},
		{"gatekeeper_requests_total", "CONNECT requests evaluated", "counter", snap.Requests},
		{"gatekeeper_verdict_allow_total", "Requests allowed by the ruleset", "counter", snap.VerdictAllow},
		{"gatekeeper_verdict_deny_total", "Requests denied by the ruleset", "counter", snap.VerdictDeny},
		{"gatekeeper_dial_success_total", "Upstream dials that succeeded", "counter", snap.DialSuccess},
		{"gatekeeper_dial_failures_total", "Upstream dials that failed", "counter", snap.DialFailures},
		{"gatekeeper_bytes_client_to_upstream_total", "Bytes relayed from clients", "counter", snap.BytesClientToUpstream},
		{"gatekeeper_bytes_upstream_to_client_total", "Bytes relayed to clients", "counter", snap.BytesUpstreamToClient},
		{"gatekeeper_relay_faults_total", "Relays ended by a hard error", "counter", snap.RelayFaults},
		{"gatekeeper_uptime_seconds", "Process uptime", "gauge", snap.UptimeSeconds},
	} {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", m.name, m.help, m.name, m.kind, m.name, m.val)
	}
	fmt.Fprintf(w, "# HELP gatekeeper_dial_time_seconds Upstream dial latency\n# TYPE gatekeeper_dial_time_seconds summary\n")
	fmt.Fprintf(w, "gatekeeper_dial_time_seconds{quantile=\"0.95\"} %f\n", snap.DialTimeP95.Seconds())
	fmt.Fprintf(w, "gatekeeper_dial_time_seconds_avg %f\n", snap.DialTimeAvg.Seconds())
}

// handleJSONMetrics serves the metrics snapshot as JSON
func (s *Server) handleJSONMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metricsProvider.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("failed to encode metrics", "error", err)
	}
}

// handleHealth serves the aggregated health check result. Unhealthy
// overall status maps to HTTP 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overall := s.healthProvider.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if overall.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(overall); err != nil {
		s.logger.Error("failed to encode health", "error", err)
	}
}

// handleIndex lists the available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "gatekeeper admin endpoint")
	fmt.Fprintln(w, "  /metrics       Prometheus text format")
	fmt.Fprintln(w, "  /metrics/json  JSON snapshot")
	fmt.Fprintln(w, "  /health        health check")
}
