// Package health provides the status HTTP endpoints for Reitti Rele.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/postalsys/reitti-rele/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is a snapshot of the proxy's state.
type Stats struct {
	Running     bool   `json:"running"`
	Address     string `json:"address"`
	Connections int64  `json:"connections"`
	RecvBytes   uint64 `json:"recv_bytes"`
	SentBytes   uint64 `json:"sent_bytes"`
}

// StatsProvider provides proxy statistics.
type StatsProvider interface {
	// IsRunning returns true if the proxy is accepting connections.
	IsRunning() bool

	// Stats returns a snapshot of the proxy's state.
	Stats() Stats
}

// Config configures the status server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof exposes /debug/pprof/* when true.
	Pprof bool

	// Metrics exposes /metrics when true.
	Metrics bool
}

// Server serves /healthz, /metrics, and optionally pprof.
type Server struct {
	cfg      Config
	provider StatsProvider
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	started    time.Time
}

// NewServer creates a status server.
func NewServer(cfg Config, provider StatsProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
	}
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	if s.cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("status server listening", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Address returns the bound address.
func (s *Server) Address() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// handleHealthz reports a JSON status snapshot.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.provider.Stats()

	status := "ok"
	code := http.StatusOK
	if !stats.Running {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
		Stats
	}{
		Status: status,
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Stats:  stats,
	})
}
