// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides health, readiness, and metrics HTTP endpoints on an admin
// port, separate from the stub listeners.
type Server struct {
	logger   *zap.Logger
	stats    *Stats
	gatherer prometheus.Gatherer
	version  string
	addr     string
	ready    atomic.Bool

	mu       sync.RWMutex
	services []string

	server   *http.Server
	listener net.Listener
}

// NewServer creates a health server. /metrics serves everything registered
// with gatherer.
func NewServer(addr, version string, stats *Stats, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		version:  version,
		stats:    stats,
		gatherer: gatherer,
		logger:   logger,
	}
}

// SetReady marks the process as ready to serve traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// SetServices records the names of the hosted stubs for /health.
func (s *Server) SetServices(names []string) {
	s.mu.Lock()
	s.services = append([]string(nil), names...)
	s.mu.Unlock()
}

// Handler returns the admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Uptime   string   `json:"uptime"`
	Services []string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	services := s.services
	s.mu.RUnlock()

	resp := healthResponse{
		Status:   "healthy",
		Version:  s.version,
		Uptime:   s.stats.Uptime().Truncate(time.Second).String(),
		Services: services,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Write([]byte(`{"status":"ready"}`))
}
