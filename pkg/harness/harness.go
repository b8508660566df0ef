// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package harness wires configured stub services together with their
// instrumentation, span export, metrics and the admin server.
package harness

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/config"
	"github.com/mbeema/tracehop/pkg/export"
	"github.com/mbeema/tracehop/pkg/health"
	"github.com/mbeema/tracehop/pkg/instrument"
	"github.com/mbeema/tracehop/pkg/metrics"
	"github.com/mbeema/tracehop/pkg/stub"
	"github.com/mbeema/tracehop/pkg/tracectx"
)

const shutdownTimeout = 10 * time.Second

// hosted is one running stub and the handler whose settings Reload swaps.
type hosted struct {
	cfg   config.ServiceConfig
	svc   *stub.Service
	leaf  *stub.Leaf
	coord *stub.Coordinator
}

// Harness hosts one or more stub services in a single process.
type Harness struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	registry       *prometheus.Registry
	healthStats    *health.Stats
	healthServer   *health.Server
	requestMetrics *metrics.RequestMetrics
	exporters      map[string]*export.Manager // by reporter
	services       []*hosted

	mu      sync.Mutex
	started bool
}

// New builds every component described by cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Harness, error) {
	h := &Harness{
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		healthStats: health.NewStats(),
		exporters:   make(map[string]*export.Manager),
	}
	h.cfg.Store(cfg)

	h.registry.MustRegister(
		collectors.NewGoCollector(),
		metrics.NewProcessCollector(logger),
	)
	if err := h.healthStats.Register(h.registry); err != nil {
		return nil, fmt.Errorf("register health stats: %w", err)
	}
	h.requestMetrics = metrics.NewRequestMetrics(h.registry, nil)

	if cfg.Tracing.Enabled {
		res := export.NewResource(cfg.ServiceVersion, cfg.DeploymentEnv)
		for _, reporter := range cfg.Reporters() {
			exp, err := export.NewExporter(reporter, &cfg.Exporters, res, logger)
			if err != nil {
				h.shutdownExporters()
				return nil, fmt.Errorf("create %s exporter: %w", reporter, err)
			}
			h.exporters[reporter] = export.NewManager(reporter, exp, h.healthStats, logger)
		}
	}

	var sampler *tracectx.Sampler
	if cfg.Tracing.Enabled {
		sampler = tracectx.NewSampler(cfg.Tracing.Sampling.Rate)
	}
	for i := range cfg.Services {
		h.services = append(h.services, h.buildService(cfg, &cfg.Services[i], sampler))
	}

	if cfg.Health.Enabled && cfg.Health.Port != "" && cfg.Health.Port != "0" {
		h.healthServer = health.NewServer(cfg.Health.Port, cfg.ServiceVersion, h.healthStats, h.registry, logger)
	}

	return h, nil
}

func (h *Harness) buildService(cfg *config.Config, sc *config.ServiceConfig, sampler *tracectx.Sampler) *hosted {
	logger := h.logger.With(zap.String("service", sc.Name))
	hs := &hosted{cfg: *sc}

	var (
		middleware []gin.HandlerFunc
		transport  http.RoundTripper = http.DefaultTransport
	)
	if sampler != nil {
		hopTransport := sc.Transport
		if hopTransport == "" {
			hopTransport = "http"
		}
		tracer := instrument.NewTracer(sc.Name, hopTransport, sampler, logger)
		if m := h.exporters[cfg.ReporterFor(sc)]; m != nil {
			tracer.OnSpan(m.ExportSpan)
		}
		middleware = append(middleware, tracer.Middleware())
		transport = tracer.Transport(transport)
	}
	middleware = append(middleware, h.requestMetrics.Middleware(sc.Name))

	var handler stub.Handler
	switch sc.Role {
	case config.RoleCoordinator:
		hs.coord = stub.NewCoordinator(sc.Name, stub.CoordinatorSettingsFrom(sc), logger,
			stub.WithHTTPClient(&http.Client{Transport: transport}),
			stub.WithHopObserver(h.requestMetrics.HopObserver(sc.Name)),
		)
		handler = hs.coord
	default:
		hs.leaf = stub.NewLeaf(sc.Name, stub.LeafSettingsFrom(sc), logger)
		handler = hs.leaf
	}

	hs.svc = stub.NewService(sc.Name, sc.Listen, handler, sc.SerialEnabled(), logger, middleware...)
	return hs
}

// Start begins exporting and binds every stub listener. If any listener
// fails, the ones already started are shut down.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.exporters {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start %s exporter: %w", m.Reporter(), err)
		}
	}

	if h.healthServer != nil {
		names := make([]string, 0, len(h.services))
		for _, hs := range h.services {
			names = append(names, hs.cfg.Name)
		}
		h.healthServer.SetServices(names)
		if err := h.healthServer.Start(ctx); err != nil {
			h.shutdownExporters()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	for i, hs := range h.services {
		if err := hs.svc.Start(ctx); err != nil {
			h.stopServices(h.services[:i])
			if h.healthServer != nil {
				h.healthServer.Stop()
			}
			h.shutdownExporters()
			return fmt.Errorf("start %s on %s: %w", hs.cfg.Name, hs.cfg.Listen, err)
		}
	}

	h.started = true
	if h.healthServer != nil {
		h.healthServer.SetReady(true)
	}

	cfg := h.cfg.Load()
	h.logger.Info("harness started",
		zap.Int("services", len(h.services)),
		zap.Bool("tracing", cfg.Tracing.Enabled),
		zap.Strings("reporters", h.reporterNames()),
	)
	return nil
}

// Stop shuts down listeners, waiting for in-flight requests, then flushes
// pending spans.
func (h *Harness) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}
	h.started = false

	if h.healthServer != nil {
		h.healthServer.SetReady(false)
	}

	h.stopServices(h.services)

	if h.healthServer != nil {
		if err := h.healthServer.Stop(); err != nil {
			h.logger.Warn("health server shutdown", zap.Error(err))
		}
	}

	h.shutdownExporters()

	snap := h.healthStats.Snapshot()
	h.logger.Info("harness stopped",
		zap.Int64("spans_exported", snap.SpansExported),
		zap.Int64("spans_dropped", snap.SpansDropped),
	)
	return nil
}

func (h *Harness) stopServices(services []*hosted) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, hs := range services {
		wg.Add(1)
		go func(hs *hosted) {
			defer wg.Done()
			if err := hs.svc.Stop(ctx); err != nil {
				h.logger.Warn("stub shutdown", zap.String("service", hs.cfg.Name), zap.Error(err))
			}
		}(hs)
	}
	wg.Wait()
}

func (h *Harness) shutdownExporters() {
	for _, m := range h.exporters {
		if err := m.Stop(); err != nil {
			h.logger.Warn("exporter shutdown", zap.String("reporter", m.Reporter()), zap.Error(err))
		}
	}
}

func (h *Harness) reporterNames() []string {
	cfg := h.cfg.Load()
	if !cfg.Tracing.Enabled {
		return nil
	}
	return cfg.Reporters()
}

// Reload applies new stub settings to running services. Delay, CORS,
// payload, downstreams, timeouts, response mode and serial handling take
// effect on the next request. Changes to listeners, roles, the service set
// or tracing are logged and need a restart.
func (h *Harness) Reload(cfg *config.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.cfg.Load()

	byName := make(map[string]*config.ServiceConfig, len(cfg.Services))
	for i := range cfg.Services {
		byName[cfg.Services[i].Name] = &cfg.Services[i]
	}

	for _, hs := range h.services {
		sc, ok := byName[hs.cfg.Name]
		if !ok {
			h.logger.Warn("service removed from config, restart required", zap.String("service", hs.cfg.Name))
			continue
		}
		delete(byName, hs.cfg.Name)

		if sc.Role != hs.cfg.Role {
			h.logger.Warn("service role changed, restart required",
				zap.String("service", sc.Name),
				zap.String("from", hs.cfg.Role),
				zap.String("to", sc.Role),
			)
			continue
		}
		if sc.Listen != hs.cfg.Listen {
			h.logger.Warn("listen address changed, restart required",
				zap.String("service", sc.Name),
				zap.String("from", hs.cfg.Listen),
				zap.String("to", sc.Listen),
			)
		}

		switch {
		case hs.leaf != nil:
			hs.leaf.Update(stub.LeafSettingsFrom(sc))
		case hs.coord != nil:
			hs.coord.Update(stub.CoordinatorSettingsFrom(sc))
		}
		hs.svc.SetSerial(sc.SerialEnabled())

		listen := hs.cfg.Listen
		hs.cfg = *sc
		hs.cfg.Listen = listen
	}

	for name := range byName {
		h.logger.Warn("new service in config, restart required", zap.String("service", name))
	}

	if old.Tracing.Enabled != cfg.Tracing.Enabled || old.Tracing.Reporter != cfg.Tracing.Reporter {
		h.logger.Warn("tracing settings changed, restart required",
			zap.Bool("enabled", cfg.Tracing.Enabled),
			zap.String("reporter", cfg.Tracing.Reporter),
		)
	}

	h.cfg.Store(cfg)
	h.logger.Info("configuration reloaded", zap.Int("services", len(cfg.Services)))
	return nil
}

// Addr returns the bound address of the named service, or "" if unknown.
func (h *Harness) Addr(service string) string {
	for _, hs := range h.services {
		if hs.cfg.Name == service {
			return hs.svc.Addr()
		}
	}
	return ""
}

// HealthAddr returns the admin listener address, or "" when disabled.
func (h *Harness) HealthAddr() string {
	if h.healthServer == nil {
		return ""
	}
	return h.healthServer.Addr()
}

// Gatherer exposes the metrics registry.
func (h *Harness) Gatherer() prometheus.Gatherer { return h.registry }
