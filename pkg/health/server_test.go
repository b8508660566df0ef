// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, *Stats) {
	t.Helper()
	stats := NewStats()
	reg := prometheus.NewRegistry()
	if err := stats.Register(reg); err != nil {
		t.Fatalf("register stats: %v", err)
	}
	return NewServer(":0", "1.0.0-test", stats, reg, zap.NewNop()), stats
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetServices([]string{"provider", "consumer"})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if hr.Status != "healthy" {
		t.Errorf("expected status=healthy, got %q", hr.Status)
	}
	if hr.Version != "1.0.0-test" {
		t.Errorf("expected version=1.0.0-test, got %q", hr.Version)
	}
	if len(hr.Services) != 2 || hr.Services[0] != "provider" {
		t.Errorf("unexpected services %v", hr.Services)
	}
}

func TestReadyEndpoint_NotReady(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyEndpoint_Ready(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.SetReady(true)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	srv.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, stats := newTestServer(t)
	stats.SpansExported.Add(42)
	stats.SpansDropped.Add(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "tracehop_spans_exported_total 42") {
		t.Errorf("expected spans_exported_total 42 in metrics output")
	}
	if !strings.Contains(body, "tracehop_spans_dropped_total 3") {
		t.Errorf("expected spans_dropped_total 3 in metrics output")
	}
	if !strings.Contains(body, "tracehop_uptime_seconds") {
		t.Errorf("expected uptime_seconds in metrics output")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.addr = "127.0.0.1:0"

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
