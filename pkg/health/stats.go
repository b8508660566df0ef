// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats tracks self-monitoring counters for the span pipeline.
type Stats struct {
	startTime time.Time

	SpansReceived atomic.Int64
	SpansExported atomic.Int64
	SpansDropped  atomic.Int64
	ExportErrors  atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns process uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds float64
	Goroutines    int
	SpansReceived int64
	SpansExported int64
	SpansDropped  int64
	ExportErrors  int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		SpansReceived: s.SpansReceived.Load(),
		SpansExported: s.SpansExported.Load(),
		SpansDropped:  s.SpansDropped.Load(),
		ExportErrors:  s.ExportErrors.Load(),
	}
}

// Register exposes the counters on reg. Values are read on scrape.
func (s *Stats) Register(reg prometheus.Registerer) error {
	load := func(v *atomic.Int64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tracehop_uptime_seconds",
			Help: "Process uptime in seconds.",
		}, func() float64 { return s.Uptime().Seconds() }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tracehop_spans_received_total",
			Help: "Spans handed to the export pipeline.",
		}, load(&s.SpansReceived)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tracehop_spans_exported_total",
			Help: "Spans accepted by a span reporter.",
		}, load(&s.SpansExported)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tracehop_spans_dropped_total",
			Help: "Spans dropped because the queue was full or export failed.",
		}, load(&s.SpansDropped)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tracehop_export_errors_total",
			Help: "Failed export attempts, including retries.",
		}, load(&s.ExportErrors)),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
