// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ProcessCollector exports RSS, virtual memory, CPU utilization and thread
// count of the running tracehop process, read through gopsutil on scrape.
type ProcessCollector struct {
	logger *zap.Logger

	mu   sync.Mutex
	proc *process.Process

	rss     *prometheus.Desc
	vms     *prometheus.Desc
	cpu     *prometheus.Desc
	threads *prometheus.Desc
}

// NewProcessCollector creates a collector for the current process.
func NewProcessCollector(logger *zap.Logger) *ProcessCollector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", zap.Error(err))
	}
	return &ProcessCollector{
		logger: logger,
		proc:   proc,
		rss: prometheus.NewDesc(namespace+"_process_memory_rss_bytes",
			"Resident set size of the tracehop process.", nil, nil),
		vms: prometheus.NewDesc(namespace+"_process_memory_virtual_bytes",
			"Virtual memory size of the tracehop process.", nil, nil),
		cpu: prometheus.NewDesc(namespace+"_process_cpu_utilization_ratio",
			"CPU utilization of the tracehop process (0-1 per core).", nil, nil),
		threads: prometheus.NewDesc(namespace+"_process_threads",
			"OS threads of the tracehop process.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (pc *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.rss
	ch <- pc.vms
	ch <- pc.cpu
	ch <- pc.threads
}

// Collect implements prometheus.Collector.
func (pc *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.proc == nil {
		return
	}

	if mem, err := pc.proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.rss, prometheus.GaugeValue, float64(mem.RSS))
		ch <- prometheus.MustNewConstMetric(pc.vms, prometheus.GaugeValue, float64(mem.VMS))
	} else {
		pc.logger.Debug("read memory info", zap.Error(err))
	}

	if pct, err := pc.proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.cpu, prometheus.GaugeValue, pct/100)
	}

	if n, err := pc.proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(pc.threads, prometheus.GaugeValue, float64(n))
	}
}
