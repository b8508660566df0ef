// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tracehop"

// DefaultBuckets are the histogram bucket boundaries in seconds. They bracket
// the fixed stub delays (150ms, 500ms) and a full consumer chain.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 0.75, 1, 2.5, 5, 10}

// RequestMetrics tracks RED (Rate, Errors, Duration) metrics for inbound stub
// requests and outbound coordinator hops.
type RequestMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	hops            *prometheus.CounterVec
	hopDuration     *prometheus.HistogramVec
}

// NewRequestMetrics registers request and hop metrics with reg.
func NewRequestMetrics(reg prometheus.Registerer, buckets []float64) *RequestMetrics {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	f := promauto.With(reg)
	return &RequestMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound stub requests by service, method and status code.",
		}, []string{"service", "method", "status_code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound stub request latency, including the simulated delay.",
			Buckets:   buckets,
		}, []string{"service", "method"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Inbound requests currently being handled or queued.",
		}, []string{"service"}),
		hops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hops_total",
			Help:      "Outbound coordinator hops by target and outcome.",
		}, []string{"service", "target", "outcome"}),
		hopDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hop_duration_seconds",
			Help:      "Outbound hop latency until the response body was fully read.",
			Buckets:   buckets,
		}, []string{"service", "target"}),
	}
}

// Middleware records inbound request metrics for service.
func (r *RequestMetrics) Middleware(service string) gin.HandlerFunc {
	inFlight := r.inFlight.WithLabelValues(service)
	return func(c *gin.Context) {
		start := time.Now()
		inFlight.Inc()
		defer inFlight.Dec()

		c.Next()

		method := c.Request.Method
		r.requests.WithLabelValues(service, method, strconv.Itoa(c.Writer.Status())).Inc()
		r.requestDuration.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
	}
}

// ObserveHop records one outbound hop.
func (r *RequestMetrics) ObserveHop(service, target, outcome string, d time.Duration) {
	r.hops.WithLabelValues(service, target, outcome).Inc()
	r.hopDuration.WithLabelValues(service, target).Observe(d.Seconds())
}

// HopObserver returns ObserveHop bound to service.
func (r *RequestMetrics) HopObserver(service string) func(target, outcome string, d time.Duration) {
	return func(target, outcome string, d time.Duration) {
		r.ObserveHop(service, target, outcome, d)
	}
}
