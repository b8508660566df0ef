// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package instrument opens spans around stub traffic without the stubs
// knowing: a gin middleware for inbound requests and an http.RoundTripper
// for outbound hops.
package instrument

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/tracectx"
)

// Tracer creates the spans of one service.
type Tracer struct {
	logger    *zap.Logger
	service   string
	transport string
	sampler   *tracectx.Sampler

	mu        sync.RWMutex
	callbacks []func(*tracectx.Span)
}

// NewTracer creates a tracer for service. transport is the hop.transport
// attribute stamped on every span ("http" or "kafka").
func NewTracer(service, transport string, sampler *tracectx.Sampler, logger *zap.Logger) *Tracer {
	if sampler == nil {
		sampler = tracectx.NewSampler(1.0)
	}
	return &Tracer{
		logger:    logger,
		service:   service,
		transport: transport,
		sampler:   sampler,
	}
}

// OnSpan registers a callback for completed, sampled spans.
func (t *Tracer) OnSpan(fn func(*tracectx.Span)) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

func (t *Tracer) emitSpan(span *tracectx.Span) {
	if !span.Sampled {
		return
	}
	t.mu.RLock()
	cbs := t.callbacks
	t.mu.RUnlock()

	for _, cb := range cbs {
		cb(span)
	}
}

// startServer opens the SERVER span for an inbound request, continuing the
// caller's trace when the request carries a valid traceparent.
func (t *Tracer) startServer(r *http.Request) *tracectx.Span {
	name := r.Method + " " + r.URL.Path

	var span *tracectx.Span
	if v := r.Header.Get(tracectx.HeaderTraceParent); v != "" {
		parent, err := tracectx.ParseTraceParent(v)
		if err == nil {
			parent.TraceState = r.Header.Get(tracectx.HeaderTraceState)
			span = tracectx.NewChildSpan(name, tracectx.SpanKindServer, parent)
		} else {
			t.logger.Debug("ignoring invalid traceparent", zap.String("value", v), zap.Error(err))
		}
	}
	if span == nil {
		span = tracectx.NewSpan(name, tracectx.SpanKindServer)
		span.Sampled = t.sampler.Sample(span.TraceID)
	}

	t.stamp(span)
	span.SetAttribute("http.request.method", r.Method)
	span.SetAttribute("url.path", r.URL.Path)
	span.SetAttribute("url.scheme", "http")
	if r.Host != "" {
		span.SetAttribute("server.address", r.Host)
	}
	if ua := r.UserAgent(); ua != "" {
		span.SetAttribute("user_agent.original", ua)
	}
	return span
}

func (t *Tracer) stamp(span *tracectx.Span) {
	span.ServiceName = t.service
	span.Transport = t.transport
}

// Middleware returns a gin middleware that wraps each request in a SERVER
// span stored in the request context.
func (t *Tracer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := t.startServer(c.Request)
		c.Request = c.Request.WithContext(tracectx.WithSpan(c.Request.Context(), span))

		c.Next()

		status := c.Writer.Status()
		span.SetAttribute("http.response.status_code", fmt.Sprintf("%d", status))
		if status >= http.StatusInternalServerError {
			span.SetAttribute("error.type", fmt.Sprintf("%d", status))
			span.SetError(http.StatusText(status))
		}
		span.End()
		t.emitSpan(span)
	}
}
