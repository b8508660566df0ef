// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package instrument

import (
	"fmt"
	"net/http"

	"github.com/mbeema/tracehop/pkg/tracectx"
)

type roundTripper struct {
	tracer *Tracer
	base   http.RoundTripper
}

// Transport wraps base so that each outbound request gets a CLIENT span,
// child of the span in the request context, and carries its traceparent.
func (t *Tracer) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{tracer: t, base: base}
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	name := req.Method + " " + req.URL.Path

	var span *tracectx.Span
	if parent := tracectx.SpanFromContext(req.Context()); parent != nil {
		span = tracectx.NewChildSpan(name, tracectx.SpanKindClient, parent.Context())
	} else {
		span = tracectx.NewSpan(name, tracectx.SpanKindClient)
		span.Sampled = rt.tracer.sampler.Sample(span.TraceID)
	}
	rt.tracer.stamp(span)
	span.SetAttribute("http.request.method", req.Method)
	span.SetAttribute("url.full", req.URL.String())
	span.SetAttribute("server.address", req.URL.Host)

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Set(tracectx.HeaderTraceParent, span.TraceParent())
	if span.TraceState != "" {
		out.Header.Set(tracectx.HeaderTraceState, span.TraceState)
	}

	resp, err := rt.base.RoundTrip(out)
	if err != nil {
		span.SetAttribute("error.type", "transport")
		span.SetError(err.Error())
		span.End()
		rt.tracer.emitSpan(span)
		return nil, err
	}

	span.SetAttribute("http.response.status_code", fmt.Sprintf("%d", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetAttribute("error.type", fmt.Sprintf("%d", resp.StatusCode))
		span.SetError(http.StatusText(resp.StatusCode))
	}
	span.End()
	rt.tracer.emitSpan(span)
	return resp, nil
}
