// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/tracehop/pkg/tracectx"
)

const (
	scopeName    = "tracehop"
	scopeVersion = "0.1.0"
)

// Resource holds the process-level attributes attached to every exported
// span batch. service.name comes from each span.
type Resource struct {
	ServiceVersion string
	DeploymentEnv  string
	InstanceID     string
}

// NewResource returns a Resource with a fresh service.instance.id.
func NewResource(serviceVersion, deploymentEnv string) Resource {
	return Resource{
		ServiceVersion: serviceVersion,
		DeploymentEnv:  deploymentEnv,
		InstanceID:     uuid.NewString(),
	}
}

func (r Resource) forService(serviceName string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	if serviceName == "" {
		serviceName = "unknown_service"
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(os.Getpid())),
	}
	if r.InstanceID != "" {
		attrs = append(attrs, strAttr("service.instance.id", r.InstanceID))
	}
	if r.ServiceVersion != "" {
		attrs = append(attrs, strAttr("service.version", r.ServiceVersion))
	}
	if r.DeploymentEnv != "" {
		attrs = append(attrs, strAttr("deployment.environment", r.DeploymentEnv))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

// serviceBatch is the spans of one service, converted to protobuf.
type serviceBatch struct {
	service string
	spans   []*tracepb.Span
}

// groupByService converts spans and groups them per service, in order of
// first appearance. Spans with malformed IDs are skipped.
func groupByService(spans []*tracectx.Span) ([]serviceBatch, int) {
	var (
		batches []serviceBatch
		index   = make(map[string]int)
		skipped int
	)
	for _, s := range spans {
		ps, err := convertSpan(s)
		if err != nil {
			skipped++
			continue
		}
		i, ok := index[s.ServiceName]
		if !ok {
			i = len(batches)
			index[s.ServiceName] = i
			batches = append(batches, serviceBatch{service: s.ServiceName})
		}
		batches[i].spans = append(batches[i].spans, ps)
	}
	return batches, skipped
}

func (r Resource) resourceSpans(b serviceBatch) *tracepb.ResourceSpans {
	return &tracepb.ResourceSpans{
		Resource: r.forService(b.service),
		ScopeSpans: []*tracepb.ScopeSpans{
			{
				Scope: &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion},
				Spans: b.spans,
			},
		},
	}
}

// BuildTraceRequest converts spans into a single OTLP export request with one
// ResourceSpans per service.
func (r Resource) BuildTraceRequest(spans []*tracectx.Span) *coltracepb.ExportTraceServiceRequest {
	batches, _ := groupByService(spans)
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: make([]*tracepb.ResourceSpans, 0, len(batches)),
	}
	for _, b := range batches {
		req.ResourceSpans = append(req.ResourceSpans, r.resourceSpans(b))
	}
	return req
}

func convertSpan(s *tracectx.Span) (*tracepb.Span, error) {
	traceID, err := hexToBytes(s.TraceID, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid trace ID: %w", err)
	}
	spanID, err := hexToBytes(s.SpanID, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid span ID: %w", err)
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		TraceState:        sanitizeUTF8(s.TraceState),
		Name:              sanitizeUTF8(s.Name),
		Kind:              convertSpanKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Status:            &tracepb.Status{},
	}

	if s.ParentSpanID != "" {
		if parentID, err := hexToBytes(s.ParentSpanID, 8); err == nil {
			ps.ParentSpanId = parentID
		}
	}

	switch s.Status {
	case tracectx.StatusOK:
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	case tracectx.StatusError:
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = sanitizeUTF8(s.StatusMsg)
	default:
		ps.Status.Code = tracepb.Status_STATUS_CODE_UNSET
	}

	ps.Attributes = sortedAttrs(s.Attributes)
	if s.Transport != "" {
		ps.Attributes = append(ps.Attributes, strAttr("hop.transport", s.Transport))
	}

	for _, ev := range s.Events {
		ps.Events = append(ps.Events, &tracepb.Span_Event{
			Name:         sanitizeUTF8(ev.Name),
			TimeUnixNano: uint64(ev.Timestamp.UnixNano()),
			Attributes:   sortedAttrs(ev.Attributes),
		})
	}

	return ps, nil
}

func sortedAttrs(m map[string]string) []*commonpb.KeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, strAttr(k, sanitizeUTF8(m[k])))
	}
	return out
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid UTF-8 sequences, which protobuf string
// fields reject.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

func hexToBytes(s string, expectedLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(b))
	}
	return b, nil
}

func convertSpanKind(k tracectx.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case tracectx.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case tracectx.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case tracectx.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case tracectx.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}
