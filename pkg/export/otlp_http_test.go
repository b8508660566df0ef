// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/mbeema/tracehop/pkg/config"
	"github.com/mbeema/tracehop/pkg/tracectx"
)

func newTestHTTPExporter(t *testing.T, compression string, handler http.HandlerFunc) (*HTTPOTLPExporter, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := &config.OTLPConfig{
		Endpoint:    strings.TrimPrefix(ts.URL, "http://"),
		Compression: compression,
		Insecure:    true,
		Headers:     map[string]string{"X-Tenant": "ci"},
	}
	exp, err := NewHTTPOTLPExporter(cfg, NewResource("1.0.0", "test"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewHTTPOTLPExporter: %v", err)
	}
	return exp, ts
}

func TestHTTPExporterSpans(t *testing.T) {
	var (
		receivedPath        string
		receivedContentType string
		receivedEncoding    string
		receivedTenant      string
		receivedBody        []byte
	)

	exp, ts := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		receivedContentType = r.Header.Get("Content-Type")
		receivedEncoding = r.Header.Get("Content-Encoding")
		receivedTenant = r.Header.Get("X-Tenant")

		var reader io.Reader = r.Body
		if receivedEncoding == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer gz.Close()
			reader = gz
		}
		receivedBody, _ = io.ReadAll(reader)
		w.WriteHeader(http.StatusOK)
	})
	defer ts.Close()

	spans := []*tracectx.Span{
		testSpan("consumer", tracectx.SpanKindServer),
		testSpan("medium", tracectx.SpanKindServer),
	}
	if err := exp.ExportSpans(context.Background(), spans); err != nil {
		t.Fatalf("ExportSpans: %v", err)
	}

	if receivedPath != "/v1/traces" {
		t.Errorf("expected path /v1/traces, got %s", receivedPath)
	}
	if receivedContentType != "application/x-protobuf" {
		t.Errorf("expected application/x-protobuf, got %s", receivedContentType)
	}
	if receivedEncoding != "gzip" {
		t.Errorf("expected gzip encoding, got %q", receivedEncoding)
	}
	if receivedTenant != "ci" {
		t.Errorf("expected configured header, got %q", receivedTenant)
	}

	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(receivedBody, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.ResourceSpans) != 2 {
		t.Fatalf("expected 2 resource spans, got %d", len(req.ResourceSpans))
	}

	var services []string
	for _, rs := range req.ResourceSpans {
		for _, attr := range rs.Resource.Attributes {
			if attr.Key == "service.name" {
				services = append(services, attr.Value.GetStringValue())
			}
		}
	}
	if len(services) != 2 || services[0] != "consumer" || services[1] != "medium" {
		t.Errorf("unexpected services %v", services)
	}
}

func TestHTTPExporterNoCompression(t *testing.T) {
	var encoding string
	var body []byte
	exp, ts := newTestHTTPExporter(t, "none", func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		body, _ = io.ReadAll(r.Body)
	})
	defer ts.Close()

	if err := exp.ExportSpans(context.Background(), []*tracectx.Span{testSpan("provider", tracectx.SpanKindServer)}); err != nil {
		t.Fatalf("ExportSpans: %v", err)
	}
	if encoding != "" {
		t.Errorf("expected no Content-Encoding, got %q", encoding)
	}
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		t.Fatalf("body should be raw protobuf: %v", err)
	}
}

func TestHTTPExporterErrorStatus(t *testing.T) {
	exp, ts := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer ts.Close()

	err := exp.ExportSpans(context.Background(), []*tracectx.Span{testSpan("provider", tracectx.SpanKindServer)})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

func TestHTTPExporterSkipsEmpty(t *testing.T) {
	called := false
	exp, ts := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	defer ts.Close()

	bad := testSpan("provider", tracectx.SpanKindServer)
	bad.SpanID = "zz"
	if err := exp.ExportSpans(context.Background(), []*tracectx.Span{bad}); err != nil {
		t.Fatalf("ExportSpans: %v", err)
	}
	if err := exp.ExportSpans(context.Background(), nil); err != nil {
		t.Fatalf("ExportSpans: %v", err)
	}
	if called {
		t.Error("no request should be sent when nothing converts")
	}
}

func TestHTTPExporterEndpointForms(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		insecure bool
		want     string
	}{
		{"host port insecure", "collector:4318", true, "http://collector:4318"},
		{"host port tls", "collector:4318", false, "https://collector:4318"},
		{"full url", "http://collector:4318/", false, "http://collector:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := NewHTTPOTLPExporter(&config.OTLPConfig{Endpoint: tt.endpoint, Insecure: tt.insecure}, Resource{}, zap.NewNop())
			if err != nil {
				t.Fatal(err)
			}
			if exp.endpoint != tt.want {
				t.Errorf("endpoint = %s, want %s", exp.endpoint, tt.want)
			}
		})
	}
}
