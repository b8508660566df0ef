package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/tracectx"
)

// StdoutExporter prints spans for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	return newWriterExporter(os.Stdout, format, logger)
}

func newWriterExporter(out io.Writer, format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		logger: logger,
		out:    out,
	}
}

// ExportSpans prints one line per span.
func (e *StdoutExporter) ExportSpans(_ context.Context, spans []*tracectx.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		if e.format == "json" {
			b, err := json.Marshal(map[string]interface{}{
				"_type":       "span",
				"trace_id":    s.TraceID,
				"span_id":     s.SpanID,
				"parent_id":   s.ParentSpanID,
				"name":        s.Name,
				"kind":        s.Kind.String(),
				"start":       s.StartTime.Format(time.RFC3339Nano),
				"end":         s.EndTime.Format(time.RFC3339Nano),
				"duration_ms": s.Duration.Milliseconds(),
				"status":      s.Status,
				"service":     s.ServiceName,
				"transport":   s.Transport,
				"attributes":  s.Attributes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%s\n", b)
			continue
		}

		status := "OK"
		if s.Status == tracectx.StatusError {
			status = "ERR"
		}
		parent := s.ParentSpanID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(e.out,
			"[SPAN] trace=%s span=%s parent=%s %-6s %-14s %-24s %s %6dms %s\n",
			s.TraceID, s.SpanID, parent, s.Kind, s.ServiceName, s.Name,
			status, s.Duration.Milliseconds(),
			formatAttrs(s.Attributes),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(_ context.Context) error {
	return nil
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}
