// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracectx

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
)

// W3C Trace Context header names.
const (
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
)

const (
	zeroTraceID     = "00000000000000000000000000000000"
	zeroSpanID      = "0000000000000000"
	flagSampled     = "01"
	flagNotSampled  = "00"
	traceParentSize = 55
)

var (
	ErrMalformed   = errors.New("malformed traceparent")
	ErrZeroID      = errors.New("traceparent has an all-zero id")
	ErrUnsupported = errors.New("unsupported traceparent version")
)

// SpanContext is the part of a span that crosses process boundaries.
type SpanContext struct {
	TraceID    string
	SpanID     string
	Sampled    bool
	TraceState string
}

// IsValid reports whether both IDs are well-formed and non-zero.
func (sc SpanContext) IsValid() bool {
	return isLowerHex(sc.TraceID, 32) && sc.TraceID != zeroTraceID &&
		isLowerHex(sc.SpanID, 16) && sc.SpanID != zeroSpanID
}

// TraceParent formats sc as a version 00 traceparent header value.
func (sc SpanContext) TraceParent() string {
	flags := flagNotSampled
	if sc.Sampled {
		flags = flagSampled
	}
	return "00-" + sc.TraceID + "-" + sc.SpanID + "-" + flags
}

// ParseTraceParent parses a W3C traceparent header value. Versions above 00
// are accepted as long as the first four fields are well-formed; version ff
// is rejected.
func ParseTraceParent(v string) (SpanContext, error) {
	v = strings.TrimSpace(v)
	if len(v) < traceParentSize {
		return SpanContext{}, ErrMalformed
	}
	parts := strings.Split(v, "-")
	if len(parts) < 4 {
		return SpanContext{}, ErrMalformed
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]

	if !isLowerHex(version, 2) {
		return SpanContext{}, ErrMalformed
	}
	if version == "ff" {
		return SpanContext{}, ErrUnsupported
	}
	if version == "00" && (len(parts) != 4 || len(v) != traceParentSize) {
		return SpanContext{}, ErrMalformed
	}
	if !isLowerHex(traceID, 32) || !isLowerHex(spanID, 16) || !isLowerHex(flags, 2) {
		return SpanContext{}, ErrMalformed
	}
	if traceID == zeroTraceID || spanID == zeroSpanID {
		return SpanContext{}, ErrZeroID
	}

	b, _ := hex.DecodeString(flags)
	return SpanContext{
		TraceID: traceID,
		SpanID:  spanID,
		Sampled: b[0]&0x01 == 0x01,
	}, nil
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

type spanKey struct{}

// WithSpan returns a copy of ctx carrying span.
func WithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}
