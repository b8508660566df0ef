// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracectx

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SpanKind identifies the relationship of a span to its parent.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "SERVER"
	case SpanKindClient:
		return "CLIENT"
	case SpanKindProducer:
		return "PRODUCER"
	case SpanKindConsumer:
		return "CONSUMER"
	default:
		return "INTERNAL"
	}
}

// StatusCode represents the span status.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Span is one timed operation of a hop: the server side of an inbound
// request or the client side of an outbound one.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	TraceState   string
	Sampled      bool
	Name         string
	Kind         SpanKind
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Status       StatusCode
	StatusMsg    string

	ServiceName string
	Transport   string // "http" or "kafka"

	Attributes map[string]string
	Events     []SpanEvent
}

// SpanEvent is a timestamped event within a span.
type SpanEvent struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]string
}

// NewSpan starts a root span with a fresh trace ID.
func NewSpan(name string, kind SpanKind) *Span {
	return &Span{
		TraceID:    GenerateTraceID(),
		SpanID:     GenerateSpanID(),
		Sampled:    true,
		Name:       name,
		Kind:       kind,
		StartTime:  time.Now(),
		Attributes: make(map[string]string),
	}
}

// NewChildSpan starts a span that continues the trace described by parent.
func NewChildSpan(name string, kind SpanKind, parent SpanContext) *Span {
	return &Span{
		TraceID:      parent.TraceID,
		SpanID:       GenerateSpanID(),
		ParentSpanID: parent.SpanID,
		TraceState:   parent.TraceState,
		Sampled:      parent.Sampled,
		Name:         name,
		Kind:         kind,
		StartTime:    time.Now(),
		Attributes:   make(map[string]string),
	}
}

// Context returns the propagation context identifying this span.
func (s *Span) Context() SpanContext {
	return SpanContext{
		TraceID:    s.TraceID,
		SpanID:     s.SpanID,
		Sampled:    s.Sampled,
		TraceState: s.TraceState,
	}
}

// End marks the span as complete.
func (s *Span) End() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetAttribute sets a span attribute.
func (s *Span) SetAttribute(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// SetError marks the span as errored with a message.
func (s *Span) SetError(msg string) {
	s.Status = StatusError
	s.StatusMsg = msg
	s.Events = append(s.Events, SpanEvent{
		Name:      "exception",
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"exception.message": msg,
		},
	})
}

// TraceParent formats the W3C traceparent header value for this span.
func (s *Span) TraceParent() string {
	return s.Context().TraceParent()
}

// GenerateTraceID generates a random 32-character hex trace ID.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateSpanID generates a random 16-character hex span ID.
func GenerateSpanID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
