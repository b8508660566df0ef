// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/health"
	"github.com/mbeema/tracehop/pkg/tracectx"
)

type fakeExporter struct {
	mu       sync.Mutex
	batches  [][]*tracectx.Span
	calls    int
	failN    int // fail the first failN calls
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []*tracectx.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("collector unavailable")
	}
	f.batches = append(f.batches, spans)
	return nil
}

func (f *fakeExporter) Shutdown(context.Context) error {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExporter) exported() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func spans(n int) []*tracectx.Span {
	out := make([]*tracectx.Span, n)
	for i := range out {
		out[i] = testSpan("consumer", tracectx.SpanKindServer)
	}
	return out
}

func TestManagerFlushesFullBatch(t *testing.T) {
	exp := &fakeExporter{}
	stats := health.NewStats()
	m := NewManager("stdout", exp, stats, zap.NewNop(),
		WithBatchSize(3), WithFlushInterval(time.Hour))
	require.NoError(t, m.Start(context.Background()))

	for _, s := range spans(3) {
		m.ExportSpan(s)
	}

	assert.Eventually(t, func() bool { return exp.exported() == 3 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop())
	assert.Equal(t, int64(3), stats.SpansExported.Load())
	assert.Equal(t, int64(3), stats.SpansReceived.Load())
}

func TestManagerFlushesOnInterval(t *testing.T) {
	exp := &fakeExporter{}
	m := NewManager("stdout", exp, health.NewStats(), zap.NewNop(),
		WithBatchSize(100), WithFlushInterval(20*time.Millisecond))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.ExportSpan(testSpan("provider", tracectx.SpanKindServer))

	assert.Eventually(t, func() bool { return exp.exported() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestManagerStopDrainsQueue(t *testing.T) {
	exp := &fakeExporter{}
	stats := health.NewStats()
	m := NewManager("stdout", exp, stats, zap.NewNop(),
		WithBatchSize(100), WithFlushInterval(time.Hour))
	require.NoError(t, m.Start(context.Background()))

	for _, s := range spans(5) {
		m.ExportSpan(s)
	}
	require.NoError(t, m.Stop())

	assert.Equal(t, 5, exp.exported())
	assert.True(t, exp.shutdown)
	assert.Equal(t, 0, m.QueueDepth())
}

func TestManagerRetriesThenSucceeds(t *testing.T) {
	exp := &fakeExporter{failN: 2}
	stats := health.NewStats()
	m := NewManager("grpc", exp, stats, zap.NewNop(),
		WithBatchSize(1), WithFlushInterval(time.Hour),
		WithRetry(3, time.Millisecond))
	require.NoError(t, m.Start(context.Background()))

	m.ExportSpan(testSpan("consumer", tracectx.SpanKindServer))
	require.NoError(t, m.Stop())

	assert.Equal(t, 1, exp.exported())
	assert.Equal(t, int64(2), stats.ExportErrors.Load())
	assert.Equal(t, int64(0), stats.SpansDropped.Load())
}

func TestManagerDropsAfterRetriesAndOpensBreaker(t *testing.T) {
	exp := &fakeExporter{failN: 1000}
	stats := health.NewStats()
	cb := NewCircuitBreaker(1, time.Hour)
	m := NewManager("http", exp, stats, zap.NewNop(),
		WithBatchSize(1), WithFlushInterval(time.Hour),
		WithRetry(1, time.Millisecond), WithCircuitBreaker(cb))
	require.NoError(t, m.Start(context.Background()))

	m.ExportSpan(testSpan("consumer", tracectx.SpanKindServer))
	assert.Eventually(t, func() bool { return cb.State() == CircuitOpen },
		2*time.Second, 5*time.Millisecond)

	m.ExportSpan(testSpan("consumer", tracectx.SpanKindServer))
	require.NoError(t, m.Stop())

	assert.Equal(t, 0, exp.exported())
	assert.Equal(t, int64(2), stats.SpansDropped.Load())
	exp.mu.Lock()
	assert.Equal(t, 2, exp.calls, "open breaker should skip the second batch")
	exp.mu.Unlock()
}

func TestManagerQueueFullDrops(t *testing.T) {
	exp := &fakeExporter{}
	stats := health.NewStats()
	m := NewManager("stdout", exp, stats, zap.NewNop(), WithQueueSize(2))

	// Not started, so nothing consumes the queue.
	for _, s := range spans(4) {
		m.ExportSpan(s)
	}
	assert.Equal(t, 2, m.QueueDepth())
	assert.Equal(t, int64(4), stats.SpansReceived.Load())
	assert.Equal(t, int64(2), stats.SpansDropped.Load())
}

func TestNewExporterUnknownReporter(t *testing.T) {
	_, err := NewExporter("zipkin", nil, Resource{}, zap.NewNop())
	assert.Error(t, err)
}
