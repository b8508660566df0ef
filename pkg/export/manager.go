// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/config"
	"github.com/mbeema/tracehop/pkg/health"
	"github.com/mbeema/tracehop/pkg/tracectx"
)

// Exporter sends finished spans to a backend.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*tracectx.Span) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 512
	defaultFlushInterval = 2 * time.Second
	defaultQueueSize     = 4096
	defaultMaxRetries    = 3
	exportTimeout        = 10 * time.Second
)

// NewExporter builds the exporter for a span reporter.
func NewExporter(reporter string, cfg *config.ExportersConfig, res Resource, logger *zap.Logger) (Exporter, error) {
	switch reporter {
	case config.ReporterGRPC:
		return NewOTLPExporter(&cfg.OTLP, res, logger)
	case config.ReporterHTTP:
		return NewHTTPOTLPExporter(&cfg.OTLP, res, logger)
	case config.ReporterKafka:
		return NewKafkaExporter(&cfg.Kafka, res, logger)
	case config.ReporterStdout:
		return NewStdoutExporter(cfg.Stdout.Format, logger), nil
	}
	return nil, fmt.Errorf("unknown reporter %q", reporter)
}

// Manager batches spans for one reporter and exports them in the
// background, retrying with exponential backoff behind a circuit breaker.
type Manager struct {
	logger   *zap.Logger
	reporter string
	exporter Exporter
	stats    *health.Stats
	breaker  *CircuitBreaker

	spanCh chan *tracectx.Span

	batchSize      int
	flushInterval  time.Duration
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithBatchSize sets the number of spans that triggers an immediate flush.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) { m.flushInterval = d }
}

// WithQueueSize sets the span queue capacity. Spans arriving at a full queue
// are dropped.
func WithQueueSize(n int) Option {
	return func(m *Manager) { m.spanCh = make(chan *tracectx.Span, n) }
}

// WithRetry sets the retry budget and the first backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = maxRetries
		m.initialBackoff = initial
	}
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(m *Manager) { m.breaker = cb }
}

// NewManager creates an export manager for exp.
func NewManager(reporter string, exp Exporter, stats *health.Stats, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:         logger.With(zap.String("reporter", reporter)),
		reporter:       reporter,
		exporter:       exp,
		stats:          stats,
		breaker:        NewCircuitBreaker(5, 30*time.Second),
		spanCh:         make(chan *tracectx.Span, defaultQueueSize),
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		maxRetries:     defaultMaxRetries,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.breaker.OnStateChange(func(from, to CircuitState) {
		m.logger.Warn("export circuit state changed",
			zap.Stringer("from", from), zap.Stringer("to", to))
	})
	return m
}

// Reporter returns the reporter name this manager exports through.
func (m *Manager) Reporter() string { return m.reporter }

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processSpans(ctx)

	m.logger.Info("export manager started",
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Stop flushes queued spans and shuts down the exporter.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	err := m.exporter.Shutdown(ctx)
	if err != nil {
		m.logger.Error("exporter shutdown error", zap.Error(err))
	}

	snap := m.stats.Snapshot()
	m.logger.Info("export manager stopped",
		zap.Int64("spans_exported", snap.SpansExported),
		zap.Int64("spans_dropped", snap.SpansDropped),
	)
	return err
}

// ExportSpan queues a finished span. It never blocks.
func (m *Manager) ExportSpan(span *tracectx.Span) {
	m.stats.SpansReceived.Add(1)
	select {
	case m.spanCh <- span:
	default:
		m.stats.SpansDropped.Add(1)
		m.logger.Warn("span queue full, dropping span")
	}
}

// QueueDepth returns the number of spans waiting to be exported.
func (m *Manager) QueueDepth() int {
	return len(m.spanCh)
}

func (m *Manager) processSpans(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*tracectx.Span, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(flushCtx context.Context) {
		for {
			select {
			case span := <-m.spanCh:
				batch = append(batch, span)
			default:
				if len(batch) > 0 {
					m.flush(flushCtx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case span := <-m.spanCh:
			batch = append(batch, span)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			drain(context.Background())
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.initialBackoff
	eb.MaxInterval = m.maxBackoff
	return backoff.WithContext(backoff.WithMaxRetries(eb, m.maxRetries), ctx)
}

// flush exports one batch. The batch slice is reused by the caller, so the
// exporter gets its own copy.
func (m *Manager) flush(ctx context.Context, batch []*tracectx.Span) {
	n := int64(len(batch))

	if !m.breaker.Allow() {
		m.stats.SpansDropped.Add(n)
		m.logger.Debug("circuit breaker open, dropping batch", zap.Int64("spans", n))
		return
	}

	spans := append([]*tracectx.Span(nil), batch...)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		defer cancel()
		err := m.exporter.ExportSpans(exportCtx, spans)
		if err != nil {
			m.stats.ExportErrors.Add(1)
		}
		return err
	}, m.newBackOff(ctx), func(err error, wait time.Duration) {
		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	if err != nil {
		m.breaker.RecordFailure()
		m.stats.SpansDropped.Add(n)
		m.logger.Error("export failed after retries",
			zap.Int("attempts", attempt),
			zap.Int64("spans", n),
			zap.Error(err),
		)
		return
	}

	m.breaker.RecordSuccess()
	m.stats.SpansExported.Add(n)
}
