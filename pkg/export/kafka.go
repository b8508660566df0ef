// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/tracehop/pkg/config"
	"github.com/mbeema/tracehop/pkg/tracectx"
)

// recordProducer is the subset of *kgo.Client used by KafkaExporter.
type recordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaExporter publishes spans to a Kafka topic, the message-queue reporter
// used by the provider-kafka profile. Each record holds one protobuf
// ExportTraceServiceRequest for a single service, keyed by service name, so
// the collector's kafka receiver (encoding otlp_proto) can consume it as is.
type KafkaExporter struct {
	logger   *zap.Logger
	resource Resource
	topic    string
	client   recordProducer
}

// NewKafkaExporter creates a Kafka span exporter.
func NewKafkaExporter(cfg *config.KafkaConfig, res Resource, logger *zap.Logger) (*KafkaExporter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(scopeName),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newKafkaExporter(client, cfg.Topic, res, logger), nil
}

func newKafkaExporter(client recordProducer, topic string, res Resource, logger *zap.Logger) *KafkaExporter {
	return &KafkaExporter{
		logger:   logger,
		resource: res,
		topic:    topic,
		client:   client,
	}
}

// ExportSpans produces one record per service and waits for all acks.
func (e *KafkaExporter) ExportSpans(ctx context.Context, spans []*tracectx.Span) error {
	if len(spans) == 0 {
		return nil
	}

	batches, skipped := groupByService(spans)
	if skipped > 0 {
		e.logger.Debug("skipped malformed spans", zap.Int("count", skipped))
	}

	records := make([]*kgo.Record, 0, len(batches))
	for _, b := range batches {
		req := &coltracepb.ExportTraceServiceRequest{
			ResourceSpans: []*tracepb.ResourceSpans{e.resource.resourceSpans(b)},
		}
		data, err := proto.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal protobuf: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: e.topic,
			Key:   []byte(b.service),
			Value: data,
			Headers: []kgo.RecordHeader{
				{Key: "content-type", Value: []byte("application/x-protobuf")},
			},
		})
	}
	if len(records) == 0 {
		return nil
	}

	if err := e.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", e.topic, err)
	}
	return nil
}

// Shutdown flushes and closes the Kafka client.
func (e *KafkaExporter) Shutdown(_ context.Context) error {
	e.client.Close()
	return nil
}
