package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lsm/fiso-ingest/internal/kafka"
	"github.com/lsm/fiso-ingest/internal/sink"
	"github.com/lsm/fiso-ingest/internal/streamlog"
	"github.com/lsm/fiso-ingest/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// producer abstracts kafka.Producer for testing.
type producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // required
	Topic   string
	// DropKey publishes records without the source key. By default the key
	// is kept so partitioning by key survives the bridge.
	DropKey bool
}

// Sink republishes events to a Kafka topic.
type Sink struct {
	producer producer
	topic    string
	dropKey  bool
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a Kafka sink over a client shared through pool.
func NewSink(pool *kafka.ProducerPool, cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, errors.New("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	p, err := pool.Get(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newSink(p, cfg, logger), nil
}

func newSink(p producer, cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		producer: p,
		topic:    cfg.Topic,
		dropKey:  cfg.DropKey,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("kafka-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Forward publishes ev to the configured topic.
func (s *Sink) Forward(ctx context.Context, ev streamlog.Event) error {
	headers, corrID := sink.Headers(ev)

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.CorrelationAttr(corrID.Value)),
		trace.WithAttributes(tracing.EventAttrs(ev.Stream, ev.Partition, ev.Offset)...),
	)
	defer span.End()
	tracing.Inject(ctx, headers)

	key := ev.Key
	if s.dropKey {
		key = nil
	}
	if err := s.producer.Produce(ctx, s.topic, key, ev.Value, headers); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("delivery failed",
			"correlation_id", corrID.Value,
			"target", s.topic,
			"error", err,
		)
		return err
	}

	tracing.SetSpanOK(span)
	return nil
}

// Close is a no-op; the shared client is closed with its ProducerPool.
func (s *Sink) Close() error { return nil }
