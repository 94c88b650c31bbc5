package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/domain/events"
	"github.com/ahrav/scanwatch/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/scanwatch/internal/infra/eventbus/reliability"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// PublisherMetrics tracks publish outcomes per topic.
type PublisherMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements events.DomainEventPublisher on a sarama
// SyncProducer. Every event goes to a single analytics topic, keyed by the
// event's partition key so one scan's events stay ordered.
type DomainEventPublisher struct {
	producer sarama.SyncProducer
	topic    string
	metrics  PublisherMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// NewDomainEventPublisher creates a publisher writing to topic. metrics may be nil.
func NewDomainEventPublisher(
	producer sarama.SyncProducer,
	topic string,
	metrics PublisherMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
) *DomainEventPublisher {
	return &DomainEventPublisher{
		producer: producer,
		topic:    topic,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "kafka_domain_event_publisher", "topic", topic),
	}
}

// PublishDomainEvent encodes the event and sends it synchronously.
func (p *DomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(event.EventType())))

	params := events.ApplyOptions(opts...)
	critical := reliability.IsCriticalEvent(event.EventType())

	payload, err := EncodeEvent(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		p.incError(ctx)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(event.EventType())},
			{Key: []byte(HeaderOccurredAt), Value: []byte(event.OccurredAt().UTC().Format(time.RFC3339Nano))},
			{Key: []byte(HeaderCritical), Value: []byte(strconv.FormatBool(critical))},
		},
	}
	if params.Key != "" {
		msg.Key = sarama.StringEncoder(params.Key)
		span.SetAttributes(attribute.String("event.key", params.Key))
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		p.incError(ctx)
		if critical {
			p.logger.Error(ctx, "failed to publish critical event",
				"event_type", event.EventType(),
				"key", params.Key,
				"error", err,
			)
		}
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}
	if p.metrics != nil {
		p.metrics.IncMessagePublished(ctx, p.topic)
	}

	p.logger.Debug(ctx, "Published event to Kafka",
		"event_type", event.EventType(),
		"partition", partition,
		"offset", offset,
		"key", params.Key,
	)
	span.SetStatus(codes.Ok, "event published")
	return nil
}

func (p *DomainEventPublisher) incError(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.IncPublishError(ctx, p.topic)
	}
}

// Close flushes and closes the producer.
func (p *DomainEventPublisher) Close() error { return p.producer.Close() }
