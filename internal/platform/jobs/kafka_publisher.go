package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nucleotide-health/orders/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderEventPublisher publishes order lifecycle events to a Kafka topic keyed by order id, so
// every event for one order lands on the same partition.
type KafkaOrderEventPublisher struct {
	writer  messageWriter
	marshal func(any) ([]byte, error)
}

// KafkaOption customises the publisher.
type KafkaOption func(*kafka.Writer)

// WithKafkaBatchTimeout bounds how long the writer buffers messages before flushing.
func WithKafkaBatchTimeout(d time.Duration) KafkaOption {
	return func(w *kafka.Writer) {
		if d > 0 {
			w.BatchTimeout = d
		}
	}
}

// NewKafkaOrderEventPublisher constructs a publisher writing to topic on the given brokers.
func NewKafkaOrderEventPublisher(brokers []string, topic string, opts ...KafkaOption) (*KafkaOrderEventPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			addrs = append(addrs, broker)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka order event publisher: brokers are required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka order event publisher: topic is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(writer)
		}
	}
	return newKafkaOrderEventPublisher(writer), nil
}

func newKafkaOrderEventPublisher(writer messageWriter) *KafkaOrderEventPublisher {
	return &KafkaOrderEventPublisher{writer: writer, marshal: json.Marshal}
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka order event publisher: not initialised")
	}
	if strings.TrimSpace(event.OrderID) == "" || strings.TrimSpace(event.Type) == "" {
		return errors.New("kafka order event publisher: event type and order id are required")
	}

	payload := newOrderEventMessage(event)
	data, err := p.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := eventAttributes(event)
	headers := make([]kafka.Header, 0, len(attrs))
	for key, value := range attrs {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
		Time:    payload.OccurredAt,
	}); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Close flushes buffered messages and releases broker connections.
func (p *KafkaOrderEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
