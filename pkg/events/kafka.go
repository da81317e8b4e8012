package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every event it receives to a Kafka topic.
type KafkaSink struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(writer, logger)
}

// NewKafkaSinkWithWriter creates a sink on top of an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.L().Named("kafka")
	}
	return &KafkaSink{writer: w, logger: logger}
}

// Publish writes a single event keyed by its kind.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	payload, err := Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := kafka.Message{
		Key:   []byte(ev.Kind()),
		Value: payload,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "kafka write")
	}
	return nil
}

// Run forwards events from sub until it is closed or ctx is done.
func (s *KafkaSink) Run(ctx context.Context, sub Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := s.Publish(ctx, ev); err != nil {
				s.logger.Error("failed to publish event", zap.String("kind", string(ev.Kind())), zap.Error(err))
			}
		}
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
