package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/arrondissement-locator/internal/config"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"github.com/couchcryptid/arrondissement-locator/internal/session"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes session transitions to a Kafka topic.
// It implements session.TransitionSink.
type Writer struct {
	writer  *kafkago.Writer
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewWriter creates an asynchronous Kafka producer for the configured topic.
// Delivery failures are logged and counted from the completion callback.
func NewWriter(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	w := &Writer{metrics: metrics, logger: logger}
	w.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   w.completed,
	}
	return w
}

// Publish enqueues t without waiting for the broker.
func (w *Writer) Publish(ctx context.Context, t session.Transition) error {
	msg, err := serializeToMessage(t)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

// Close flushes pending messages and closes the producer.
func (w *Writer) Close() error {
	return w.writer.Close()
}

func (w *Writer) completed(messages []kafkago.Message, err error) {
	if err == nil {
		return
	}
	w.metrics.PublishErrors.Add(float64(len(messages)))
	w.logger.Warn("transition delivery failed", "messages", len(messages), "error", err)
}

// serializeToMessage marshals a Transition into a Kafka message keyed by
// session so one session's transitions stay ordered on a partition.
func serializeToMessage(t session.Transition) (kafkago.Message, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize transition: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(t.SessionID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "phase", Value: []byte(t.State.Phase)},
			{Key: "updated_at", Value: []byte(t.State.UpdatedAt.Format(time.RFC3339Nano))},
		},
	}, nil
}

// DecodeTransition parses a message produced by Writer.
func DecodeTransition(msg kafkago.Message) (session.Transition, error) {
	var t session.Transition
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		return session.Transition{}, fmt.Errorf("decode transition at offset %d: %w", msg.Offset, err)
	}
	return t, nil
}
