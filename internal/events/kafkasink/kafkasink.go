// Package kafkasink forwards stamped events to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"

	"github.com/roach88/streamsale/internal/events"
)

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkaGo.Message) error
	Close() error
}

// Sink publishes each event as one JSON message keyed by item id, so every
// event of an item lands on the same partition in seq order.
type Sink struct {
	w Writer
}

// New creates a sink writing to topic on brokers.
//
// The writer is asynchronous: Publish returns once the message is buffered.
// Delivery failures are logged.
func New(brokers []string, topic string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafkaGo.Writer{
		Addr:         kafkaGo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkaGo.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafkaGo.Message, err error) {
			if err != nil {
				logger.Error("kafka delivery failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return &Sink{w: w}
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer) *Sink {
	return &Sink{w: w}
}

// Publish implements events.Sink.
func (s *Sink) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := string(ev.Item)
	if key == "" {
		key = string(ev.Kind)
	}

	return s.w.WriteMessages(ctx, kafkaGo.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafkaGo.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "seq", Value: []byte(strconv.FormatInt(ev.Seq, 10))},
		},
	})
}

// Close flushes buffered messages and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
