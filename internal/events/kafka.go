package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/syncline-io/syncline/internal/config"
)

const defaultTopic = "syncline-events"

// KafkaEmitter publishes events to a Kafka topic. Messages are keyed by run
// id through a hash balancer, so every event of one run lands on the same
// partition and consumers observe run lifecycles in order.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

var _ Emitter = (*KafkaEmitter)(nil)

// NewKafka builds an emitter against the configured brokers. The connection
// is lazy; a dead broker surfaces on the first Emit, not here.
func NewKafka(cfg config.EventsConfig) *KafkaEmitter {
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}

	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           100 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Emit publishes one event. The caller decides whether a failure matters;
// the pipeline logs and keeps going.
func (e *KafkaEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RunID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}

	e.logger.Debug("event published",
		slog.String("type", string(ev.Type)),
		slog.String("run_id", ev.RunID))

	return nil
}

// Close flushes buffered messages and releases the writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}
