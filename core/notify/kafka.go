package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"github.com/relabs-tech/restio/core/engine"
	"github.com/relabs-tech/restio/core/logger"
)

// KafkaSink forwards committed change events to a Kafka topic, keyed by
// resource and id so changes to one record stay in partition order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to the topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

type kafkaEvent struct {
	Operation string         `json:"operation"`
	Resource  string         `json:"resource"`
	ID        string         `json:"id"`
	Record    map[string]any `json:"record,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Emit implements engine.EventSink. Delivery failures are logged; the
// request that produced the event has already committed and must not
// fail retroactively.
func (s *KafkaSink) Emit(ctx context.Context, event engine.Event) {
	payload, err := json.Marshal(kafkaEvent{
		Operation: string(event.Operation),
		Resource:  event.Resource,
		ID:        event.ID,
		Record:    event.Record,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Resource + "/" + event.ID),
		Value: payload,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("kafka emit failed for", event.Resource, event.ID)
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
