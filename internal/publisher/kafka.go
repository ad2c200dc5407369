package publisher

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Kafka publishes messages through a kafka-go writer. Writes are synchronous,
// so Publish reports the broker outcome directly and Flush has nothing left
// to drain.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a publisher over the given brokers. The topic is carried
// per message.
func NewKafka(brokers []string) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 0,
	}
	log.Info().Strs("brokers", brokers).Msg("kafka publisher created")
	return &Kafka{writer: w}
}

// Publish delivers one message. Attributes map to Kafka headers in sorted
// order; Key becomes the partition key.
func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	names := make([]string, 0, len(msg.Attributes))
	for name := range msg.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]kafka.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(msg.Attributes[name])})
	}

	km := kafka.Message{
		Topic:   msg.Topic,
		Value:   msg.Data,
		Headers: headers,
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	return k.writer.WriteMessages(ctx, km)
}

// Flush is a no-op for synchronous writes.
func (k *Kafka) Flush(ctx context.Context) error { return nil }

// Close shuts the underlying writer down.
func (k *Kafka) Close() error { return k.writer.Close() }
