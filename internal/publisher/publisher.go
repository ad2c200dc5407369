// Package publisher defines the broker contract the engine publishes
// through, plus a Kafka adapter and an in-memory implementation. The engine
// is payload-agnostic: messages arrive already serialized.
package publisher

import "context"

// Message is one event on the wire. Key is the broker ordering key; it may
// be empty.
type Message struct {
	Topic      string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Publisher delivers messages to a broker. Publish returns per-call
// success or failure; Flush blocks until buffered messages are on the wire.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Flush(ctx context.Context) error
	Close() error
}
