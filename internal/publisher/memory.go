package publisher

import (
	"context"
	"sync"
)

// Memory is an in-process publisher for tests and local development. It
// records every delivered message and can fail upcoming publishes on demand.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	failures []error
}

// NewMemory creates an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the message, unless a queued failure consumes this call.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	// Copy the attribute map so later caller mutation cannot corrupt the record.
	attrs := make(map[string]string, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	msg.Attributes = attrs
	m.messages = append(m.messages, msg)
	return nil
}

// Flush is a no-op.
func (m *Memory) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// FailNext queues errors consumed one per upcoming Publish call.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Messages returns a copy of everything delivered so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessagesForTopic returns delivered messages for one topic.
func (m *Memory) MessagesForTopic(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
