// Package staged holds the in-memory event log bound to one transaction
// attempt. Events are serialized when staged, so a later broker failure never
// re-serializes a payload and tests can assert the bytes on the wire.
package staged

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attribute names every published event carries.
const (
	AttrEventID    = "eventId"
	AttrEventName  = "eventName"
	AttrProducedAt = "producedAt"
)

// Event is one staged record: serialized payload plus broker metadata. ID is
// the fresh UUID minted at stage time and becomes the outbox row key.
type Event struct {
	ID          uuid.UUID
	Topic       string
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
}

// Options customizes a single Stage call. Caller attributes win over the
// defaults derived from the payload.
type Options struct {
	Attributes  map[string]string
	OrderingKey string
}

// Log is the finite, insertion-ordered event sequence for one attempt.
// It is not safe for concurrent use; each attempt owns its log.
type Log struct {
	events []Event
	now    func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// NewLogAt creates an empty log with a fixed clock, for tests.
func NewLogAt(now func() time.Time) *Log {
	return &Log{now: now}
}

// Stage serializes the payload, derives default attributes from its id, name
// and producedAt fields, merges caller attributes, mints a fresh id and
// appends the event.
func (l *Log) Stage(topic string, payload any, opts Options) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("stage %q: %w", topic, err)
	}

	attrs := map[string]string{
		AttrProducedAt: l.now().UTC().Format(time.RFC3339Nano),
	}
	var probe struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		ProducedAt string `json:"producedAt"`
	}
	// The probe is best-effort; payloads without the conventional fields
	// just get the stage-time producedAt.
	if err := json.Unmarshal(data, &probe); err == nil {
		if probe.ID != "" {
			attrs[AttrEventID] = probe.ID
		}
		if probe.Name != "" {
			attrs[AttrEventName] = probe.Name
		}
		if probe.ProducedAt != "" {
			attrs[AttrProducedAt] = probe.ProducedAt
		}
	}
	for k, v := range opts.Attributes {
		attrs[k] = v
	}

	ev := Event{
		ID:          uuid.New(),
		Topic:       topic,
		Data:        data,
		Attributes:  attrs,
		OrderingKey: opts.OrderingKey,
	}
	l.events = append(l.events, ev)
	return ev, nil
}

// Events returns the staged sequence. The slice is shared; callers must not
// mutate it.
func (l *Log) Events() []Event { return l.events }

// Len returns the number of staged events.
func (l *Log) Len() int { return len(l.events) }

// Reset clears the log. The runner calls it before every retry attempt.
func (l *Log) Reset() { l.events = l.events[:0] }
