// Package bus is the in-process typed pub/sub fabric. Topics are
// registered descriptors with payload validators; subscribers get bounded
// queues with configurable overflow policies, optional idempotency and
// opt-in retry. Per (topic, subscriber) delivery is FIFO.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/orbitquant/tradeplane/internal/buserr"
	"github.com/orbitquant/tradeplane/pkg/schema"
)

// Event is the envelope every bus message travels in.
type Event struct {
	ID             string      `json:"id"`
	Topic          string      `json:"topic"`
	TS             time.Time   `json:"ts"`
	CorrelationID  string      `json:"correlationId"`
	Producer       string      `json:"producer"`
	Classification string      `json:"classification"`
	Payload        interface{} `json:"payload"`
}

// NewEvent builds an envelope. ID and TS are stamped at publish time when
// left empty; classification defaults to PUBLIC and is raised by the
// redaction path for content-bearing events.
func NewEvent(topic, correlationID, producer string, payload interface{}) *Event {
	return &Event{
		ID:             "ev-" + uuid.NewString(),
		Topic:          topic,
		CorrelationID:  correlationID,
		Producer:       producer,
		Classification: schema.ClassPublic,
		Payload:        payload,
	}
}

// Derive builds a follow-up event preserving the correlation id, so
// downstream consumers can stitch the decision chain back together.
func (e *Event) Derive(topic, producer string, payload interface{}) *Event {
	ev := NewEvent(topic, e.CorrelationID, producer, payload)
	ev.Classification = e.Classification
	return ev
}

// PayloadAs returns the payload as *T, accepting value or pointer form.
// Registered validators guarantee the type for registered topics, so a
// failure here means a handler subscribed to the wrong topic.
func PayloadAs[T any](ev *Event) (*T, error) {
	switch p := ev.Payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	default:
		var zero T
		return nil, buserr.New(buserr.Validation, "bus.payload",
			"topic %s: want %T, got %T", ev.Topic, &zero, ev.Payload)
	}
}
