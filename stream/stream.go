// Package stream defines the Sink boundary the execution engine publishes
// run events through for out-of-process collaborators (the HTTP/SSE
// transport spec.md §1 places outside the core). The in-process event bus
// lives in package hooks; Sink is what forwards those events onward.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flexrt/flexcore/hooks"
)

// Envelope is the wire form of a published event: stable across transports,
// independent of the concrete hooks.Event Go type.
type Envelope struct {
	Type      string `json:"type"`
	RunID     string `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Sink publishes run events to an external transport.
type Sink interface {
	Send(ctx context.Context, ev hooks.Event) error
	Close(ctx context.Context) error
}

// ToEnvelope converts a hooks.Event into its wire Envelope, marshaling the
// concrete event as the payload.
func ToEnvelope(ev hooks.Event) Envelope {
	return Envelope{
		Type:      ev.EventType(),
		RunID:     ev.EventRunID(),
		Timestamp: ev.EventTimestamp(),
		Payload:   ev,
	}
}

// Marshal serializes an Envelope to JSON, the shape every Sink
// implementation in this package uses on the wire.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
