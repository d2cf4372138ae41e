// Package pulse adapts stream.Sink to goa.design/pulse-backed Redis streams,
// one Pulse stream per run, grounded on features/stream/pulse in the
// teacher repo.
package pulse

import (
	"context"
	"fmt"

	"github.com/flexrt/flexcore/hooks"
	"github.com/flexrt/flexcore/stream"
	"github.com/flexrt/flexcore/stream/pulse/clients/pulse"
)

// Options configures the Pulse-backed sink.
type Options struct {
	Client pulse.Client
	// StreamID derives the target Pulse stream name from an event. Defaults
	// to "run/<RunID>".
	StreamID func(hooks.Event) string
}

// Sink publishes run events into per-run Pulse streams.
type Sink struct {
	client   pulse.Client
	streamID func(hooks.Event) string
}

// NewSink constructs a Pulse-backed stream.Sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse: client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

func defaultStreamID(ev hooks.Event) string {
	return fmt.Sprintf("run/%s", ev.EventRunID())
}

// Send publishes ev to its derived Pulse stream as a JSON envelope.
func (s *Sink) Send(ctx context.Context, ev hooks.Event) error {
	str, err := s.client.Stream(s.streamID(ev))
	if err != nil {
		return err
	}
	payload, err := stream.Marshal(stream.ToEnvelope(ev))
	if err != nil {
		return fmt.Errorf("pulse: marshaling event: %w", err)
	}
	_, err = str.Add(ctx, ev.EventType(), payload)
	return err
}

// Close releases the underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ stream.Sink = (*Sink)(nil)
