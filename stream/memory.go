package stream

import (
	"context"
	"sync"

	"github.com/flexrt/flexcore/hooks"
)

// MemorySink buffers every published event in-process, for tests and the
// cmd/flexd demo's non-Redis fallback.
type MemorySink struct {
	mu     sync.Mutex
	events []hooks.Event
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send appends ev to the buffer.
func (s *MemorySink) Send(_ context.Context, ev hooks.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Close is a no-op; MemorySink owns no external resources.
func (s *MemorySink) Close(context.Context) error { return nil }

// Events returns a copy of every event sent so far, in order.
func (s *MemorySink) Events() []hooks.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hooks.Event(nil), s.events...)
}
