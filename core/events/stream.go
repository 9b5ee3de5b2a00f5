package events

import (
	"sync"

	"fulfillchain/core/types"
)

// payloadCarrier is implemented by events that can render themselves into the
// wire representation exposed to RPC subscribers.
type payloadCarrier interface {
	Event() *types.Event
}

// Stream is a bounded in-memory emitter retaining the most recent events for
// off-chain observers polling over RPC. Older entries are dropped once the
// capacity is reached.
type Stream struct {
	mu     sync.RWMutex
	buf    []*types.Event
	next   uint64
	limit  int
	synced Emitter
}

// NewStream returns a stream retaining up to limit events. A non-positive
// limit falls back to 1024.
func NewStream(limit int) *Stream {
	if limit <= 0 {
		limit = 1024
	}
	return &Stream{limit: limit}
}

// Chain forwards every emitted event to the supplied emitter after recording
// it, allowing the stream to sit in front of logging or metrics sinks.
func (s *Stream) Chain(next Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = next
}

// Emit implements the Emitter interface.
func (s *Stream) Emit(evt Event) {
	if s == nil || evt == nil {
		return
	}
	var payload *types.Event
	if carrier, ok := evt.(payloadCarrier); ok {
		payload = carrier.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	s.mu.Lock()
	s.buf = append(s.buf, payload)
	if len(s.buf) > s.limit {
		s.buf = s.buf[len(s.buf)-s.limit:]
	}
	s.next++
	next := s.synced
	s.mu.Unlock()
	if next != nil {
		next.Emit(evt)
	}
}

// Recent returns up to n of the most recently emitted events, newest last.
func (s *Stream) Recent(n int) []*types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.buf) {
		n = len(s.buf)
	}
	out := make([]*types.Event, n)
	copy(out, s.buf[len(s.buf)-n:])
	return out
}

// Total reports the number of events observed since creation, including
// entries already evicted from the buffer.
func (s *Stream) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}
