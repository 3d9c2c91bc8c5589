// Package hub fans broadcast events out to connection subscribers.
// Delivery is non-blocking: a publisher never waits on a slow
// consumer. A subscriber whose channel overflows is marked lagged and
// must resynchronize from a full snapshot instead of replaying the gap.
package hub

import (
	"sync"

	"github.com/joescharf/crew/internal/protocol"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscriber is one registered event consumer.
type Subscriber struct {
	events chan protocol.Event
	lagged chan struct{}
}

// Events is the delivery channel. Events published after an overflow
// are dropped until the subscriber resyncs.
func (s *Subscriber) Events() <-chan protocol.Event {
	return s.events
}

// Lagged signals at most once per overflow that deliveries were
// dropped and the consumer needs a full snapshot.
func (s *Subscriber) Lagged() <-chan struct{} {
	return s.lagged
}

// Hub is the process-wide subscriber registry.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
}

// New creates a hub with the default per-subscriber buffer.
func New() *Hub {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer creates a hub with an explicit per-subscriber buffer.
func NewWithBuffer(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer. The caller must Unsubscribe when
// the connection closes.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		events: make(chan protocol.Event, h.buffer),
		lagged: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes a consumer. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber without blocking.
// Overflowing subscribers are flagged lagged instead of gap-filled.
func (h *Hub) Publish(event protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.events <- event:
		default:
			select {
			case s.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
