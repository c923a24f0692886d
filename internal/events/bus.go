// Package events provides the change-notification stream consumed by the
// dashboard. Delivery is best-effort: each subscriber has a bounded buffer
// and the oldest pending event is dropped when a slow consumer falls behind.
package events

import "sync"

// Event types emitted by the gateway.
const (
	TypeUpdate   = "update"
	TypeCooldown = "cooldown"
	TypeFlash    = "flash"
	TypeLog      = "log"
)

// Event is one notification.
type Event struct {
	Type string
	Data any
}

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
}

// Subscriber receives events on C until Close is called.
type Subscriber struct {
	C   chan Event
	bus *Bus
}

// NewBus creates a bus with the given per-subscriber buffer size.
// A non-positive size falls back to DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		C:   make(chan Event, b.buffer),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close removes the subscriber from the bus and closes its channel.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.C)
}

// Publish delivers an event to every subscriber without blocking the caller.
// When a subscriber's buffer is full the oldest pending event is discarded.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- evt:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- evt:
			default:
			}
		}
	}
}
