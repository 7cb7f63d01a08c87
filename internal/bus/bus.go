package bus

import (
	"strings"
	"sync"
	"time"
)

// HandlerID identifies a registered handler for Off.
type HandlerID uint64

type handler struct {
	id HandlerID
	fn func(Payload)
}

// Bus is an in-process event bus. Typed handlers registered with On run
// synchronously on the publishing goroutine; channel subscribers filter by
// namespace and never block the publisher.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscription
	next     int
	handlers map[Kind][]handler
	nextID   HandlerID
	now      func() time.Time
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:     make(map[int]*subscription),
		handlers: make(map[Kind][]handler),
		now:      time.Now,
	}
}

// Emit publishes p stamped with the current time.
func (b *Bus) Emit(p Payload) {
	b.Publish(Event{Timestamp: b.now(), Payload: p})
}

// Publish delivers evt to handlers of its kind, then to every channel
// subscriber whose namespace is a prefix of the kind.
func (b *Bus) Publish(evt Event) {
	kind := evt.Kind()

	b.mu.RLock()
	hs := append([]handler(nil), b.handlers[kind]...)
	b.mu.RUnlock()

	for _, h := range hs {
		h.fn(evt.Payload)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(string(kind), sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// On registers fn for events whose payload type is P.
func On[P Payload](b *Bus, fn func(P)) HandlerID {
	var zero P
	kind := zero.Kind()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], handler{
		id: b.nextID,
		fn: func(p Payload) {
			if v, ok := p.(P); ok {
				fn(v)
			}
		},
	})
	return b.nextID
}

// Off removes the handler id registered for kind. With id zero it removes
// every handler for kind.
func (b *Bus) Off(kind Kind, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == 0 {
		delete(b.handlers, kind)
		return
	}
	hs := b.handlers[kind]
	for i, h := range hs {
		if h.id == id {
			b.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
