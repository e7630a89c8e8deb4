package provider

import (
	"sync"

	"github.com/matheus3301/chathub/internal/model"
)

// EventKind enumerates the provider-agnostic event kinds.
type EventKind string

const (
	// EventNewMessage carries a fully-formed message. Delivery is
	// at-least-once; consumers deduplicate by (source, chat, message id).
	EventNewMessage EventKind = "message:new"
	// EventChatUpdated signals that the chat list is stale. No payload.
	EventChatUpdated EventKind = "chat:updated"
	// EventStatusChanged carries the new connection flag.
	EventStatusChanged EventKind = "status:changed"
)

// Event is a provider-agnostic event emitted to subscribers.
type Event struct {
	Kind      EventKind
	Source    model.Source
	Message   *model.Message // set for EventNewMessage
	Connected bool           // set for EventStatusChanged
}

// Listener receives provider events.
type Listener func(Event)

// Emitter fans events out to subscribers in registration order. Delivery is
// synchronous, so events emitted from a provider's event channel goroutine
// reach every subscriber in the order the channel received them.
type Emitter struct {
	mu   sync.Mutex
	subs []subscriber
	next int
}

type subscriber struct {
	id int
	fn Listener
}

// Subscribe registers fn and returns its handle.
func (e *Emitter) Subscribe(fn Listener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes the listener with the given handle. Unknown handles
// are ignored.
func (e *Emitter) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers evt to all current subscribers in registration order.
func (e *Emitter) Emit(evt Event) {
	e.mu.Lock()
	subs := make([]subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(evt)
	}
}
