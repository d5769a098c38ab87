package events

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes the raw payload of one published event.
type Handler func(data json.RawMessage)

// Subscription identifies a single registered handler so it can be removed
// without disturbing siblings.
type Subscription struct {
	event string
	id    uint64
}

type entry struct {
	id uint64
	fn Handler
}

// Registry fans transport events out to independent subscribers. One physical
// connection, many logical listeners: the synchronizer, the presence
// coordinator and UI surfaces all subscribe here without knowing about
// reconnects.
type Registry struct {
	mu       sync.Mutex
	log      *zerolog.Logger
	nextID   uint64
	handlers map[string][]entry
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		log:      logger,
		handlers: make(map[string][]entry),
	}
}

// Subscribe appends handler to the event's ordered list and returns a handle
// for later removal.
func (r *Registry) Subscribe(event string, fn Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.handlers[event] = append(r.handlers[event], entry{id: r.nextID, fn: fn})
	return Subscription{event: event, id: r.nextID}
}

// Unsubscribe removes one handler. Unknown handles are ignored.
func (r *Registry) Unsubscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[sub.event]
	for i, e := range list {
		if e.id == sub.id {
			r.handlers[sub.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll clears every registered handler. Called exactly once per
// logical session teardown so re-subscribing after a reconnect never stacks
// duplicate handlers.
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]entry)
}

// Publish invokes all handlers for the event synchronously, in registration
// order. A panicking handler is isolated and logged; siblings still run.
func (r *Registry) Publish(event string, data json.RawMessage) {
	r.mu.Lock()
	list := make([]entry, len(r.handlers[event]))
	copy(list, r.handlers[event])
	r.mu.Unlock()

	for _, e := range list {
		r.invoke(event, e, data)
	}
}

func (r *Registry) invoke(event string, e entry, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Error().Str("event", event).Interface("panic", rec).Msg("event handler panicked")
		}
	}()
	e.fn(data)
}
