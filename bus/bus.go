// Package bus provides a typed publish/subscribe transport for change
// notifications between live instances of the application. Events are
// ephemeral: constructed, broadcast, consumed by zero or more listeners, and
// discarded. Delivery is best-effort; the authoritative state is always
// re-derivable from the local store plus the network.
package bus

import (
	"encoding/json"
	"sync"
)

// EventType identifies the kind of change an Event describes.
type EventType string

const (
	// EventCacheUpdated signals that a cached entity (or a whole collection,
	// when EntityID is empty) changed and readers should refresh.
	EventCacheUpdated EventType = "cache_updated"
	// EventEntityDeleted signals that an entity was removed.
	EventEntityDeleted EventType = "entity_deleted"
	// EventMutationSynced signals that a queued mutation was delivered to the
	// remote endpoint; Payload carries the response body when present.
	EventMutationSynced EventType = "mutation_synced"
)

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	switch t {
	case EventCacheUpdated, EventEntityDeleted, EventMutationSynced:
		return true
	}
	return false
}

// Event is one cross-tab change notification.
type Event struct {
	Type     EventType       `json:"type"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes one delivered event. Handlers run on the publisher's
// goroutine for the in-process bus; they must not block.
type Handler func(Event)

// Bus is a topic-based pub/sub transport. Publish is fire-and-forget with no
// delivery confirmation; Subscribe registers a filtered listener and returns
// an unsubscribe function.
type Bus interface {
	Publish(ev Event)
	Subscribe(types []EventType, fn Handler) (unsubscribe func())
}

// subscriber is one registered listener with its type filter.
type subscriber struct {
	types map[EventType]bool
	fn    Handler
}

// Local is an in-process Bus implementation. Every subscriber in the same
// process sees every matching event, including events it published itself;
// handlers that re-publish are responsible for avoiding loops.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

// NewLocal creates an in-process bus.
func NewLocal() *Local {
	return &Local{subs: make(map[int]*subscriber)}
}

// Publish delivers ev synchronously to every matching subscriber. Invalid
// event types are dropped.
func (b *Local) Publish(ev Event) {
	if !ev.Type.Valid() {
		return
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types[ev.Type] {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		fn(ev)
	}
}

// Subscribe registers fn for the given event types. An empty type list
// subscribes to everything. The returned function removes the subscription
// and is safe to call more than once.
func (b *Local) Subscribe(types []EventType, fn Handler) func() {
	filter := make(map[EventType]bool, len(types))
	if len(types) == 0 {
		filter[EventCacheUpdated] = true
		filter[EventEntityDeleted] = true
		filter[EventMutationSynced] = true
	}
	for _, t := range types {
		filter[t] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{types: filter, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Verify interface compliance at compile time
var _ Bus = (*Local)(nil)
