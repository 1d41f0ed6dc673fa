// Package broadcast fans out events to live subscribers, each with its
// own filter and its own bounded queue. A slow subscriber only drops its
// own oldest undelivered message; it never blocks or affects other
// subscribers.
package broadcast

import (
	"sync"

	"github.com/vibetea/telemetry/internal/event"
)

// DefaultCapacity is the default per-subscriber queue depth.
const DefaultCapacity = 1000

// Filter is a per-subscriber predicate over {source, type, project}.
// Unset fields match everything; all set fields must match (AND).
type Filter struct {
	Source  *string
	Type    *event.Type
	Project *string
}

// Matches reports whether ev satisfies every set field of f.
func (f Filter) Matches(ev event.Event) bool {
	if f.Source != nil && ev.Source != *f.Source {
		return false
	}
	if f.Type != nil && ev.Type != *f.Type {
		return false
	}
	if f.Project != nil {
		project, ok := ev.Payload.Project()
		if !ok || project != *f.Project {
			return false
		}
	}
	return true
}

// message is what travels down a subscriber's channel: either a regular
// event delivery or a lag notification for that subscriber alone.
type message struct {
	event  event.Event
	lagged int
}

// Subscriber is a single broadcast receiver. Callers read with Recv until
// Close; a non-zero lagged count returned with a message reports messages
// dropped for this subscriber because its queue was full, and summed over
// all receives those counts equal the number of drops.
type Subscriber struct {
	hub    *Hub
	id     uint64
	ch     chan message
	mu     sync.Mutex
	closed bool
}

// Recv blocks for the next delivered event or lag signal. ok is false
// once the subscriber has been closed.
func (s *Subscriber) Recv() (ev event.Event, lagged int, ok bool) {
	m, open := <-s.ch
	if !open {
		return event.Event{}, 0, false
	}
	return m.event, m.lagged, true
}

// Close unregisters the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s.id)
}

// Hub is a multi-producer, multi-subscriber broadcast channel with
// per-subscriber filtering. New subscribers only see events broadcast
// strictly after they subscribe.
type Hub struct {
	capacity int

	mu       sync.RWMutex
	nextID   uint64
	subs     map[uint64]*subEntry
}

type subEntry struct {
	sub    *Subscriber
	filter Filter
}

// New constructs a Hub with the default per-subscriber capacity.
func New() *Hub {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity constructs a Hub whose subscriber queues hold up to
// capacity undelivered messages before the oldest is dropped.
func NewWithCapacity(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{capacity: capacity, subs: make(map[uint64]*subEntry)}
}

// Subscribe registers a new subscriber with filter f.
func (h *Hub) Subscribe(f Filter) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	sub := &Subscriber{
		hub: h,
		id:  id,
		ch:  make(chan message, h.capacity),
	}
	h.subs[id] = &subEntry{sub: sub, filter: f}
	return sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	entry, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		entry.sub.mu.Lock()
		if !entry.sub.closed {
			entry.sub.closed = true
			close(entry.sub.ch)
		}
		entry.sub.mu.Unlock()
	}
}

// Broadcast delivers ev to every subscriber whose filter matches it.
// Delivery never blocks: a subscriber whose queue is full has its oldest
// undelivered message dropped and a lag counter incremented, surfaced
// only to that subscriber. It returns the number of subscribers the
// event matched.
func (h *Hub) Broadcast(ev event.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, entry := range h.subs {
		if !entry.filter.Matches(ev) {
			continue
		}
		delivered++
		deliverNonBlocking(entry.sub, ev)
	}
	return delivered
}

// deliverNonBlocking tries to enqueue ev; on a full queue it drops the
// oldest queued message (and folds its lag count forward) to make room.
func deliverNonBlocking(sub *Subscriber, ev event.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	select {
	case sub.ch <- message{event: ev}:
		return
	default:
	}

	// Queue full: drop the oldest entry, carrying its lag count forward,
	// then enqueue the new event.
	var carriedLag int
	select {
	case old := <-sub.ch:
		carriedLag = old.lagged + 1
	default:
	}

	select {
	case sub.ch <- message{event: ev, lagged: carriedLag}:
	default:
		// Pathological: another goroutine drained concurrently. Retry
		// once more without blocking.
		select {
		case sub.ch <- message{event: ev, lagged: carriedLag}:
		default:
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
