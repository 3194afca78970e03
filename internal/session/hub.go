package session

import (
	"sync"

	"relay/internal/events"
	"relay/internal/logging"
)

const subscriberBuffer = 256

type HubObserver interface {
	EventPublished(kind string)
	EventDropped(kind string)
}

// Hub fans events out to subscribers. A subscriber that falls a full buffer
// behind misses events rather than stalling the session.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]chan events.Event
	closed   bool
	logger   logging.Logger
	observer HubObserver
}

func NewHub(logger logging.Logger, observer HubObserver) *Hub {
	return &Hub{
		subs:     make(map[int]chan events.Event),
		logger:   logging.OrNop(logger),
		observer: observer,
	}
}

func (h *Hub) Subscribe() (<-chan events.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan events.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		if ok {
			close(sub)
		}
	}
	return ch, cancel
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Publish(event events.Event) {
	kind := string(event.Kind())
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.observer != nil {
		h.observer.EventPublished(kind)
	}
	for id, sub := range h.subs {
		select {
		case sub <- event:
		default:
			h.logger.Warn("session_event_dropped", logging.F("subscriber", id), logging.F("kind", kind))
			if h.observer != nil {
				h.observer.EventDropped(kind)
			}
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}
