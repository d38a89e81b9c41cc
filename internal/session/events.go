package session

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types pushed to the browser
const (
	EventRedirect = "redirect"
	EventEnded    = "ended"
)

const subscriberBuffer = 16

// Event is a server-initiated instruction for one browsing context
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Location string    `json:"location,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// NewEvent stamps an event with a sortable ID
func NewEvent(typ, location string, reason EndReason) Event {
	return Event{
		ID:       ulid.Make().String(),
		Type:     typ,
		Location: location,
		Reason:   string(reason),
		At:       time.Now().UTC(),
	}
}

// Hub fans events out to the subscribers of one browsing context. The last
// redirect is replayed to late subscribers so a page that connects after its
// session ended still leaves.
type Hub struct {
	mu       sync.Mutex
	subs     map[chan Event]struct{}
	redirect *Event
	closed   bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned function unsubscribes; the
// channel is closed when the hub closes or on unsubscribe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		if h.redirect != nil {
			ch <- *h.redirect
		}
		close(ch)
		return ch, func() {}
	}
	if h.redirect != nil {
		ch <- *h.redirect
	}
	h.subs[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Publish delivers ev to every subscriber without blocking. Slow subscribers
// miss events.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if ev.Type == EventRedirect {
		cp := ev
		h.redirect = &cp
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
