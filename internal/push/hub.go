// Package push delivers engine progress and completion events to connected
// clients over WebSocket.
package push

import (
	"log/slog"
	"sync"
)

// Publisher is the engine's view of the push channel. Publish never blocks.
type Publisher interface {
	Publish(channel, event string, payload any)
}

// Message is the wire format for pushed events.
type Message struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type subscriber struct {
	channels map[string]bool // empty means every channel
	ch       chan Message
}

func (s *subscriber) wants(channel string) bool {
	return len(s.channels) == 0 || s.channels[channel]
}

// Compile-time interface check.
var _ Publisher = (*Hub)(nil)

// Hub fans published messages out to subscribers. Slow subscribers have
// messages dropped.
type Hub struct {
	// SendBuffer is the per-client message buffer of ServeHTTP; zero selects
	// 256.
	SendBuffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
	log    *slog.Logger
}

// NewHub creates an empty Hub. A nil logger selects slog.Default().
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: make(map[int]*subscriber),
		log:  log.With("component", "push"),
	}
}

// Subscribe returns a channel that receives messages published on any of
// channels, or on every channel when none is given. bufSize controls the
// channel buffer.
func (h *Hub) Subscribe(bufSize int, channels ...string) (int, <-chan Message) {
	s := &subscriber{channels: make(map[string]bool, len(channels)), ch: make(chan Message, bufSize)}
	for _, c := range channels {
		s.channels[c] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	if h.closed {
		close(s.ch)
		return id, s.ch
	}
	h.subs[id] = s
	return id, s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Publish sends an event to every interested subscriber without blocking.
func (h *Hub) Publish(channel, event string, payload any) {
	m := Message{Channel: channel, Event: event, Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if !s.wants(channel) {
			continue
		}
		select {
		case s.ch <- m:
		default:
			h.log.Debug("dropping push message", "subscriber", id, "event", event)
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
