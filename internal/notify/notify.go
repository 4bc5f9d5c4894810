// Package notify provides the room-based notification channel used to
// stream task completion/failure events to waiting clients. Consumers
// join per-task rooms ("task:<id>"); the worker host emits into them.
//
// The Hub is an in-process implementation; the transport that fans
// messages out to connected clients lives with the excluded HTTP
// surface and consumes Hub subscriptions.
package notify

import (
	"log/slog"
	"sync"
)

// Message is one event delivered to a room.
type Message struct {
	Room    string
	Event   string
	Payload any
}

// Notifier emits events into rooms. The worker host depends only on
// this interface.
type Notifier interface {
	Emit(room, event string, payload any)
}

// subscriptionBuffer bounds the per-subscriber channel. A subscriber
// that falls this far behind starts losing messages rather than
// blocking emitters.
const subscriptionBuffer = 16

// Subscription receives the messages of the rooms it has joined.
type Subscription struct {
	ch    chan Message
	rooms map[string]struct{}
}

// C returns the subscription's message channel. It is closed when the
// subscription leaves its last room via Hub.Leave.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Hub is an in-memory room registry with non-blocking fan-out.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		logger: logger.With("component", "notify_hub"),
	}
}

// Join subscribes to a room and returns the subscription.
func (h *Hub) Join(room string) *Subscription {
	sub := &Subscription{
		ch:    make(chan Message, subscriptionBuffer),
		rooms: map[string]struct{}{room: {}},
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscription]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}

	h.logger.Debug("client joined room", "room", room, "members", len(members))
	return sub
}

// Leave removes the subscription from every room it joined and closes
// its channel.
func (h *Hub) Leave(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range sub.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	sub.rooms = nil
	close(sub.ch)
}

// Emit delivers the event to every subscription in the room. Delivery
// is best-effort: a subscriber with a full buffer misses the message.
func (h *Hub) Emit(room, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.rooms[room]
	if !ok {
		return
	}

	msg := Message{Room: room, Event: event, Payload: payload}
	for sub := range members {
		select {
		case sub.ch <- msg:
		default:
			h.logger.Warn("dropping notification for slow subscriber",
				"room", room,
				"event", event)
		}
	}
}
