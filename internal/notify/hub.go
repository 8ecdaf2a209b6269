// Package notify fans progress events out to a user's live subscribers.
// Delivery is best-effort: a full or dead subscriber is skipped, never
// waited on.
package notify

import (
	"sync"

	"brainvault/internal/logging"
	"brainvault/internal/types"
)

const subscriberBuffer = 64

// Subscriber receives a user's events on a buffered channel.
type Subscriber struct {
	C chan types.Event

	userID int64
	closed bool
	mu     sync.Mutex
}

// safeClose closes the channel at most once.
func (s *Subscriber) safeClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.C)
		s.closed = true
	}
}

// trySend delivers without blocking; a full buffer drops the event.
func (s *Subscriber) trySend(event types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- event:
		return true
	default:
		return false
	}
}

// Hub tracks per-user subscriber sets.
type Hub struct {
	mu     sync.RWMutex
	users  map[int64]map[*Subscriber]struct{}
	logger logging.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users:  make(map[int64]map[*Subscriber]struct{}),
		logger: logging.WithComponent("notify"),
	}
}

// Subscribe registers a subscriber for a user's events and returns it with
// an unsubscribe function. Unsubscribe closes the channel.
func (h *Hub) Subscribe(userID int64) (*Subscriber, func()) {
	sub := &Subscriber{
		C:      make(chan types.Event, subscriberBuffer),
		userID: userID,
	}

	h.mu.Lock()
	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.users[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.users[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.users, sub.userID)
		}
	}
	h.mu.Unlock()
	sub.safeClose()
}

// Publish delivers an event to every subscriber of the user. Slow
// subscribers are skipped.
func (h *Hub) Publish(userID int64, event types.Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.users[userID]))
	for sub := range h.users[userID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.trySend(event) {
			h.logger.Debug("dropped event for slow subscriber",
				"user_id", userID, "event", event.Type)
		}
	}
}

// Broadcast delivers an event to every subscriber of every user.
func (h *Hub) Broadcast(event types.Event) {
	h.mu.RLock()
	var subs []*Subscriber
	for _, set := range h.users {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.trySend(event)
	}
}

// SubscriberCount reports the number of live subscribers for a user.
func (h *Hub) SubscriberCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
