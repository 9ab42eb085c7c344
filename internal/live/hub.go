// Package live fans order notifications out to gRPC subscribers and provides
// the matching client.
package live

import (
	"sync"

	"ordersync/internal/domain"
)

// Hub keeps the latest snapshot of every order it has seen and broadcasts
// each new snapshot to its subscribers.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]domain.Order
	keys   []string // first-seen order of latest

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.Order
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		latest: make(map[string]domain.Order),
		subs:   make(map[int]chan domain.Order),
	}
}

func orderKey(o domain.Order) string {
	return o.Account + "/" + o.ClientOrderID
}

// Publish records o and notifies subscribers. A snapshot with a lower
// version than the one already held is stale and dropped. Slow subscribers
// miss the event rather than block the publisher.
func (h *Hub) Publish(o domain.Order) {
	o = o.Clone()
	key := orderKey(o)
	h.mu.Lock()
	prev, ok := h.latest[key]
	if ok && prev.Version > o.Version {
		h.mu.Unlock()
		return
	}
	if !ok {
		h.keys = append(h.keys, key)
	}
	h.latest[key] = o
	h.mu.Unlock()

	h.subsMu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- o:
		default:
			// Slow subscriber, drop event.
		}
	}
	h.subsMu.Unlock()
}

// Snapshot returns the latest state of every order of account, or of all
// accounts when account is empty, in first-seen order.
func (h *Hub) Snapshot(account string) []domain.Order {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.Order, 0, len(h.keys))
	for _, k := range h.keys {
		o := h.latest[k]
		if account != "" && o.Account != account {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// Subscribe creates a new subscription channel for order events.
func (h *Hub) Subscribe(bufSize int) (id int, ch <-chan domain.Order) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	id = h.nextSubID
	h.nextSubID++
	c := make(chan domain.Order, bufSize)
	h.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subs)
}
