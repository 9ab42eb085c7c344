package engine

import "ordersync/internal/domain"

// Notification is one entry of the notification queue: an order snapshot, or
// a heartbeat meaning nothing new happened since the previous tick.
type Notification struct {
	Order     domain.Order
	Heartbeat bool
}

type notifications struct {
	q []Notification
}

func (n *notifications) push(v Notification) {
	n.q = append(n.q, v)
}

func (n *notifications) pop() (Notification, bool) {
	if len(n.q) == 0 {
		return Notification{}, false
	}
	v := n.q[0]
	n.q[0] = Notification{}
	n.q = n.q[1:]
	return v, true
}

func (e *Engine) notifyLocked(en *entry, b *batch) {
	snap := en.order.Clone()
	e.notifs.push(Notification{Order: snap})
	b.notified = append(b.notified, snap)
}

// PollNotification pops the oldest notification. It returns false when the
// queue is empty.
func (e *Engine) PollNotification() (Notification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifs.pop()
}

// Heartbeat appends the heartbeat sentinel; callers invoke it once per
// strategy tick.
func (e *Engine) Heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifs.push(Notification{Heartbeat: true})
}
