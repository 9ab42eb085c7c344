package domain

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCanceled  OrderStatus = "canceled"
	OrderStatusRejected  OrderStatus = "rejected"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:   {OrderStatusSubmitted, OrderStatusRejected, OrderStatusCanceled},
	OrderStatusSubmitted: {OrderStatusAccepted, OrderStatusRejected},
	OrderStatusAccepted:  {OrderStatusPartial, OrderStatusCompleted, OrderStatusCanceled, OrderStatusRejected},
	OrderStatusPartial:   {OrderStatusPartial, OrderStatusCompleted, OrderStatusCanceled},
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step of the
// order state machine.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}
