package engine

import (
	"github.com/tidwall/btree"

	"ordersync/internal/domain"
)

// entry is the engine-private record of one order.
type entry struct {
	order domain.Order
	inst  domain.Instrument
	lots  int64

	inFlight        bool // submit call outstanding
	pendingCancel   bool // cancel requested while in flight
	cancelRequested bool // a linkage cancel was already sent
}

// registry maps refs to orders, ordered by ref, with a reverse index from
// exchange ids.
type registry struct {
	orders   btree.Map[domain.Ref, *entry]
	byBroker map[string]domain.Ref
}

func newRegistry() *registry {
	return &registry{byBroker: make(map[string]domain.Ref)}
}

func (r *registry) add(e *entry) {
	r.orders.Set(e.order.Ref, e)
}

func (r *registry) get(ref domain.Ref) (*entry, bool) {
	if ref == 0 {
		return nil, false
	}
	return r.orders.Get(ref)
}

func (r *registry) bind(brokerID string, ref domain.Ref) {
	r.byBroker[brokerID] = ref
}

func (r *registry) lookup(brokerID string) (*entry, bool) {
	ref, ok := r.byBroker[brokerID]
	if !ok {
		return nil, false
	}
	return r.get(ref)
}

// each visits orders in ref order until fn returns false.
func (r *registry) each(fn func(*entry) bool) {
	r.orders.Scan(func(_ domain.Ref, e *entry) bool {
		return fn(e)
	})
}
