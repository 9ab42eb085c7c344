package engine

import (
	"github.com/tidwall/btree"

	"ordersync/internal/domain"
)

// links holds the OCO table and the parent/children queues.
type links struct {
	// oco maps an order to the order it was linked to at creation. The
	// relation is not stored symmetrically.
	oco btree.Map[domain.Ref, domain.Ref]
	// chains maps a parent ref to the parent followed by its children in
	// creation order. Entries are never removed.
	chains map[domain.Ref][]domain.Ref
}

func newLinks() *links {
	return &links{chains: make(map[domain.Ref][]domain.Ref)}
}

func (l *links) linkOCO(ref, other domain.Ref) {
	l.oco.Set(ref, other)
}

// ocoPeers returns every order linked with ref in either direction, without
// duplicates, in table order.
func (l *links) ocoPeers(ref domain.Ref) []domain.Ref {
	var peers []domain.Ref
	seen := make(map[domain.Ref]bool)
	l.oco.Scan(func(k, v domain.Ref) bool {
		if v == ref && !seen[k] {
			seen[k] = true
			peers = append(peers, k)
		}
		return true
	})
	if v, ok := l.oco.Get(ref); ok && !seen[v] {
		peers = append(peers, v)
	}
	return peers
}

func (l *links) hasChain(parent domain.Ref) bool {
	_, ok := l.chains[parent]
	return ok
}

func (l *links) enqueue(parent, ref domain.Ref) {
	l.chains[parent] = append(l.chains[parent], ref)
}

func (l *links) chain(parent domain.Ref) []domain.Ref {
	return l.chains[parent]
}
