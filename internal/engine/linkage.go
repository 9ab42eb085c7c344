package engine

import (
	"context"
	"fmt"

	"ordersync/internal/domain"
)

// Cancel requests cancellation of the order with the given ref. Terminal
// orders are left alone. Orders never sent to the exchange are cancelled
// immediately; for all others the returned snapshot is unchanged and the
// Canceled transition arrives later on the trade stream. Exchange failures
// wrap domain.ErrTransport and are not retried.
func (e *Engine) Cancel(ctx context.Context, ref domain.Ref) (domain.Order, error) {
	var b batch
	e.mu.Lock()
	en, ok := e.reg.get(ref)
	if !ok {
		e.mu.Unlock()
		return domain.Order{}, fmt.Errorf("order %d: %w", ref, domain.ErrOrderNotFound)
	}

	switch {
	case !en.order.Alive():
	case en.inFlight:
		en.pendingCancel = true
	case en.order.Status == domain.OrderStatusCreated:
		e.localCancelLocked(en, "canceled before submission", &b)
	default:
		e.mu.Unlock()
		err := e.sendCancel(ctx, ref)
		snap, _ := e.Order(ref)
		return snap, err
	}

	snap := en.order.Clone()
	e.mu.Unlock()
	e.run(ctx, &b)
	return snap, nil
}

// sendCancel issues the exchange cancel matching the order's kind.
func (e *Engine) sendCancel(ctx context.Context, ref domain.Ref) error {
	e.mu.Lock()
	en, ok := e.reg.get(ref)
	if !ok || !en.order.Alive() || en.order.BrokerID() == "" {
		e.mu.Unlock()
		return nil
	}
	stop := domain.IsStopOrder(en.order.Terms)
	id := en.order.BrokerID()
	e.mu.Unlock()

	var err error
	if stop {
		err = e.exchange.CancelStopOrder(ctx, e.account, id)
	} else {
		err = e.exchange.CancelOrder(ctx, e.account, id)
	}
	if err != nil {
		return fmt.Errorf("canceling order %d: %w: %w", ref, domain.ErrTransport, err)
	}
	e.log.Info("cancel requested", "ref", ref, "broker_id", id)
	return nil
}

// cancelLocked is the cancel issued by the linkage resolver. A remote cancel
// is sent at most once per order.
func (e *Engine) cancelLocked(ref domain.Ref, b *batch) {
	en, ok := e.reg.get(ref)
	if !ok || !en.order.Alive() {
		return
	}
	switch {
	case en.inFlight:
		en.pendingCancel = true
	case en.order.Status == domain.OrderStatusCreated:
		e.localCancelLocked(en, "canceled by linked order", b)
	case en.cancelRequested:
	default:
		en.cancelRequested = true
		b.cancel(ref)
	}
}

func (e *Engine) localCancelLocked(en *entry, reason string, b *batch) {
	en.order.Reason = reason
	if e.transitionLocked(en, domain.OrderStatusCanceled, true, b) {
		e.resolveLinkageLocked(en, b)
	}
}

func (e *Engine) rejectLocked(en *entry, err error, b *batch) {
	en.order.Reason = err.Error()
	e.log.Warn("order rejected", "ref", en.order.Ref, "instrument", en.order.Instrument(), "error", err)
	if e.transitionLocked(en, domain.OrderStatusRejected, true, b) {
		e.resolveLinkageLocked(en, b)
	}
}

// resolveLinkageLocked runs after every terminal transition of en: it cancels
// OCO peers, releases the children of a completed parent, and cancels the
// siblings of a finished child.
func (e *Engine) resolveLinkageLocked(en *entry, b *batch) {
	o := &en.order
	for _, peer := range e.links.ocoPeers(o.Ref) {
		e.cancelLocked(peer, b)
	}

	switch {
	case o.Parent == 0 && !o.Transmit && o.Status == domain.OrderStatusCompleted:
		for _, ref := range e.links.chain(o.Ref) {
			if child, ok := e.reg.get(ref); ok && child.order.Parent != 0 {
				b.submit(ref)
			}
		}
	case o.Parent != 0:
		for _, ref := range e.links.chain(o.Parent) {
			if ref == o.Ref {
				continue
			}
			if sibling, ok := e.reg.get(ref); ok && sibling.order.Parent != 0 {
				e.cancelLocked(ref, b)
			}
		}
	}
}
