package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"ordersync/internal/broker"
	"ordersync/internal/domain"
	"ordersync/internal/store"
)

// Listen subscribes to the account's trade stream and applies every report
// until the stream closes or ctx is cancelled. A clean close returns nil.
func (e *Engine) Listen(ctx context.Context) error {
	stream, err := e.exchange.TradesStream(ctx, e.account)
	if err != nil {
		return fmt.Errorf("subscribing to trades: %w", err)
	}
	return e.consume(ctx, stream)
}

func (e *Engine) consume(ctx context.Context, stream broker.ReportStream) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stop:
		}
	}()
	defer stream.Close()

	// Reports already received are applied to completion even after ctx is
	// cancelled.
	apply := context.WithoutCancel(ctx)

	e.log.Info("trade stream started")
	for {
		r, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				e.log.Info("trade stream closed")
				return nil
			}
			e.log.Error("trade stream failed", "error", err)
			return fmt.Errorf("trade stream: %w", err)
		}
		e.handle(apply, r)
	}
}

// handle applies one execution report.
func (e *Engine) handle(ctx context.Context, r domain.ExecutionReport) {
	if r.Kind == domain.ReportPing {
		e.mu.Lock()
		e.srvDelta = r.Time.Sub(e.now())
		e.mu.Unlock()
		return
	}

	var b batch
	e.mu.Lock()
	en, ok := e.reg.lookup(r.BrokerOrderID)
	if !ok {
		e.parkLocked(r)
		e.mu.Unlock()
		return
	}
	e.applyLocked(en, r, &b)
	e.mu.Unlock()

	e.run(ctx, &b)
}

func (e *Engine) applyLocked(en *entry, r domain.ExecutionReport, b *batch) {
	switch r.Kind {
	case domain.ReportFill:
		e.applyFillsLocked(en, r, b)
	case domain.ReportCanceled, domain.ReportExpired:
		if !en.order.Alive() {
			return
		}
		en.order.Reason = string(r.Kind)
		if e.transitionLocked(en, domain.OrderStatusCanceled, true, b) {
			e.resolveLinkageLocked(en, b)
		}
	case domain.ReportRejected:
		if !en.order.Alive() {
			return
		}
		en.order.Reason = r.Reason
		if e.transitionLocked(en, domain.OrderStatusRejected, true, b) {
			e.resolveLinkageLocked(en, b)
		}
	default:
		e.log.Warn("unknown report kind", "kind", r.Kind, "broker_id", r.BrokerOrderID)
	}
}

func (e *Engine) applyFillsLocked(en *entry, r domain.ExecutionReport, b *batch) {
	o := &en.order
	for _, f := range r.Fills {
		key := fillKey(r.BrokerOrderID, f)
		if _, dup := e.seen[key]; dup {
			e.log.Debug("duplicate fill skipped", "ref", o.Ref, "fill_id", key)
			continue
		}
		e.seen[key] = struct{}{}

		size := f.Qty
		if !o.IsBuy() {
			size = -size
		}
		pos, opened, closed, entryPrice := e.ledger.update(o.Instrument(), size, f.Price)
		pnl := realizedPnL(closed, entryPrice, f.Price)

		ex := &o.Executed
		ex.Size += size
		ex.Value = ex.Value.Add(f.Price.Mul(decimal.NewFromInt(abs(size))))
		if ex.Size != 0 {
			ex.Price = ex.Value.Div(decimal.NewFromInt(abs(ex.Size)))
		}
		ex.PnL = ex.PnL.Add(pnl)
		ex.Remaining = o.Size - ex.Size
		if abs(ex.Size) >= abs(o.Size) {
			ex.Remaining = 0
		}
		ex.Bits = append(ex.Bits, domain.Execution{
			FillID:        f.ID,
			Time:          f.Time,
			Size:          size,
			Price:         f.Price,
			Opened:        opened,
			Closed:        closed,
			PnL:           pnl,
			PositionSize:  pos.Size,
			PositionPrice: pos.Price,
		})
		o.UpdatedAt = e.now()

		b.fills = append(b.fills, store.FillRecord{
			Account:       e.account,
			FillID:        key,
			Ref:           o.Ref,
			ClientOrderID: o.ClientOrderID,
			BrokerOrderID: r.BrokerOrderID,
			Instrument:    o.Instrument(),
			Side:          o.Side,
			Size:          size,
			Price:         f.Price,
			Time:          f.Time,
		})
		b.positions = append(b.positions, pos)

		switch {
		case !o.Alive():
			e.log.Warn("fill for finished order", "ref", o.Ref, "status", o.Status, "fill_id", key)
			e.journalLocked(en, b)
		case ex.Remaining != 0 && o.Status == domain.OrderStatusPartial:
			e.journalLocked(en, b)
		case ex.Remaining != 0:
			e.transitionLocked(en, domain.OrderStatusPartial, true, b)
		default:
			if e.transitionLocked(en, domain.OrderStatusCompleted, true, b) {
				e.log.Info("order completed", "ref", o.Ref, "size", ex.Size, "price", ex.Price)
				e.resolveLinkageLocked(en, b)
			}
		}
	}
}

// fillKey identifies a fill for de-duplication. Exchanges that omit fill ids
// get a key derived from the fill itself.
func fillKey(brokerID string, f domain.Fill) string {
	if f.ID != "" {
		return f.ID
	}
	return fmt.Sprintf("%s/%d/%d/%s", brokerID, f.Time.UnixNano(), f.Qty, f.Price)
}

// parkLocked keeps a report whose exchange id is not bound yet. When the
// buffer is full the oldest report is dropped.
func (e *Engine) parkLocked(r domain.ExecutionReport) {
	if len(e.parked) >= e.parkLimit {
		dropped := e.parked[0]
		e.parked = e.parked[1:]
		e.log.Warn("unresolved report dropped", "broker_id", dropped.BrokerOrderID, "kind", dropped.Kind)
	}
	e.parked = append(e.parked, r)
	e.log.Debug("report for unknown order parked", "broker_id", r.BrokerOrderID, "kind", r.Kind)
}

// replayLocked applies the parked reports of a newly bound exchange id in
// arrival order.
func (e *Engine) replayLocked(brokerID string, b *batch) {
	en, ok := e.reg.lookup(brokerID)
	if !ok {
		return
	}
	var mine []domain.ExecutionReport
	kept := e.parked[:0]
	for _, r := range e.parked {
		if r.BrokerOrderID == brokerID {
			mine = append(mine, r)
		} else {
			kept = append(kept, r)
		}
	}
	e.parked = kept
	for _, r := range mine {
		e.log.Debug("replaying parked report", "ref", en.order.Ref, "broker_id", brokerID, "kind", r.Kind)
		e.applyLocked(en, r, b)
	}
}
