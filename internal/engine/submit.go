package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/shopspring/decimal"

	"ordersync/internal/broker"
	"ordersync/internal/domain"
	"ordersync/internal/quotation"
)

// OrderRequest describes an order to create.
type OrderRequest struct {
	Owner      string
	Instrument string // "CLASS.SYMBOL"; a bare symbol uses the default class
	Size       int64  // quantity in units; the side gives the sign
	ExecType   domain.ExecType
	Price      decimal.Decimal // limit price, or trigger price of stop kinds
	PriceLimit decimal.Decimal // limit price of StopLimit
	Validity   domain.Validity
	OCO        domain.Ref
	Parent     domain.Ref
	// Hold keeps the order in Created as a leg of a parent/child chain
	// (transmit=false). The last leg of a chain is created without Hold and
	// triggers submission of the parent.
	Hold bool
	Info map[string]string
}

// Buy creates a buy order. The returned snapshot is Rejected, together with
// the reason as error, when validation or submission failed.
func (e *Engine) Buy(ctx context.Context, req OrderRequest) (domain.Order, error) {
	return e.create(ctx, domain.OrderSideBuy, req)
}

// Sell creates a sell order. See Buy.
func (e *Engine) Sell(ctx context.Context, req OrderRequest) (domain.Order, error) {
	return e.create(ctx, domain.OrderSideSell, req)
}

func (e *Engine) create(ctx context.Context, side domain.OrderSide, req OrderRequest) (domain.Order, error) {
	if req.ExecType == "" {
		req.ExecType = domain.ExecMarket
	}
	class, symbol := domain.ParseDataName(req.Instrument, e.defaultClass)

	var b batch
	e.mu.Lock()
	en := e.newEntryLocked(side, class, symbol, req)
	ref := en.order.Ref

	// finish releases the lock, runs the batch and returns the final snapshot.
	finish := func(err error) (domain.Order, error) {
		snap := en.order.Clone()
		e.mu.Unlock()
		e.run(ctx, &b)
		return snap, err
	}
	reject := func(err error) (domain.Order, error) {
		e.rejectLocked(en, err, &b)
		return finish(err)
	}

	if !req.ExecType.Supported() {
		return reject(fmt.Errorf("%s: %w", req.ExecType, domain.ErrUnsupportedType))
	}
	if req.Size <= 0 {
		return reject(fmt.Errorf("size %d: %w", req.Size, domain.ErrInvalidSize))
	}
	e.mu.Unlock()

	inst, err := e.resolver.ResolveInstrument(ctx, class, symbol)

	e.mu.Lock()
	if en.order.Status != domain.OrderStatusCreated {
		// Cancelled by a linked order while the lookup was running.
		return finish(nil)
	}
	if err != nil {
		return reject(fmt.Errorf("resolving %s: %w", en.order.Instrument(), err))
	}

	price := quotation.FloorToIncrement(req.Price, inst.MinPriceIncrement)
	limit := quotation.FloorToIncrement(req.PriceLimit, inst.MinPriceIncrement)
	if req.ExecType != domain.ExecMarket && price.IsZero() {
		return reject(fmt.Errorf("%s order: %w", req.ExecType, domain.ErrPriceRequired))
	}
	if req.ExecType == domain.ExecStopLimit && limit.IsZero() {
		return reject(fmt.Errorf("%s order: %w", req.ExecType, domain.ErrPriceLimitRequired))
	}

	lot := inst.Lot
	if lot <= 0 {
		lot = 1
	}
	lots := req.Size / lot
	if lots == 0 {
		return reject(fmt.Errorf("size %d, lot %d: %w", req.Size, lot, domain.ErrZeroLots))
	}

	terms, _ := domain.NewTerms(req.ExecType, price, limit)
	en.inst = inst
	en.lots = lots
	en.order.Price = price
	en.order.PriceLimit = limit
	en.order.Terms = terms

	if req.OCO != 0 {
		e.links.linkOCO(ref, req.OCO)
	}
	if req.Hold || req.Parent != 0 {
		parent := req.Parent
		if parent == 0 {
			parent = ref
		}
		if parent != ref && !e.links.hasChain(parent) {
			return reject(fmt.Errorf("parent %d: %w", parent, domain.ErrParentNotFound))
		}
		e.links.enqueue(parent, ref)
	}
	e.journalLocked(en, &b)

	switch {
	case !req.Hold && req.Parent == 0:
		finish(nil)
		err := e.submit(ctx, ref)
		snap, _ := e.Order(ref)
		return snap, err

	case !req.Hold:
		// Last leg: the whole chain exists, send the parent.
		e.notifyLocked(en, &b)
		snap, _ := finish(nil)
		if err := e.submit(ctx, req.Parent); err != nil {
			return snap, fmt.Errorf("submitting parent %d: %w", req.Parent, err)
		}
		return snap, nil

	default:
		e.notifyLocked(en, &b)
		return finish(nil)
	}
}

func (e *Engine) newEntryLocked(side domain.OrderSide, class, symbol string, req OrderRequest) *entry {
	e.nextRef++
	now := e.now()

	size := req.Size
	if side == domain.OrderSideSell {
		size = -size
	}
	info := maps.Clone(req.Info)
	if info == nil {
		info = make(map[string]string)
	}
	info["class_code"] = class
	info["symbol"] = symbol

	en := &entry{order: domain.Order{
		Ref:           e.nextRef,
		ClientOrderID: domain.NewClientOrderID(),
		Owner:         req.Owner,
		Account:       e.account,
		ClassCode:     class,
		Symbol:        symbol,
		Side:          side,
		Size:          size,
		ExecType:      req.ExecType,
		Price:         req.Price,
		PriceLimit:    req.PriceLimit,
		Validity:      req.Validity,
		OCO:           req.OCO,
		Parent:        req.Parent,
		Transmit:      !req.Hold,
		Status:        domain.OrderStatusCreated,
		Executed:      domain.Executed{Remaining: size},
		Info:          info,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	e.reg.add(en)
	return en
}

// submit sends a Created order to the exchange. Orders in any other state,
// or already in flight, are left alone.
func (e *Engine) submit(ctx context.Context, ref domain.Ref) error {
	e.mu.Lock()
	en, ok := e.reg.get(ref)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("order %d: %w", ref, domain.ErrOrderNotFound)
	}
	if en.order.Status != domain.OrderStatusCreated || en.inFlight || en.order.Terms == nil {
		e.mu.Unlock()
		return nil
	}
	en.inFlight = true
	o := en.order.Clone()
	lots := en.lots
	tradable := en.inst.TradableID
	e.mu.Unlock()

	id, err := e.post(ctx, o, tradable, lots)

	var b batch
	e.mu.Lock()
	en.inFlight = false
	if err != nil {
		err = fmt.Errorf("order %d: %w: %w", ref, domain.ErrTransport, err)
		en.pendingCancel = false
		e.rejectLocked(en, err, &b)
		e.mu.Unlock()
		e.run(ctx, &b)
		return err
	}

	if domain.IsStopOrder(o.Terms) {
		en.order.StopOrderID = id
	} else {
		en.order.BrokerOrderID = id
	}
	e.transitionLocked(en, domain.OrderStatusSubmitted, true, &b)
	e.transitionLocked(en, domain.OrderStatusAccepted, true, &b)
	e.reg.bind(id, ref)
	e.log.Info("order accepted", "ref", ref, "broker_id", id, "instrument", o.Instrument(), "size", o.Size, "type", o.ExecType)

	if en.pendingCancel {
		en.pendingCancel = false
		b.cancel(ref)
	}
	e.replayLocked(id, &b)
	e.mu.Unlock()

	e.run(ctx, &b)
	return nil
}

// post dispatches o to the endpoint of its kind.
func (e *Engine) post(ctx context.Context, o domain.Order, tradable string, lots int64) (string, error) {
	switch t := o.Terms.(type) {
	case domain.MarketTerms:
		return e.exchange.PostOrder(ctx, e.orderRequest(o, tradable, lots, broker.OrderTypeMarket, decimal.Zero))
	case domain.LimitTerms:
		return e.exchange.PostOrder(ctx, e.orderRequest(o, tradable, lots, broker.OrderTypeLimit, t.Price))
	case domain.StopTerms:
		return e.exchange.PostStopOrder(ctx, e.stopOrderRequest(o, tradable, lots, broker.StopOrderStopLoss, t.Trigger, decimal.Zero))
	case domain.StopLimitTerms:
		return e.exchange.PostStopOrder(ctx, e.stopOrderRequest(o, tradable, lots, broker.StopOrderStopLimit, t.Trigger, t.Limit))
	}
	return "", fmt.Errorf("%s: %w", o.ExecType, domain.ErrUnsupportedType)
}

func (e *Engine) orderRequest(o domain.Order, tradable string, lots int64, typ broker.OrderType, price decimal.Decimal) broker.OrderRequest {
	return broker.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Account:       e.account,
		TradableID:    tradable,
		Lots:          abs(lots),
		Side:          o.Side,
		Type:          typ,
		Price:         price,
		Validity:      o.Validity,
	}
}

func (e *Engine) stopOrderRequest(o domain.Order, tradable string, lots int64, typ broker.StopOrderType, stop, price decimal.Decimal) broker.StopOrderRequest {
	return broker.StopOrderRequest{
		ClientOrderID: o.ClientOrderID,
		Account:       e.account,
		TradableID:    tradable,
		Lots:          abs(lots),
		Side:          o.Side,
		Type:          typ,
		StopPrice:     stop,
		Price:         price,
		Expiration:    broker.StopExpirationGTC,
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
