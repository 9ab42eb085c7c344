package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/broker"
	"ordersync/internal/domain"
	"ordersync/internal/store"
)

const acct = "acct-1"

func positionOf(instrument string, size int64, price string) domain.Position {
	return domain.Position{Instrument: instrument, Size: size, Price: d(price)}
}

func newSim() *broker.SimulatorBroker {
	sim := broker.NewSimulatorBroker()
	sim.AddInstrument(domain.Instrument{ClassCode: "US", Symbol: "AAPL", TradableID: "AAPL", Lot: 10, MinPriceIncrement: d("0.01")})
	sim.AddInstrument(domain.Instrument{ClassCode: "US", Symbol: "MSFT", TradableID: "MSFT", Lot: 1, MinPriceIncrement: d("0.01")})
	return sim
}

type harness struct {
	e     *Engine
	sim   *broker.SimulatorBroker
	pings int
}

func start(t *testing.T, opts ...Option) *harness {
	t.Helper()
	sim := newSim()
	return startWith(t, sim, sim, opts...)
}

func startWith(t *testing.T, sim *broker.SimulatorBroker, ex broker.Exchange, opts ...Option) *harness {
	t.Helper()
	e := New(ex, acct, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return &harness{e: e, sim: sim}
}

// sync waits until every report published so far has been handled: reports
// are applied in order, so once a fresh ping is seen the earlier ones are done.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	h.pings++
	ahead := time.Duration(h.pings) * 24 * time.Hour
	h.sim.Ping(acct, time.Now().Add(ahead))
	require.Eventually(t, func() bool {
		return h.e.ServerTimeDelta() > ahead-time.Hour
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) waitStatus(t *testing.T, ref domain.Ref, want domain.OrderStatus) domain.Order {
	t.Helper()
	require.Eventually(t, func() bool {
		o, _ := h.e.Order(ref)
		return o.Status == want
	}, 2*time.Second, time.Millisecond, "order %d never reached %s", ref, want)
	o, _ := h.e.Order(ref)
	return o
}

func (h *harness) fill(o domain.Order, qty int64, price string) {
	h.sim.Fill(acct, o.BrokerID(), qty, d(price))
}

func drain(e *Engine) []Notification {
	var out []Notification
	for {
		n, ok := e.PollNotification()
		if !ok {
			return out
		}
		out = append(out, n)
	}
}

func statuses(ns []Notification) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, n := range ns {
		if !n.Heartbeat {
			out = append(out, n.Order.Status)
		}
	}
	return out
}

func limit(instrument string, size int64, price string) OrderRequest {
	return OrderRequest{Instrument: instrument, Size: size, ExecType: domain.ExecLimit, Price: d(price)}
}

func TestUnsupportedTypesRejectedWithoutNetwork(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	for _, typ := range []domain.ExecType{domain.ExecClose, domain.ExecStopTrail, domain.ExecStopTrailLimit, domain.ExecHistorical} {
		o, err := h.e.Buy(ctx, OrderRequest{Instrument: "US.MSFT", Size: 1, ExecType: typ, Price: d("1")})
		require.ErrorIs(t, err, domain.ErrUnsupportedType, typ)
		assert.Equal(t, domain.OrderStatusRejected, o.Status)
		assert.NotEmpty(t, o.Reason)
	}
	assert.Zero(t, h.sim.Calls())
	assert.Len(t, drain(h.e), 4)
}

func TestValidationRejections(t *testing.T) {
	tests := []struct {
		name string
		req  OrderRequest
		want error
	}{
		{"unknown instrument", OrderRequest{Instrument: "US.NOPE", Size: 1}, domain.ErrInstrumentNotFound},
		{"limit without price", OrderRequest{Instrument: "US.MSFT", Size: 1, ExecType: domain.ExecLimit}, domain.ErrPriceRequired},
		{"stop without price", OrderRequest{Instrument: "US.MSFT", Size: 1, ExecType: domain.ExecStop}, domain.ErrPriceRequired},
		{"price rounds to zero", OrderRequest{Instrument: "US.MSFT", Size: 1, ExecType: domain.ExecLimit, Price: d("0.004")}, domain.ErrPriceRequired},
		{"stop limit without limit", OrderRequest{Instrument: "US.MSFT", Size: 1, ExecType: domain.ExecStopLimit, Price: d("10")}, domain.ErrPriceLimitRequired},
		{"less than one lot", OrderRequest{Instrument: "US.AAPL", Size: 5}, domain.ErrZeroLots},
		{"zero size", OrderRequest{Instrument: "US.MSFT"}, domain.ErrInvalidSize},
		{"missing parent", OrderRequest{Instrument: "US.MSFT", Size: 1, Parent: 999}, domain.ErrParentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := start(t)
			o, err := h.e.Sell(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.OrderStatusRejected, o.Status)
			assert.Empty(t, h.sim.Posted())
			assert.Empty(t, h.sim.StopPosted())
			assert.Equal(t, []domain.OrderStatus{domain.OrderStatusRejected}, statuses(drain(h.e)))
		})
	}
}

func TestLimitPriceRoundedDownAndLots(t *testing.T) {
	h := start(t)

	o, err := h.e.Buy(context.Background(), limit("US.AAPL", 100, "101.2345"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status)
	assert.True(t, o.Price.Equal(d("101.23")))
	assert.Equal(t, domain.LimitTerms{Price: o.Price}, o.Terms)
	assert.Equal(t, int64(100), o.Size)
	assert.NotEmpty(t, o.BrokerOrderID)
	assert.NotEmpty(t, o.ClientOrderID)
	assert.Equal(t, "AAPL", o.Info["symbol"])
	assert.Equal(t, "US", o.Info["class_code"])

	posted := h.sim.Posted()
	require.Len(t, posted, 1)
	assert.Equal(t, int64(10), posted[0].Lots)
	assert.Equal(t, broker.OrderTypeLimit, posted[0].Type)
	assert.Equal(t, domain.OrderSideBuy, posted[0].Side)
	assert.True(t, posted[0].Price.Equal(d("101.23")))
	assert.Equal(t, o.ClientOrderID, posted[0].ClientOrderID)

	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusSubmitted, domain.OrderStatusAccepted}, statuses(drain(h.e)))
}

func TestStopOrdersUseStopEndpoint(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	sl, err := h.e.Sell(ctx, OrderRequest{Instrument: "US.MSFT", Size: 3, ExecType: domain.ExecStopLimit, Price: d("99.999"), PriceLimit: d("100.005")})
	require.NoError(t, err)
	assert.NotEmpty(t, sl.StopOrderID)
	assert.Empty(t, sl.BrokerOrderID)
	assert.Equal(t, domain.StopLimitTerms{Trigger: sl.Price, Limit: sl.PriceLimit}, sl.Terms)

	st, err := h.e.Sell(ctx, OrderRequest{Instrument: "US.MSFT", Size: 3, ExecType: domain.ExecStop, Price: d("98")})
	require.NoError(t, err)

	stops := h.sim.StopPosted()
	require.Len(t, stops, 2)
	assert.Equal(t, broker.StopOrderStopLimit, stops[0].Type)
	assert.True(t, stops[0].StopPrice.Equal(d("99.99")))
	assert.True(t, stops[0].Price.Equal(d("100")))
	assert.Equal(t, broker.StopExpirationGTC, stops[0].Expiration)
	assert.Equal(t, int64(3), stops[0].Lots)
	assert.Equal(t, broker.StopOrderStopLoss, stops[1].Type)
	assert.Empty(t, h.sim.Posted())

	_, err = h.e.Cancel(ctx, st.Ref)
	require.NoError(t, err)
	cancels := h.sim.Cancels()
	require.Len(t, cancels, 1)
	assert.True(t, cancels[0].Stop)
	assert.Equal(t, st.StopOrderID, cancels[0].ID)
}

func TestFillsCompleteOrderAndUpdatePosition(t *testing.T) {
	h := start(t)

	o, err := h.e.Buy(context.Background(), OrderRequest{Instrument: "US.AAPL", Size: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.MarketTerms{}, o.Terms)

	h.fill(o, 40, "10")
	h.waitStatus(t, o.Ref, domain.OrderStatusPartial)
	h.fill(o, 30, "10")
	h.sync(t)
	h.fill(o, 30, "12")
	done := h.waitStatus(t, o.Ref, domain.OrderStatusCompleted)

	assert.Equal(t, int64(100), done.Executed.Size)
	assert.Zero(t, done.Executed.Remaining)
	assert.True(t, done.Executed.Price.Equal(d("10.6")), done.Executed.Price.String())
	assert.Len(t, done.Executed.Bits, 3)

	pos := h.e.Position("US.AAPL")
	assert.Equal(t, int64(100), pos.Size)
	assert.True(t, pos.Price.Equal(d("10.6")))

	// Partial is announced once however many partial fills arrive.
	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusSubmitted, domain.OrderStatusAccepted,
		domain.OrderStatusPartial, domain.OrderStatusCompleted,
	}, statuses(drain(h.e)))
}

func TestReplayedReportsDoNotDoubleCount(t *testing.T) {
	h := start(t)

	o, err := h.e.Buy(context.Background(), OrderRequest{Instrument: "US.MSFT", Size: 100})
	require.NoError(t, err)

	reports := []domain.ExecutionReport{
		{Kind: domain.ReportFill, BrokerOrderID: o.BrokerOrderID, Fills: []domain.Fill{{ID: "f-1", Qty: 30, Price: d("10")}}},
		{Kind: domain.ReportFill, BrokerOrderID: o.BrokerOrderID, Fills: []domain.Fill{{ID: "f-2", Qty: 20, Price: d("10")}}},
	}
	for i := 0; i < 3; i++ {
		for _, r := range reports {
			h.sim.Publish(acct, r)
		}
	}
	h.sync(t)

	assert.Equal(t, int64(50), h.e.Position("US.MSFT").Size)
	got, _ := h.e.Order(o.Ref)
	assert.Equal(t, domain.OrderStatusPartial, got.Status)
	assert.Equal(t, int64(50), got.Executed.Size)
	assert.Len(t, got.Executed.Bits, 2)
}

func TestFillsWithoutIDAreDeduplicated(t *testing.T) {
	h := start(t)

	o, err := h.e.Sell(context.Background(), OrderRequest{Instrument: "US.MSFT", Size: 10})
	require.NoError(t, err)

	ts := time.Date(2024, 6, 14, 15, 0, 0, 0, time.UTC)
	r := domain.ExecutionReport{Kind: domain.ReportFill, BrokerOrderID: o.BrokerOrderID,
		Fills: []domain.Fill{{Time: ts, Qty: 4, Price: d("10")}}}
	h.sim.Publish(acct, r)
	h.sim.Publish(acct, r)
	h.sync(t)

	assert.Equal(t, int64(-4), h.e.Position("US.MSFT").Size)
}

func TestOCOCompletionCancelsPeerOnce(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	a, err := h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	require.NoError(t, err)
	bReq := limit("US.MSFT", 10, "120")
	bReq.OCO = a.Ref
	b, err := h.e.Sell(ctx, bReq)
	require.NoError(t, err)
	c, err := h.e.Buy(ctx, limit("US.MSFT", 5, "90"))
	require.NoError(t, err)

	h.fill(a, 10, "100")
	h.waitStatus(t, a.Ref, domain.OrderStatusCompleted)
	require.Eventually(t, func() bool { return h.sim.CancelsFor(b.BrokerOrderID) == 1 }, 2*time.Second, time.Millisecond)
	h.sync(t)

	// Cancelled only once the stream confirms it.
	got, _ := h.e.Order(b.Ref)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status)

	h.sim.ConfirmCancel(acct, b.BrokerOrderID)
	h.waitStatus(t, b.Ref, domain.OrderStatusCanceled)
	h.sync(t)

	assert.Equal(t, 1, h.sim.CancelsFor(b.BrokerOrderID))
	assert.Zero(t, h.sim.CancelsFor(a.BrokerOrderID))
	assert.Zero(t, h.sim.CancelsFor(c.BrokerOrderID))
}

func TestOCOCancelCancelsPeer(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	a, err := h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	require.NoError(t, err)
	bReq := limit("US.MSFT", 10, "120")
	bReq.OCO = a.Ref
	b, err := h.e.Sell(ctx, bReq)
	require.NoError(t, err)

	// B holds the link, A is cancelled: the lookup works in both directions.
	_, err = h.e.Cancel(ctx, a.Ref)
	require.NoError(t, err)
	h.sim.ConfirmCancel(acct, a.BrokerOrderID)
	h.waitStatus(t, a.Ref, domain.OrderStatusCanceled)
	require.Eventually(t, func() bool { return h.sim.CancelsFor(b.BrokerOrderID) == 1 }, 2*time.Second, time.Millisecond)

	h.sim.ConfirmCancel(acct, b.BrokerOrderID)
	h.waitStatus(t, b.Ref, domain.OrderStatusCanceled)
	h.sync(t)
	assert.Equal(t, 1, h.sim.CancelsFor(a.BrokerOrderID))
	assert.Equal(t, 1, h.sim.CancelsFor(b.BrokerOrderID))
}

func TestSymmetricOCOLinkSendsOneCancel(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	a, err := h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	require.NoError(t, err)
	bReq := limit("US.MSFT", 10, "120")
	bReq.OCO = a.Ref
	b, err := h.e.Sell(ctx, bReq)
	require.NoError(t, err)
	// Link A back to B as well.
	h.e.mu.Lock()
	h.e.links.linkOCO(a.Ref, b.Ref)
	h.e.mu.Unlock()

	h.fill(a, 10, "100")
	h.waitStatus(t, a.Ref, domain.OrderStatusCompleted)
	h.sync(t)
	assert.Equal(t, 1, h.sim.CancelsFor(b.BrokerOrderID))
}

func TestBracketChildrenReleasedOnParentCompletion(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	pReq := limit("US.MSFT", 10, "100")
	pReq.Hold = true
	p, err := h.e.Buy(ctx, pReq)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, p.Status)
	assert.False(t, p.Transmit)

	c1Req := limit("US.MSFT", 10, "110")
	c1Req.Parent, c1Req.Hold = p.Ref, true
	c1, err := h.e.Sell(ctx, c1Req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, c1.Status)

	c2, err := h.e.Sell(ctx, OrderRequest{Instrument: "US.MSFT", Size: 10, ExecType: domain.ExecStop, Price: d("95"), Parent: p.Ref})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCreated, c2.Status)

	// Only the parent goes out.
	require.Len(t, h.sim.Posted(), 1)
	assert.Empty(t, h.sim.StopPosted())
	got, _ := h.e.Order(p.Ref)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status)
	p = got

	// A partial parent fill releases nothing.
	h.fill(p, 4, "100")
	h.waitStatus(t, p.Ref, domain.OrderStatusPartial)
	h.sync(t)
	assert.Len(t, h.sim.Posted(), 1)
	assert.Empty(t, h.sim.StopPosted())

	h.fill(p, 6, "100")
	h.waitStatus(t, p.Ref, domain.OrderStatusCompleted)
	c1 = h.waitStatus(t, c1.Ref, domain.OrderStatusAccepted)
	c2 = h.waitStatus(t, c2.Ref, domain.OrderStatusAccepted)
	h.sync(t)
	assert.Len(t, h.sim.Posted(), 2)
	assert.Len(t, h.sim.StopPosted(), 1)

	// First child completes: the sibling gets exactly one cancel.
	h.fill(c1, 10, "110")
	h.waitStatus(t, c1.Ref, domain.OrderStatusCompleted)
	require.Eventually(t, func() bool { return h.sim.CancelsFor(c2.StopOrderID) == 1 }, 2*time.Second, time.Millisecond)
	h.sync(t)
	assert.Equal(t, 1, h.sim.CancelsFor(c2.StopOrderID))
	assert.Zero(t, h.sim.CancelsFor(c1.BrokerOrderID))
	assert.Zero(t, h.sim.CancelsFor(p.BrokerOrderID))
	assert.True(t, h.sim.Cancels()[0].Stop)

	assert.True(t, h.e.Position("US.MSFT").Flat())
	assert.True(t, h.e.Position("US.MSFT").Price.IsZero())
}

func TestHeldOrdersCancelledLocally(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	pReq := limit("US.MSFT", 10, "100")
	pReq.Hold = true
	p, err := h.e.Buy(ctx, pReq)
	require.NoError(t, err)
	cReq := limit("US.MSFT", 10, "110")
	cReq.Parent, cReq.Hold = p.Ref, true
	c, err := h.e.Sell(ctx, cReq)
	require.NoError(t, err)
	calls := h.sim.Calls()

	got, err := h.e.Cancel(ctx, c.Ref)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)

	got, err = h.e.Cancel(ctx, p.Ref)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.Equal(t, calls, h.sim.Calls())

	// Cancelling a terminal order is a no-op.
	got, err = h.e.Cancel(ctx, p.Ref)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)

	_, err = h.e.Cancel(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSubmitFailureRejectsAndResolvesLinkage(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	b, err := h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	require.NoError(t, err)

	h.sim.FailSubmissions(errors.New("connection reset"))
	aReq := limit("US.MSFT", 10, "120")
	aReq.OCO = b.Ref
	a, err := h.e.Sell(ctx, aReq)
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.OrderStatusRejected, a.Status)
	assert.Contains(t, a.Reason, "connection reset")
	assert.Equal(t, 1, h.sim.CancelsFor(b.BrokerOrderID))
}

func TestCancelTransportErrorReturned(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	o, err := h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	require.NoError(t, err)

	h.sim.FailCancels(errors.New("timeout"))
	got, err := h.e.Cancel(ctx, o.Ref)
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status)
}

func TestRejectedAndExpiredReports(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	r, err := h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	require.NoError(t, err)
	x, err := h.e.Buy(ctx, limit("US.MSFT", 10, "99"))
	require.NoError(t, err)

	h.sim.Reject(acct, r.BrokerOrderID, "insufficient funds")
	h.sim.Publish(acct, domain.ExecutionReport{Kind: domain.ReportExpired, BrokerOrderID: x.BrokerOrderID})

	got := h.waitStatus(t, r.Ref, domain.OrderStatusRejected)
	assert.Equal(t, "insufficient funds", got.Reason)
	h.waitStatus(t, x.Ref, domain.OrderStatusCanceled)
}

type gatedExchange struct {
	*broker.SimulatorBroker
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedExchange) PostOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.SimulatorBroker.PostOrder(ctx, req)
}

func TestCancelWhileSubmitInFlight(t *testing.T) {
	sim := newSim()
	gx := &gatedExchange{SimulatorBroker: sim, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	h := startWith(t, sim, gx)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		o   domain.Order
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		o, err = h.e.Buy(ctx, limit("US.MSFT", 10, "100"))
	}()
	<-gx.entered

	got, cerr := h.e.Cancel(ctx, 1)
	require.NoError(t, cerr)
	assert.Equal(t, domain.OrderStatusCreated, got.Status)
	assert.Empty(t, sim.Cancels())

	close(gx.gate)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status)
	assert.Equal(t, 1, sim.CancelsFor(o.BrokerOrderID))
}

func TestReportsForUnboundOrdersAreReplayed(t *testing.T) {
	sim := newSim()
	e := New(sim, acct)
	ctx := context.Background()

	// The fill overtakes the submit acknowledgement; the simulator will hand
	// out "sim-ord-1" for the first order.
	e.handle(ctx, domain.ExecutionReport{Kind: domain.ReportFill, BrokerOrderID: "sim-ord-1",
		Fills: []domain.Fill{{ID: "f-1", Qty: 10, Price: d("50")}}})
	require.Len(t, e.parked, 1)

	o, err := e.Buy(ctx, OrderRequest{Instrument: "US.MSFT", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, "sim-ord-1", o.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusCompleted, o.Status)
	assert.Empty(t, e.parked)
	assert.Equal(t, int64(10), e.Position("US.MSFT").Size)
}

func TestUnresolvedBufferDropsOldest(t *testing.T) {
	e := New(newSim(), acct, WithUnresolvedBuffer(2))
	ctx := context.Background()
	for _, id := range []string{"x-1", "x-2", "x-3"} {
		e.handle(ctx, domain.ExecutionReport{Kind: domain.ReportCanceled, BrokerOrderID: id})
	}
	require.Len(t, e.parked, 2)
	assert.Equal(t, "x-2", e.parked[0].BrokerOrderID)
	assert.Equal(t, "x-3", e.parked[1].BrokerOrderID)
}

func TestPingUpdatesServerTimeDelta(t *testing.T) {
	local := time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	e := New(newSim(), acct, WithClock(func() time.Time { return local }))
	e.handle(context.Background(), broker.PingReport(local.Add(1500*time.Millisecond)))
	assert.Equal(t, 1500*time.Millisecond, e.ServerTimeDelta())
}

func TestStartSeedsPositionsAndReadsPortfolio(t *testing.T) {
	sim := newSim()
	sim.SetPortfolio(acct, domain.Portfolio{
		Cash:      d("1000"),
		Value:     d("2500"),
		Positions: []domain.Position{positionOf("US.MSFT", 25, "100")},
	})
	h := startWith(t, sim, sim, WithUsePositions(true))
	ctx := context.Background()

	assert.Equal(t, int64(25), h.e.Position("US.MSFT").Size)

	cash, err := h.e.Cash(ctx)
	require.NoError(t, err)
	assert.True(t, cash.Equal(d("1000")))
	value, err := h.e.Value(ctx)
	require.NoError(t, err)
	assert.True(t, value.Equal(d("2500")))

	// Selling against the seeded position realizes P&L.
	o, err := h.e.Sell(ctx, OrderRequest{Instrument: "US.MSFT", Size: 5})
	require.NoError(t, err)
	h.fill(o, 5, "110")
	done := h.waitStatus(t, o.Ref, domain.OrderStatusCompleted)
	assert.True(t, done.Executed.PnL.Equal(d("50")), done.Executed.PnL.String())
	assert.Equal(t, int64(20), h.e.Position("US.MSFT").Size)
}

func TestHeartbeatAndObserver(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []domain.OrderStatus
	)
	h := start(t, WithObserver(func(o domain.Order) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, o.Status)
	}))

	h.e.Heartbeat()
	n, ok := h.e.PollNotification()
	require.True(t, ok)
	assert.True(t, n.Heartbeat)
	_, ok = h.e.PollNotification()
	assert.False(t, ok)

	_, err := h.e.Buy(context.Background(), OrderRequest{Instrument: "MSFT", Size: 1})
	assert.ErrorIs(t, err, domain.ErrInstrumentNotFound, "bare symbol without a default class")

	h2 := start(t, WithDefaultClass("US"))
	o, err := h2.e.Buy(context.Background(), OrderRequest{Instrument: "MSFT", Size: 1})
	require.NoError(t, err)
	assert.Equal(t, "US.MSFT", o.Instrument())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.OrderStatus{domain.OrderStatusRejected}, seen)
}

func TestOrdersSnapshotsAreCopies(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.e.Buy(ctx, OrderRequest{Instrument: "US.MSFT", Size: 1, Info: map[string]string{"tag": "x"}})
		require.NoError(t, err)
	}

	orders := h.e.Orders()
	require.Len(t, orders, 3)
	for i, o := range orders {
		assert.Equal(t, domain.Ref(i+1), o.Ref)
	}
	orders[0].Info["tag"] = "changed"
	again, _ := h.e.Order(orders[0].Ref)
	assert.Equal(t, "x", again.Info["tag"])
}

func TestJournalRecordsLifecycle(t *testing.T) {
	journal, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	h := start(t, WithJournal(journal))
	ctx := context.Background()

	o, err := h.e.Buy(ctx, OrderRequest{Instrument: "US.MSFT", Size: 10})
	require.NoError(t, err)
	h.fill(o, 10, "42.5")
	h.waitStatus(t, o.Ref, domain.OrderStatusCompleted)

	// Positions are written last for a fill.
	var positions []domain.Position
	require.Eventually(t, func() bool {
		positions, err = journal.ListPositions(ctx, acct)
		return err == nil && len(positions) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "US.MSFT", positions[0].Instrument)
	assert.Equal(t, int64(10), positions[0].Size)

	saved, err := journal.GetOrder(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, saved.Status)

	now := time.Now()
	fills, err := journal.ListFills(ctx, acct, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(10), fills[0].Size)
	assert.True(t, fills[0].Price.Equal(decimal.RequireFromString("42.5")))
}

// slowAcceptJournal holds the write of the Accepted snapshot until released.
type slowAcceptJournal struct {
	store.Journal
	entered chan struct{}
	gate    chan struct{}
}

func (j *slowAcceptJournal) SaveOrder(ctx context.Context, o domain.Order) error {
	if o.Status == domain.OrderStatusAccepted {
		j.entered <- struct{}{}
		<-j.gate
	}
	return j.Journal.SaveOrder(ctx, o)
}

func TestJournalKeepsNewestSnapshot(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	journal := &slowAcceptJournal{Journal: db, entered: make(chan struct{}, 1), gate: make(chan struct{})}

	h := start(t, WithJournal(journal))
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		buyErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, buyErr = h.e.Buy(ctx, OrderRequest{Instrument: "US.MSFT", Size: 10})
	}()
	<-journal.entered

	// The order is bound; the listener completes it while the submitting
	// goroutine is still writing Accepted.
	o, ok := h.e.Order(1)
	require.True(t, ok)
	h.fill(o, 10, "42.5")
	h.waitStatus(t, o.Ref, domain.OrderStatusCompleted)
	require.Eventually(t, func() bool {
		saved, err := db.GetOrder(ctx, o.ClientOrderID)
		return err == nil && saved.Status == domain.OrderStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	close(journal.gate)
	wg.Wait()
	require.NoError(t, buyErr)

	saved, err := db.GetOrder(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, saved.Status)
	final, _ := h.e.Order(o.Ref)
	assert.Equal(t, final.Version, saved.Version)
}

func TestStartJournalsSeededPositions(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// A position left by an earlier run.
	require.NoError(t, db.SavePosition(context.Background(), acct,
		domain.Position{Instrument: "US.MSFT", Size: 99, Price: d("1"), Version: 7}))

	sim := newSim()
	sim.SetPortfolio(acct, domain.Portfolio{Positions: []domain.Position{
		positionOf("US.MSFT", 25, "100"),
		positionOf("US.AAPL", 40, "180"),
	}})
	startWith(t, sim, sim, WithUsePositions(true), WithJournal(db))

	positions, err := db.ListPositions(context.Background(), acct)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "US.AAPL", positions[0].Instrument)
	assert.Equal(t, int64(40), positions[0].Size)
	assert.Equal(t, "US.MSFT", positions[1].Instrument)
	assert.Equal(t, int64(25), positions[1].Size)
}

func TestListenReturnsNilOnCancel(t *testing.T) {
	e := New(newSim(), acct)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Listen(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestCloseWithoutStart(t *testing.T) {
	assert.NoError(t, New(newSim(), acct).Close())
}
