package broker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/internal/domain"
	"ordersync/internal/quotation"
)

// Compile-time interface check.
var _ Exchange = (*SimulatorBroker)(nil)

// CancelCall records one cancel request received by the simulator.
type CancelCall struct {
	Account string
	ID      string
	Stop    bool
}

// SimulatorBroker is an in-memory paper venue. It assigns ids to posted
// orders and records every call; execution reports are injected by the owner
// with Fill, ConfirmCancel, Reject and Ping.
type SimulatorBroker struct {
	mu sync.Mutex

	instruments map[string]domain.Instrument
	portfolios  map[string]domain.Portfolio
	streams     map[string][]*simStream

	seq        int
	fillSeq    int
	posted     []OrderRequest
	stopPosted []StopOrderRequest
	ids        map[string]string // exchange id -> account
	cancels    []CancelCall
	calls      int

	failSubmit error
	failCancel error

	// AutoConfirmCancels makes every successful cancel publish a Canceled
	// report on the account stream.
	AutoConfirmCancels bool
}

// NewSimulatorBroker creates a simulator with no instruments.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		instruments: make(map[string]domain.Instrument),
		portfolios:  make(map[string]domain.Portfolio),
		streams:     make(map[string][]*simStream),
		ids:         make(map[string]string),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// AddInstrument registers an instrument that ResolveInstrument will return.
func (b *SimulatorBroker) AddInstrument(inst domain.Instrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments[domain.DataName(inst.ClassCode, inst.Symbol)] = inst
}

// SetPortfolio sets the snapshot Portfolio returns for account.
func (b *SimulatorBroker) SetPortfolio(account string, p domain.Portfolio) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.portfolios[account] = p
}

// FailSubmissions makes every following post call fail with err. Pass nil to
// restore normal behaviour.
func (b *SimulatorBroker) FailSubmissions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubmit = err
}

// FailCancels makes every following cancel call fail with err.
func (b *SimulatorBroker) FailCancels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCancel = err
}

// ResolveInstrument implements InstrumentResolver.
func (b *SimulatorBroker) ResolveInstrument(_ context.Context, classCode, symbol string) (domain.Instrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	inst, ok := b.instruments[domain.DataName(classCode, symbol)]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("%s.%s: %w", classCode, symbol, domain.ErrInstrumentNotFound)
	}
	return inst, nil
}

// wire passes d through the exchange's fixed-point price encoding.
func wire(d decimal.Decimal) quotation.Quotation {
	return quotation.FromDecimal(d)
}

// PostOrder records req, with prices as they arrive over the wire, and
// returns a new order id.
func (b *SimulatorBroker) PostOrder(_ context.Context, req OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	if b.failSubmit != nil {
		return "", b.failSubmit
	}
	price := wire(req.Price)
	if req.Type == OrderTypeLimit && price.IsZero() {
		return "", fmt.Errorf("limit order: %w", domain.ErrPriceRequired)
	}
	req.Price = price.Decimal()
	b.seq++
	id := fmt.Sprintf("sim-ord-%d", b.seq)
	b.posted = append(b.posted, req)
	b.ids[id] = req.Account
	return id, nil
}

// PostStopOrder records req and returns a new stop-order id.
func (b *SimulatorBroker) PostStopOrder(_ context.Context, req StopOrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	if b.failSubmit != nil {
		return "", b.failSubmit
	}
	stop := wire(req.StopPrice)
	if stop.IsZero() {
		return "", fmt.Errorf("stop order: %w", domain.ErrPriceRequired)
	}
	req.StopPrice = stop.Decimal()
	req.Price = wire(req.Price).Decimal()
	b.seq++
	id := fmt.Sprintf("sim-stop-%d", b.seq)
	b.stopPosted = append(b.stopPosted, req)
	b.ids[id] = req.Account
	return id, nil
}

// CancelOrder records the request.
func (b *SimulatorBroker) CancelOrder(_ context.Context, account, orderID string) error {
	return b.cancel(account, orderID, false)
}

// CancelStopOrder records the request.
func (b *SimulatorBroker) CancelStopOrder(_ context.Context, account, stopOrderID string) error {
	return b.cancel(account, stopOrderID, true)
}

func (b *SimulatorBroker) cancel(account, id string, stop bool) error {
	b.mu.Lock()
	b.calls++
	if b.failCancel != nil {
		err := b.failCancel
		b.mu.Unlock()
		return err
	}
	b.cancels = append(b.cancels, CancelCall{Account: account, ID: id, Stop: stop})
	auto := b.AutoConfirmCancels
	b.mu.Unlock()

	if auto {
		b.ConfirmCancel(account, id)
	}
	return nil
}

// Portfolio returns the snapshot set with SetPortfolio.
func (b *SimulatorBroker) Portfolio(_ context.Context, account string) (domain.Portfolio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.portfolios[account], nil
}

// TradesStream opens a stream that receives every report published for
// account from now on.
func (b *SimulatorBroker) TradesStream(ctx context.Context, account string) (ReportStream, error) {
	s := &simStream{
		ctx:     ctx,
		reports: make(chan domain.ExecutionReport, 1024),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.streams[account] = append(b.streams[account], s)
	b.mu.Unlock()
	return s, nil
}

// Publish delivers r to every open stream of account.
func (b *SimulatorBroker) Publish(account string, r domain.ExecutionReport) {
	b.mu.Lock()
	streams := append([]*simStream(nil), b.streams[account]...)
	b.mu.Unlock()

	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	for _, s := range streams {
		s.send(r)
	}
}

// Fill publishes a single fill of qty at price for the exchange order id. It
// returns the generated fill id.
func (b *SimulatorBroker) Fill(account, brokerID string, qty int64, price decimal.Decimal) string {
	b.mu.Lock()
	b.fillSeq++
	fillID := fmt.Sprintf("sim-fill-%d", b.fillSeq)
	b.mu.Unlock()

	now := time.Now()
	b.Publish(account, domain.ExecutionReport{
		Kind:          domain.ReportFill,
		BrokerOrderID: brokerID,
		Time:          now,
		Fills:         []domain.Fill{{ID: fillID, Time: now, Qty: qty, Price: wire(price).Decimal()}},
	})
	return fillID
}

// ConfirmCancel publishes a Canceled report for brokerID.
func (b *SimulatorBroker) ConfirmCancel(account, brokerID string) {
	b.Publish(account, domain.ExecutionReport{Kind: domain.ReportCanceled, BrokerOrderID: brokerID})
}

// Reject publishes a Rejected report for brokerID.
func (b *SimulatorBroker) Reject(account, brokerID, reason string) {
	b.Publish(account, domain.ExecutionReport{Kind: domain.ReportRejected, BrokerOrderID: brokerID, Reason: reason})
}

// Ping publishes a server heartbeat carrying serverTime.
func (b *SimulatorBroker) Ping(account string, serverTime time.Time) {
	b.Publish(account, PingReport(serverTime))
}

// CloseStreams closes every stream of account; their Recv returns io.EOF.
func (b *SimulatorBroker) CloseStreams(account string) {
	b.mu.Lock()
	streams := b.streams[account]
	delete(b.streams, account)
	b.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

// Posted returns the standard orders received so far.
func (b *SimulatorBroker) Posted() []OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]OrderRequest(nil), b.posted...)
}

// StopPosted returns the stop orders received so far.
func (b *SimulatorBroker) StopPosted() []StopOrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StopOrderRequest(nil), b.stopPosted...)
}

// Cancels returns the cancel requests received so far.
func (b *SimulatorBroker) Cancels() []CancelCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CancelCall(nil), b.cancels...)
}

// CancelsFor returns how many cancel requests named id.
func (b *SimulatorBroker) CancelsFor(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.cancels {
		if c.ID == id {
			n++
		}
	}
	return n
}

// Calls returns the number of exchange calls of any kind.
func (b *SimulatorBroker) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type simStream struct {
	ctx     context.Context
	reports chan domain.ExecutionReport
	done    chan struct{}
	once    sync.Once
}

func (s *simStream) send(r domain.ExecutionReport) {
	select {
	case s.reports <- r:
	case <-s.done:
	}
}

func (s *simStream) Recv() (domain.ExecutionReport, error) {
	select {
	case r := <-s.reports:
		return r, nil
	default:
	}
	select {
	case r := <-s.reports:
		return r, nil
	case <-s.done:
		return domain.ExecutionReport{}, io.EOF
	case <-s.ctx.Done():
		return domain.ExecutionReport{}, s.ctx.Err()
	}
}

func (s *simStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
