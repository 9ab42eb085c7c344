// Package engine implements the order lifecycle of one trading account:
// validation and submission, OCO and parent/child linkage, cancellation and
// reconciliation of the exchange's execution-report stream.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/tomb.v2"

	"ordersync/internal/broker"
	"ordersync/internal/domain"
	"ordersync/internal/store"
	"ordersync/internal/util"
)

// DefaultUnresolvedBuffer is how many reports for unknown exchange ids are
// kept for replay.
const DefaultUnresolvedBuffer = 256

// Engine owns every order of one account. All mutable state is guarded by mu;
// exchange calls, journal writes and observers run with mu released.
type Engine struct {
	exchange broker.Exchange
	resolver broker.InstrumentResolver
	journal  store.Journal
	observer func(domain.Order)
	log      *slog.Logger
	now      func() time.Time

	account      string
	defaultClass string
	usePositions bool
	parkLimit    int

	mu       sync.Mutex
	nextRef  domain.Ref
	reg      *registry
	links    *links
	ledger   *ledger
	notifs   notifications
	seen     map[string]struct{}
	parked   []domain.ExecutionReport
	srvDelta time.Duration

	t *tomb.Tomb
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards output.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithResolver replaces the exchange as the source of instrument metadata.
func WithResolver(r broker.InstrumentResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithJournal persists orders, fills and positions.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithObserver registers fn to receive every notified order snapshot.
func WithObserver(fn func(domain.Order)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithUsePositions makes Start seed the ledger from the exchange portfolio.
func WithUsePositions(v bool) Option {
	return func(e *Engine) { e.usePositions = v }
}

// WithUnresolvedBuffer bounds the parked-report buffer.
func WithUnresolvedBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parkLimit = n
		}
	}
}

// WithDefaultClass sets the class code of instruments named without one.
func WithDefaultClass(class string) Option {
	return func(e *Engine) { e.defaultClass = class }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine for account trading through exchange.
func New(exchange broker.Exchange, account string, opts ...Option) *Engine {
	e := &Engine{
		exchange:  exchange,
		resolver:  exchange,
		journal:   store.NopJournal{},
		log:       util.Discard(),
		now:       time.Now,
		account:   account,
		parkLimit: DefaultUnresolvedBuffer,
		reg:       newRegistry(),
		links:     newLinks(),
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = newLedger(uint64(e.now().UnixNano()))
	e.log = e.log.With("account", account)
	return e
}

// Account returns the account id the engine trades.
func (e *Engine) Account() string {
	return e.account
}

// Start seeds positions when configured and runs Listen in the background
// until Close is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if e.usePositions {
		p, err := e.exchange.Portfolio(ctx, e.account)
		if err != nil {
			return fmt.Errorf("loading positions: %w", err)
		}
		var b batch
		e.mu.Lock()
		e.ledger.seed(p.Positions)
		b.positions = e.ledger.all()
		e.mu.Unlock()
		e.run(ctx, &b)
		e.log.Info("positions loaded", "count", len(p.Positions))
	}

	stream, err := e.exchange.TradesStream(ctx, e.account)
	if err != nil {
		return fmt.Errorf("subscribing to trades: %w", err)
	}

	t, tctx := tomb.WithContext(ctx)
	e.mu.Lock()
	e.t = t
	e.mu.Unlock()
	t.Go(func() error {
		return e.consume(tctx, stream)
	})
	return nil
}

// Close stops the background listener and waits for it to exit. Calling
// Close on an engine that was never started is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	t := e.t
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	return t.Wait()
}

// Position returns the current position of instrument ("CLASS.SYMBOL").
func (e *Engine) Position(instrument string) domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.get(instrument)
}

// Order returns a snapshot of the order with the given ref.
func (e *Engine) Order(ref domain.Ref) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.reg.get(ref)
	if !ok {
		return domain.Order{}, false
	}
	return en.order.Clone(), true
}

// Orders returns snapshots of every order, in ref order.
func (e *Engine) Orders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Order
	e.reg.each(func(en *entry) bool {
		out = append(out, en.order.Clone())
		return true
	})
	return out
}

// Cash returns the free cash of the account as reported by the exchange.
func (e *Engine) Cash(ctx context.Context) (decimal.Decimal, error) {
	p, err := e.exchange.Portfolio(ctx, e.account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading cash: %w", err)
	}
	return p.Cash, nil
}

// Value returns the value of the account's positions, cash excluded.
func (e *Engine) Value(ctx context.Context) (decimal.Decimal, error) {
	p, err := e.exchange.Portfolio(ctx, e.account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading value: %w", err)
	}
	return p.Value, nil
}

// ServerTimeDelta is the exchange clock minus the local clock, as of the last
// ping received on the trade stream.
func (e *Engine) ServerTimeDelta() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srvDelta
}

// ---------------------------------------------------------------------------
// Follow-up batches
// ---------------------------------------------------------------------------

type actionKind int

const (
	actSubmit actionKind = iota
	actCancel
)

type action struct {
	kind actionKind
	ref  domain.Ref
}

// batch collects what a locked section decided; run executes it unlocked.
type batch struct {
	actions   []action
	orders    []domain.Order // journal
	notified  []domain.Order // observer
	fills     []store.FillRecord
	positions []domain.Position
}

func (b *batch) submit(ref domain.Ref) {
	b.actions = append(b.actions, action{kind: actSubmit, ref: ref})
}

func (b *batch) cancel(ref domain.Ref) {
	b.actions = append(b.actions, action{kind: actCancel, ref: ref})
}

// run persists b and executes its actions. Failures of follow-up actions
// are logged; they never reach the caller that triggered them.
func (e *Engine) run(ctx context.Context, b *batch) {
	for _, o := range b.orders {
		if err := e.journal.SaveOrder(ctx, o); err != nil {
			e.log.Error("journal order", "ref", o.Ref, "error", err)
		}
	}
	for _, f := range b.fills {
		if err := e.journal.SaveFill(ctx, f); err != nil {
			e.log.Error("journal fill", "fill_id", f.FillID, "error", err)
		}
	}
	for _, p := range b.positions {
		if err := e.journal.SavePosition(ctx, e.account, p); err != nil {
			e.log.Error("journal position", "instrument", p.Instrument, "error", err)
		}
	}
	if e.observer != nil {
		for _, o := range b.notified {
			e.observer(o)
		}
	}

	for _, a := range b.actions {
		var err error
		switch a.kind {
		case actSubmit:
			err = e.submit(ctx, a.ref)
		case actCancel:
			err = e.sendCancel(ctx, a.ref)
		}
		if err != nil {
			e.log.Warn("follow-up action failed", "ref", a.ref, "error", err)
		}
	}
}

// journalLocked stamps the next version on en and queues its snapshot.
// Versions are assigned under mu, so the journal and observers can discard
// snapshots that reach them late.
func (e *Engine) journalLocked(en *entry, b *batch) {
	en.order.Version++
	b.orders = append(b.orders, en.order.Clone())
}

// transitionLocked moves en to next, records the snapshot for the journal
// and optionally notifies. Illegal transitions are logged and ignored.
func (e *Engine) transitionLocked(en *entry, next domain.OrderStatus, notify bool, b *batch) bool {
	cur := en.order.Status
	if !cur.CanTransition(next) {
		e.log.Warn("illegal order transition ignored", "ref", en.order.Ref, "from", cur, "to", next)
		return false
	}
	en.order.Status = next
	en.order.UpdatedAt = e.now()
	e.journalLocked(en, b)
	if notify {
		e.notifyLocked(en, b)
	}
	return true
}
