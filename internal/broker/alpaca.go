package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"ordersync/internal/domain"
	"ordersync/internal/util"
)

// Compile-time interface check.
var _ Exchange = (*AlpacaBroker)(nil)

// AlpacaOpts configures an AlpacaBroker.
type AlpacaOpts struct {
	APIKey    string
	APISecret string
	BaseURL   string

	// ClassCode is reported as the class of every resolved instrument.
	ClassCode string
	// PriceIncrement is the tick used for price normalisation (default 0.01).
	PriceIncrement decimal.Decimal
	// RequestsPerMinute bounds REST calls (default 200, the Alpaca limit).
	RequestsPerMinute int
}

// AlpacaBroker implements Exchange on the Alpaca trading API. One API key
// maps to one account, so the account arguments are only used for logging.
type AlpacaBroker struct {
	client    *alpaca.Client
	limiter   *util.RateLimiter
	classCode string
	increment decimal.Decimal
	log       *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker for the given credentials and
// endpoint.
func NewAlpacaBroker(opts AlpacaOpts, log *slog.Logger) *AlpacaBroker {
	if opts.PriceIncrement.IsZero() {
		opts.PriceIncrement = decimal.RequireFromString("0.01")
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 200
	}
	if opts.ClassCode == "" {
		opts.ClassCode = "US"
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		limiter:   util.NewRateLimiter(opts.RequestsPerMinute, 10),
		classCode: opts.ClassCode,
		increment: opts.PriceIncrement,
		log:       log,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// ResolveInstrument looks the symbol up as an Alpaca asset. Equities trade in
// whole shares, so the lot is always one.
func (b *AlpacaBroker) ResolveInstrument(ctx context.Context, classCode, symbol string) (domain.Instrument, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Instrument{}, err
	}
	asset, err := b.client.GetAsset(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Instrument{}, fmt.Errorf("%s: %w", symbol, domain.ErrInstrumentNotFound)
		}
		return domain.Instrument{}, fmt.Errorf("GetAsset %s: %w", symbol, err)
	}
	if !asset.Tradable {
		return domain.Instrument{}, fmt.Errorf("%s is not tradable: %w", symbol, domain.ErrInstrumentNotFound)
	}
	if classCode == "" {
		classCode = b.classCode
	}
	return domain.Instrument{
		ClassCode:         classCode,
		Symbol:            asset.Symbol,
		TradableID:        asset.Symbol,
		Lot:               1,
		MinPriceIncrement: b.increment,
	}, nil
}

// PostOrder places a market or limit order.
func (b *AlpacaBroker) PostOrder(ctx context.Context, req OrderRequest) (string, error) {
	par, err := placeOrderRequest(req)
	if err != nil {
		return "", err
	}
	return b.place(ctx, par)
}

// PostStopOrder places a stop or stop-limit order.
func (b *AlpacaBroker) PostStopOrder(ctx context.Context, req StopOrderRequest) (string, error) {
	par, err := placeStopOrderRequest(req)
	if err != nil {
		return "", err
	}
	return b.place(ctx, par)
}

func (b *AlpacaBroker) place(ctx context.Context, par alpaca.PlaceOrderRequest) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	order, err := b.client.PlaceOrder(par)
	if err != nil {
		return "", fmt.Errorf("PlaceOrder %s: %w", par.Symbol, err)
	}
	b.log.Debug("alpaca order placed", "symbol", par.Symbol, "broker_id", order.ID, "client_order_id", par.ClientOrderID)
	return order.ID, nil
}

// CancelOrder cancels an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, account, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("CancelOrder %s (%s): %w", orderID, account, err)
	}
	return nil
}

// CancelStopOrder cancels an open stop order. Alpaca uses one endpoint for
// both kinds.
func (b *AlpacaBroker) CancelStopOrder(ctx context.Context, account, stopOrderID string) error {
	return b.CancelOrder(ctx, account, stopOrderID)
}

// Portfolio reads the account cash and equity and the open positions.
func (b *AlpacaBroker) Portfolio(ctx context.Context, account string) (domain.Portfolio, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Portfolio{}, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("GetAccount (%s): %w", account, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Portfolio{}, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("GetPositions (%s): %w", account, err)
	}

	p := domain.Portfolio{
		Cash:  acct.Cash,
		Value: acct.Equity.Sub(acct.Cash),
	}
	for _, pos := range positions {
		p.Positions = append(p.Positions, domain.Position{
			Instrument: domain.DataName(b.classCode, pos.Symbol),
			Size:       pos.Qty.IntPart(),
			Price:      pos.AvgEntryPrice,
		})
	}
	return p, nil
}

// TradesStream subscribes to Alpaca trade updates. The SDK pushes updates to
// a callback; they are handed to Recv through a buffered channel.
func (b *AlpacaBroker) TradesStream(ctx context.Context, account string) (ReportStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &alpacaStream{
		reports: make(chan domain.ExecutionReport, 256),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		err := b.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
			r, ok := tradeUpdateReport(tu)
			if !ok {
				return
			}
			select {
			case s.reports <- r:
			case <-ctx.Done():
			}
		}, alpaca.StreamTradeUpdatesRequest{})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("alpaca trade stream ended", "account", account, "error", err)
		}
		s.finish(err)
	}()
	return s, nil
}

type alpacaStream struct {
	reports chan domain.ExecutionReport
	done    chan struct{}
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *alpacaStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

func (s *alpacaStream) Recv() (domain.ExecutionReport, error) {
	select {
	case r := <-s.reports:
		return r, nil
	case <-s.done:
	}
	select {
	case r := <-s.reports:
		return r, nil
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || errors.Is(s.err, context.Canceled) {
		return domain.ExecutionReport{}, io.EOF
	}
	return domain.ExecutionReport{}, s.err
}

func (s *alpacaStream) Close() error {
	s.cancel()
	return nil
}

func alpacaSide(side domain.OrderSide) alpaca.Side {
	if side == domain.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func placeOrderRequest(req OrderRequest) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromInt(req.Lots)
	par := alpaca.PlaceOrderRequest{
		Symbol:        req.TradableID,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		ClientOrderID: req.ClientOrderID,
	}

	switch req.Type {
	case OrderTypeMarket:
		par.Type = alpaca.Market
	case OrderTypeLimit:
		price := req.Price
		par.Type = alpaca.Limit
		par.LimitPrice = &price
	default:
		return par, fmt.Errorf("order type %q: %w", req.Type, domain.ErrUnsupportedType)
	}

	switch req.Validity.Kind {
	case "", domain.ValidityDay:
		par.TimeInForce = alpaca.Day
	case domain.ValidityGTC:
		par.TimeInForce = alpaca.GTC
	default:
		return par, fmt.Errorf("validity %q not offered by alpaca", req.Validity.Kind)
	}
	return par, nil
}

func placeStopOrderRequest(req StopOrderRequest) (alpaca.PlaceOrderRequest, error) {
	qty := decimal.NewFromInt(req.Lots)
	stop := req.StopPrice
	par := alpaca.PlaceOrderRequest{
		Symbol:        req.TradableID,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		StopPrice:     &stop,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	}

	switch req.Type {
	case StopOrderStopLoss:
		par.Type = alpaca.Stop
	case StopOrderStopLimit:
		limit := req.Price
		par.Type = alpaca.StopLimit
		par.LimitPrice = &limit
	default:
		return par, fmt.Errorf("stop order type %q: %w", req.Type, domain.ErrUnsupportedType)
	}
	return par, nil
}

// tradeUpdateReport converts an Alpaca trade update. Events that do not
// change the local order state (new, accepted, replaced...) are skipped.
func tradeUpdateReport(tu alpaca.TradeUpdate) (domain.ExecutionReport, bool) {
	ts := time.Now()
	if tu.Timestamp != nil {
		ts = *tu.Timestamp
	}
	r := domain.ExecutionReport{BrokerOrderID: tu.Order.ID, Time: ts}

	switch tu.Event {
	case "fill", "partial_fill":
		if tu.Qty == nil || tu.Price == nil {
			return r, false
		}
		r.Kind = domain.ReportFill
		r.Fills = []domain.Fill{{
			ID:    tu.ExecutionID,
			Time:  ts,
			Qty:   tu.Qty.Abs().IntPart(),
			Price: *tu.Price,
		}}
	case "canceled":
		r.Kind = domain.ReportCanceled
	case "expired":
		r.Kind = domain.ReportExpired
	case "rejected":
		r.Kind = domain.ReportRejected
		r.Reason = "rejected by alpaca"
	default:
		return r, false
	}
	return r, true
}
