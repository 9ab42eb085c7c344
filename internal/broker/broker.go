// Package broker defines the Exchange interface the order engine talks to and
// provides implementations for Alpaca and for an in-memory simulator.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/internal/domain"
)

// OrderType is the sub-type of a standard order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// StopOrderType is the sub-type of a stop order.
type StopOrderType string

const (
	StopOrderStopLoss  StopOrderType = "stop_loss"
	StopOrderStopLimit StopOrderType = "stop_limit"
)

// StopExpiration is how long a stop order stays active.
type StopExpiration string

const StopExpirationGTC StopExpiration = "gtc"

// OrderRequest is a standard (market or limit) order. Lots is always
// positive; direction is carried by Side.
type OrderRequest struct {
	ClientOrderID string
	Account       string
	TradableID    string
	Lots          int64
	Side          domain.OrderSide
	Type          OrderType
	Price         decimal.Decimal // limit orders only
	Validity      domain.Validity
}

// StopOrderRequest is a stop-loss or stop-limit order.
type StopOrderRequest struct {
	ClientOrderID string
	Account       string
	TradableID    string
	Lots          int64
	Side          domain.OrderSide
	Type          StopOrderType
	StopPrice     decimal.Decimal
	Price         decimal.Decimal // stop-limit orders only
	Expiration    StopExpiration
}

// ReportStream delivers the execution reports of one account. Recv returns
// io.EOF once the stream has been closed cleanly.
type ReportStream interface {
	Recv() (domain.ExecutionReport, error)
	Close() error
}

// InstrumentResolver looks up instrument metadata. It returns an error
// wrapping domain.ErrInstrumentNotFound when the instrument does not exist.
type InstrumentResolver interface {
	ResolveInstrument(ctx context.Context, classCode, symbol string) (domain.Instrument, error)
}

// Exchange abstracts the remote venue: order entry, the trade stream and the
// account portfolio.
type Exchange interface {
	InstrumentResolver

	// Name returns the exchange identifier (e.g. "alpaca", "simulator").
	Name() string

	// PostOrder submits a standard order and returns the exchange order id.
	PostOrder(ctx context.Context, req OrderRequest) (string, error)

	// PostStopOrder submits a stop order and returns the stop-order id.
	PostStopOrder(ctx context.Context, req StopOrderRequest) (string, error)

	CancelOrder(ctx context.Context, account, orderID string) error
	CancelStopOrder(ctx context.Context, account, stopOrderID string) error

	// TradesStream subscribes to the execution reports of account.
	TradesStream(ctx context.Context, account string) (ReportStream, error)

	// Portfolio returns the cash, position value and positions of account.
	Portfolio(ctx context.Context, account string) (domain.Portfolio, error)
}

// PingReport builds a server heartbeat report.
func PingReport(serverTime time.Time) domain.ExecutionReport {
	return domain.ExecutionReport{Kind: domain.ReportPing, Time: serverTime}
}
