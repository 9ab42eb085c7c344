// Package domain defines the order, position and execution-report types shared
// by the engine, the broker adapters and the stores.
package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ref is the process-unique internal order reference. Zero means "no order".
type Ref uint64

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ExecType is the execution type requested by the caller. Only Market, Limit,
// Stop and StopLimit can be submitted; the others are recognised so they can
// be rejected before any exchange call.
type ExecType string

const (
	ExecMarket         ExecType = "market"
	ExecLimit          ExecType = "limit"
	ExecStop           ExecType = "stop"
	ExecStopLimit      ExecType = "stop_limit"
	ExecClose          ExecType = "close"
	ExecStopTrail      ExecType = "stop_trail"
	ExecStopTrailLimit ExecType = "stop_trail_limit"
	ExecHistorical     ExecType = "historical"
)

// Supported reports whether orders of this type can be sent to the exchange.
func (t ExecType) Supported() bool {
	switch t {
	case ExecMarket, ExecLimit, ExecStop, ExecStopLimit:
		return true
	}
	return false
}

// ValidityKind selects how long a standard order stays active.
type ValidityKind string

const (
	ValidityDay ValidityKind = "day"
	ValidityGTC ValidityKind = "gtc"
	ValidityGTD ValidityKind = "gtd"
)

// Validity is the time-in-force of an order. The zero value means Day.
type Validity struct {
	Kind  ValidityKind
	Until time.Time // only for ValidityGTD
}

// Execution is a single applied fill together with the position state it
// produced.
type Execution struct {
	FillID        string
	Time          time.Time
	Size          int64 // signed: negative for sells
	Price         decimal.Decimal
	Opened        int64
	Closed        int64
	PnL           decimal.Decimal
	PositionSize  int64
	PositionPrice decimal.Decimal
}

// Executed accumulates the fills applied to an order.
type Executed struct {
	Size      int64           // signed executed size
	Price     decimal.Decimal // average execution price
	Value     decimal.Decimal // sum of |size| * price
	PnL       decimal.Decimal // realized P&L of the closing parts
	Remaining int64           // signed size still to execute
	Bits      []Execution
}

// Order is the engine's record of a single order. Callers only ever see
// copies produced by Clone.
type Order struct {
	Ref           Ref
	ClientOrderID string
	Owner         string
	Account       string
	ClassCode     string
	Symbol        string
	Side          OrderSide
	Size          int64 // signed: positive for buys, negative for sells
	ExecType      ExecType
	Price         decimal.Decimal // price or trigger price as requested
	PriceLimit    decimal.Decimal // limit price of stop-limit orders as requested
	Terms         Terms           // nil until the order passes validation
	Validity      Validity
	OCO           Ref
	Parent        Ref
	Transmit      bool
	BrokerOrderID string
	StopOrderID   string
	Status        OrderStatus
	Executed      Executed
	Info          map[string]string
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	// Version grows with every change the engine makes to the order. Of two
	// snapshots of one order the higher version is the newer.
	Version uint64
}

// NewClientOrderID returns a fresh idempotency key for the exchange.
func NewClientOrderID() string {
	return uuid.NewString()
}

// IsBuy reports whether the order buys.
func (o *Order) IsBuy() bool {
	return o.Side == OrderSideBuy
}

// Instrument returns the "CLASS.SYMBOL" name of the traded instrument.
func (o *Order) Instrument() string {
	return DataName(o.ClassCode, o.Symbol)
}

// BrokerID returns whichever exchange id was assigned to the order.
func (o *Order) BrokerID() string {
	if o.StopOrderID != "" {
		return o.StopOrderID
	}
	return o.BrokerOrderID
}

// Alive reports whether the order can still change state.
func (o *Order) Alive() bool {
	return !o.Status.Terminal()
}

// Clone returns a deep copy that shares no mutable state with o.
func (o *Order) Clone() Order {
	c := *o
	c.Info = maps.Clone(o.Info)
	c.Executed.Bits = slices.Clone(o.Executed.Bits)
	return c
}
