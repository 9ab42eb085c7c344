package domain

import "github.com/shopspring/decimal"

// Terms carries the price fields required by one supported order kind. The
// set of implementations is closed: MarketTerms, LimitTerms, StopTerms and
// StopLimitTerms.
type Terms interface {
	ExecType() ExecType
	isTerms()
}

// MarketTerms executes at the best available price.
type MarketTerms struct{}

// LimitTerms executes at Price or better.
type LimitTerms struct {
	Price decimal.Decimal
}

// StopTerms becomes a market order once Trigger trades.
type StopTerms struct {
	Trigger decimal.Decimal
}

// StopLimitTerms becomes a limit order at Limit once Trigger trades.
type StopLimitTerms struct {
	Trigger decimal.Decimal
	Limit   decimal.Decimal
}

func (MarketTerms) ExecType() ExecType    { return ExecMarket }
func (LimitTerms) ExecType() ExecType     { return ExecLimit }
func (StopTerms) ExecType() ExecType      { return ExecStop }
func (StopLimitTerms) ExecType() ExecType { return ExecStopLimit }

func (MarketTerms) isTerms()    {}
func (LimitTerms) isTerms()     {}
func (StopTerms) isTerms()      {}
func (StopLimitTerms) isTerms() {}

// IsStopOrder reports whether t is routed to the stop-order endpoint.
func IsStopOrder(t Terms) bool {
	switch t.(type) {
	case StopTerms, StopLimitTerms:
		return true
	}
	return false
}

// NewTerms builds the terms of a supported execution type. price is the limit
// price of Limit orders and the trigger price of Stop and StopLimit orders;
// limit is only read for StopLimit.
func NewTerms(t ExecType, price, limit decimal.Decimal) (Terms, bool) {
	switch t {
	case ExecMarket:
		return MarketTerms{}, true
	case ExecLimit:
		return LimitTerms{Price: price}, true
	case ExecStop:
		return StopTerms{Trigger: price}, true
	case ExecStopLimit:
		return StopLimitTerms{Trigger: price, Limit: limit}, true
	}
	return nil, false
}
