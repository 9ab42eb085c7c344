package domain

import "github.com/shopspring/decimal"

// Position is the net holding of one instrument.
type Position struct {
	Instrument string
	Size       int64 // signed: negative for shorts
	Price      decimal.Decimal
	Version    uint64 // bumped by every applied fill
}

// Flat reports whether nothing is held.
func (p Position) Flat() bool {
	return p.Size == 0
}

// Portfolio is the exchange-side account snapshot.
type Portfolio struct {
	Cash      decimal.Decimal
	Value     decimal.Decimal // value of positions, cash excluded
	Positions []Position
}
