package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument is the exchange metadata needed to submit orders.
type Instrument struct {
	ClassCode         string
	Symbol            string
	TradableID        string
	Lot               int64
	MinPriceIncrement decimal.Decimal
}

// DataName joins a class code and a symbol into "CLASS.SYMBOL".
func DataName(classCode, symbol string) string {
	if classCode == "" {
		return symbol
	}
	return classCode + "." + symbol
}

// ParseDataName splits "CLASS.SYMBOL". A name without a dot is a bare symbol
// in defaultClass.
func ParseDataName(name, defaultClass string) (classCode, symbol string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return defaultClass, name
}
