package domain

import "errors"

// Validation errors. Each one ends with the order in OrderStatusRejected.
var (
	ErrUnsupportedType    = errors.New("order type not supported")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrPriceRequired      = errors.New("price required")
	ErrPriceLimitRequired = errors.New("limit price required")
	ErrParentNotFound     = errors.New("parent order not found")
	ErrZeroLots           = errors.New("size is less than one lot")
	ErrInvalidSize        = errors.New("size must be positive")
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrTransport     = errors.New("exchange call failed")
)
