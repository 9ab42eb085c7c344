// Package quotation converts between decimal prices and the exchange's
// fixed-point wire encoding (integer units plus billionths).
package quotation

import "github.com/shopspring/decimal"

const nanoScale = 1_000_000_000

var billion = decimal.NewFromInt(nanoScale)

// Quotation is a fixed-point number: Units + Nano/1e9. Both parts carry the
// same sign.
type Quotation struct {
	Units int64
	Nano  int32
}

// FromDecimal encodes d, truncating anything finer than 1e-9.
func FromDecimal(d decimal.Decimal) Quotation {
	d = d.Truncate(9)
	units := d.Truncate(0)
	nano := d.Sub(units).Mul(billion)
	return Quotation{Units: units.IntPart(), Nano: int32(nano.IntPart())}
}

// Decimal decodes q.
func (q Quotation) Decimal() decimal.Decimal {
	return decimal.NewFromInt(q.Units).Add(decimal.New(int64(q.Nano), -9))
}

// IsZero reports whether q encodes zero.
func (q Quotation) IsZero() bool {
	return q.Units == 0 && q.Nano == 0
}

// FloorToIncrement rounds price down to the nearest multiple of step. A
// non-positive step returns price unchanged.
func FloorToIncrement(price, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return price
	}
	return price.Div(step).Floor().Mul(step)
}
