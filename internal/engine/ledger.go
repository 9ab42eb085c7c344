package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"ordersync/internal/domain"
)

// ledger holds the running position of every instrument traded by one
// account. Position versions start at base so that they sort after anything
// an earlier process journaled.
type ledger struct {
	base      uint64
	positions map[string]domain.Position
}

func newLedger(base uint64) *ledger {
	return &ledger{base: base, positions: make(map[string]domain.Position)}
}

func (l *ledger) get(instrument string) domain.Position {
	pos, ok := l.positions[instrument]
	if !ok {
		return domain.Position{Instrument: instrument, Version: l.base}
	}
	return pos
}

func (l *ledger) seed(positions []domain.Position) {
	for _, p := range positions {
		p.Version = l.base
		l.positions[p.Instrument] = p
	}
}

// all returns every position, ordered by instrument.
func (l *ledger) all() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// update applies a signed fill. It returns the new position, the opened and
// closed parts of size (both signed like size) and the average price before
// the fill.
func (l *ledger) update(instrument string, size int64, price decimal.Decimal) (pos domain.Position, opened, closed int64, prev decimal.Decimal) {
	pos = l.get(instrument)
	prev = pos.Price
	old := pos.Size
	pos.Size += size

	switch {
	case pos.Size == 0:
		opened, closed = 0, size
		pos.Price = decimal.Zero
	case old == 0:
		opened, closed = size, 0
		pos.Price = price
	case (old > 0) == (size > 0):
		// Increasing: average the entry price.
		opened, closed = size, 0
		pos.Price = prev.Mul(decimal.NewFromInt(old)).
			Add(price.Mul(decimal.NewFromInt(size))).
			Div(decimal.NewFromInt(pos.Size))
	case (old > 0) == (pos.Size > 0):
		// Reducing without crossing zero.
		opened, closed = 0, size
	default:
		// Flipped through zero.
		opened, closed = pos.Size, -old
		pos.Price = price
	}

	pos.Version++
	l.positions[instrument] = pos
	return pos, opened, closed, prev
}

// realizedPnL is the profit of closing closed units (signed like the fill)
// at price against an average entry of entry.
func realizedPnL(closed int64, entry, price decimal.Decimal) decimal.Decimal {
	if closed == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(-closed).Mul(price.Sub(entry))
}
