// Package store persists the order journal (orders, fills and positions) in
// SQLite and archives fills to Parquet files.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/internal/domain"
)

// FillRecord is one applied fill as written to the journal.
type FillRecord struct {
	Account       string
	FillID        string
	Ref           domain.Ref
	ClientOrderID string
	BrokerOrderID string
	Instrument    string
	Side          domain.OrderSide
	Size          int64 // signed: negative for sells
	Price         decimal.Decimal
	Time          time.Time
}

// Journal receives the state changes produced by the order engine. Calls are
// made outside the engine lock from whichever goroutine made the change, so
// snapshots of one order or position may arrive out of order; implementations
// keep the highest Version.
type Journal interface {
	// SaveOrder inserts or replaces the order keyed by its client order id.
	SaveOrder(ctx context.Context, order domain.Order) error

	// SaveFill records a fill. Saving the same fill id twice is a no-op.
	SaveFill(ctx context.Context, fill FillRecord) error

	// SavePosition inserts or replaces the position of an instrument.
	SavePosition(ctx context.Context, account string, pos domain.Position) error
}

// OrderStore is a Journal that can also be queried.
type OrderStore interface {
	Journal

	// GetOrder returns the order with the given client order id.
	GetOrder(ctx context.Context, clientOrderID string) (domain.Order, error)

	// ListOrders returns the orders of account in the given status, or all of
	// them when status is empty.
	ListOrders(ctx context.Context, account string, status domain.OrderStatus) ([]domain.Order, error)

	// ListFills returns the fills of account with start <= time < end.
	ListFills(ctx context.Context, account string, start, end time.Time) ([]FillRecord, error)

	// ListPositions returns the non-flat positions of account.
	ListPositions(ctx context.Context, account string) ([]domain.Position, error)
}

// NopJournal discards everything.
type NopJournal struct{}

func (NopJournal) SaveOrder(context.Context, domain.Order) error               { return nil }
func (NopJournal) SaveFill(context.Context, FillRecord) error                  { return nil }
func (NopJournal) SavePosition(context.Context, string, domain.Position) error { return nil }
