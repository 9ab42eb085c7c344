package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/domain"
)

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOrder() domain.Order {
	created := time.Date(2024, 6, 14, 14, 30, 0, 0, time.UTC)
	return domain.Order{
		Ref:           7,
		ClientOrderID: "0f7c3a2e-1111-4a4a-9b9b-000000000007",
		Owner:         "breakout",
		Account:       "acct-1",
		ClassCode:     "US",
		Symbol:        "AAPL",
		Side:          domain.OrderSideBuy,
		Size:          100,
		ExecType:      domain.ExecLimit,
		Price:         decimal.RequireFromString("101.23"),
		Validity:      domain.Validity{Kind: domain.ValidityGTC},
		OCO:           8,
		Transmit:      true,
		Status:        domain.OrderStatusAccepted,
		BrokerOrderID: "b-7",
		Info:          map[string]string{"class_code": "US", "symbol": "AAPL"},
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestSQLiteStoreOrders(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	o := sampleOrder()
	require.NoError(t, s.SaveOrder(ctx, o))

	o.Status = domain.OrderStatusCompleted
	o.Executed = domain.Executed{Size: 100, Price: decimal.RequireFromString("101.2"), Value: decimal.NewFromInt(10120)}
	o.UpdatedAt = o.CreatedAt.Add(time.Minute)
	require.NoError(t, s.SaveOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.Ref(7), got.Ref)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)
	assert.Equal(t, int64(100), got.Executed.Size)
	assert.Equal(t, int64(0), got.Executed.Remaining)
	assert.True(t, got.Price.Equal(o.Price))
	assert.Equal(t, "b-7", got.BrokerOrderID)
	assert.Equal(t, "AAPL", got.Info["symbol"])
	assert.Equal(t, domain.LimitTerms{Price: got.Price}, got.Terms)
	assert.Equal(t, domain.ValidityGTC, got.Validity.Kind)
	assert.True(t, got.UpdatedAt.Equal(o.UpdatedAt))

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	other := sampleOrder()
	other.ClientOrderID = "other"
	other.Ref = 8
	other.Status = domain.OrderStatusAccepted
	require.NoError(t, s.SaveOrder(ctx, other))

	accepted, err := s.ListOrders(ctx, "acct-1", domain.OrderStatusAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, domain.Ref(8), accepted[0].Ref)

	all, err := s.ListOrders(ctx, "acct-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := s.ListOrders(ctx, "acct-2", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStoreFillsDeduplicated(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	ts := time.Date(2024, 6, 14, 15, 0, 0, 0, time.UTC)

	f := FillRecord{
		Account: "acct-1", FillID: "f-1", Ref: 7, BrokerOrderID: "b-7",
		Instrument: "US.AAPL", Side: domain.OrderSideBuy, Size: 50,
		Price: decimal.RequireFromString("101.2"), Time: ts,
	}
	require.NoError(t, s.SaveFill(ctx, f))
	require.NoError(t, s.SaveFill(ctx, f))

	f2 := f
	f2.FillID = "f-2"
	f2.Time = ts.Add(time.Second)
	require.NoError(t, s.SaveFill(ctx, f2))

	fills, err := s.ListFills(ctx, "acct-1", ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "f-1", fills[0].FillID)
	assert.True(t, fills[0].Price.Equal(f.Price))
	assert.True(t, fills[0].Time.Equal(ts))

	fills, err = s.ListFills(ctx, "acct-1", ts.Add(time.Second), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestSQLiteStorePositions(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, "acct-1", domain.Position{Instrument: "US.AAPL", Size: 100, Price: decimal.NewFromInt(10)}))
	require.NoError(t, s.SavePosition(ctx, "acct-1", domain.Position{Instrument: "US.AAPL", Size: 40, Price: decimal.NewFromInt(10)}))
	require.NoError(t, s.SavePosition(ctx, "acct-1", domain.Position{Instrument: "US.MSFT", Size: 0}))

	positions, err := s.ListPositions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(40), positions[0].Size)
}

func TestSQLiteStoreIgnoresOlderVersions(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	done := sampleOrder()
	done.Status = domain.OrderStatusCompleted
	done.Version = 3
	require.NoError(t, s.SaveOrder(ctx, done))

	late := sampleOrder()
	late.Status = domain.OrderStatusAccepted
	late.Version = 2
	require.NoError(t, s.SaveOrder(ctx, late))

	got, err := s.GetOrder(ctx, done.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)
	assert.Equal(t, uint64(3), got.Version)

	newer := pos("US.AAPL", 30, 2)
	require.NoError(t, s.SavePosition(ctx, "acct-1", newer))
	require.NoError(t, s.SavePosition(ctx, "acct-1", pos("US.AAPL", 10, 1)))

	positions, err := s.ListPositions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(30), positions[0].Size)
	assert.Equal(t, uint64(2), positions[0].Version)
}

func pos(instrument string, size int64, version uint64) domain.Position {
	return domain.Position{Instrument: instrument, Size: size, Price: decimal.NewFromInt(10), Version: version}
}

func TestParquetStoreFillPath(t *testing.T) {
	ps := NewParquetStore("/data")
	ts := time.Date(2024, 6, 15, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("/data", "fills", "ACCT-1", "2024-06-15.parquet"), ps.fillPath("acct-1", ts))
}

func TestParquetStoreWriteReadFills(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	day1 := time.Date(2024, 6, 14, 15, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	fills := []FillRecord{
		{Account: "acct-1", FillID: "f-1", Ref: 1, Instrument: "US.AAPL", Side: domain.OrderSideBuy, Size: 10, Price: decimal.RequireFromString("101.23"), Time: day1},
		{Account: "acct-1", FillID: "f-2", Ref: 1, Instrument: "US.AAPL", Side: domain.OrderSideBuy, Size: 5, Price: decimal.RequireFromString("101.24"), Time: day1.Add(time.Minute)},
		{Account: "acct-1", FillID: "f-3", Ref: 2, Instrument: "US.AAPL", Side: domain.OrderSideSell, Size: -15, Price: decimal.RequireFromString("102"), Time: day2},
	}
	require.NoError(t, ps.WriteFills(ctx, "acct-1", fills))
	// Rewriting overlapping fills must not duplicate them.
	require.NoError(t, ps.WriteFills(ctx, "acct-1", fills[:2]))

	got, err := ps.ReadFills(ctx, "acct-1", day1.Truncate(24*time.Hour), day2.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "f-1", got[0].FillID)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("101.23")))
	assert.Equal(t, int64(-15), got[2].Size)
	assert.True(t, got[2].Time.Equal(day2))

	got, err = ps.ReadFills(ctx, "acct-1", day2, day2.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = ps.ReadFills(ctx, "acct-2", day1, day2)
	require.NoError(t, err)
	assert.Empty(t, got)
}
