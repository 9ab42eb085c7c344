package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"ordersync/internal/domain"
)

// ParquetStore archives fills to Parquet files on disk, one file per account
// and UTC day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// FillArchiveRecord is the Parquet schema for archived fills. Prices are kept
// as decimal strings so they round-trip exactly.
type FillArchiveRecord struct {
	Account       string `parquet:"account"`
	FillID        string `parquet:"fill_id"`
	Ref           int64  `parquet:"ref"`
	ClientOrderID string `parquet:"client_order_id"`
	BrokerOrderID string `parquet:"broker_order_id"`
	Instrument    string `parquet:"instrument"`
	Side          string `parquet:"side"`
	Size          int64  `parquet:"size"`
	Price         string `parquet:"price"`
	Timestamp     int64  `parquet:"timestamp,timestamp(nanosecond)"` // Unix ns
}

// WriteFills merges fills into the daily files of account. Fills already
// archived (same fill id) are replaced by the incoming copy.
//
//	<DataDir>/fills/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteFills(_ context.Context, account string, fills []FillRecord) error {
	if len(fills) == 0 {
		return nil
	}

	groups := make(map[string][]FillArchiveRecord)
	for _, f := range fills {
		date := f.Time.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillArchiveRecord{
			Account:       account,
			FillID:        f.FillID,
			Ref:           int64(f.Ref),
			ClientOrderID: f.ClientOrderID,
			BrokerOrderID: f.BrokerOrderID,
			Instrument:    f.Instrument,
			Side:          string(f.Side),
			Size:          f.Size,
			Price:         f.Price.String(),
			Timestamp:     f.Time.UnixNano(),
		})
	}

	for date, records := range groups {
		t, _ := time.Parse("2006-01-02", date)
		path := s.fillPath(account, t)

		existing, err := readParquetFile[FillArchiveRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading fills for %s/%s: %w", account, date, err)
		}
		merged := mergeFillRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing fills for %s/%s: %w", account, date, err)
		}
	}
	return nil
}

// ReadFills reads the archived fills of account with start <= time < end.
// Days without a file are skipped.
func (s *ParquetStore) ReadFills(_ context.Context, account string, start, end time.Time) ([]FillRecord, error) {
	var fills []FillRecord
	first := start.UTC().Truncate(24 * time.Hour)
	for d := first; d.Before(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[FillArchiveRecord](s.fillPath(account, d))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, r := range records {
			ts := time.Unix(0, r.Timestamp).UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			price, err := decimal.NewFromString(r.Price)
			if err != nil {
				return nil, fmt.Errorf("fill %s: %w", r.FillID, err)
			}
			fills = append(fills, FillRecord{
				Account:       r.Account,
				FillID:        r.FillID,
				Ref:           domain.Ref(r.Ref),
				ClientOrderID: r.ClientOrderID,
				BrokerOrderID: r.BrokerOrderID,
				Instrument:    r.Instrument,
				Side:          domain.OrderSide(r.Side),
				Size:          r.Size,
				Price:         price,
				Time:          ts,
			})
		}
	}
	return fills, nil
}

// fillPath returns the filesystem path of the fill file for one day.
// Layout: <dataDir>/fills/<ACCOUNT>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) fillPath(account string, t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(s.DataDir, "fills", strings.ToUpper(account), date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeFillRecords deduplicates fill records by id, preferring incoming
// records over existing ones. Results are sorted by timestamp.
func mergeFillRecords(existing, incoming []FillArchiveRecord) []FillArchiveRecord {
	seen := make(map[string]FillArchiveRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.FillID] = r
	}
	for _, r := range incoming {
		seen[r.FillID] = r
	}

	merged := make([]FillArchiveRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].FillID < merged[j].FillID
	})
	return merged
}
