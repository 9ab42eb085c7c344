package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	account         TEXT NOT NULL,
	ref             INTEGER NOT NULL,
	owner           TEXT NOT NULL,
	class_code      TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	size            INTEGER NOT NULL,
	exec_type       TEXT NOT NULL,
	price           TEXT NOT NULL,
	price_limit     TEXT NOT NULL,
	validity        TEXT NOT NULL,
	valid_until     INTEGER NOT NULL,
	oco             INTEGER NOT NULL,
	parent          INTEGER NOT NULL,
	transmit        INTEGER NOT NULL,
	broker_order_id TEXT NOT NULL,
	stop_order_id   TEXT NOT NULL,
	status          TEXT NOT NULL,
	executed_size   INTEGER NOT NULL,
	executed_price  TEXT NOT NULL,
	executed_value  TEXT NOT NULL,
	executed_pnl    TEXT NOT NULL,
	reason          TEXT NOT NULL,
	info            TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	version         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_account_status ON orders (account, status);

CREATE TABLE IF NOT EXISTS fills (
	account         TEXT NOT NULL,
	fill_id         TEXT NOT NULL,
	ref             INTEGER NOT NULL,
	client_order_id TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	side            TEXT NOT NULL,
	size            INTEGER NOT NULL,
	price           TEXT NOT NULL,
	time            INTEGER NOT NULL,
	PRIMARY KEY (account, fill_id)
);
CREATE INDEX IF NOT EXISTS fills_account_time ON fills (account, time);

CREATE TABLE IF NOT EXISTS positions (
	account    TEXT NOT NULL,
	instrument TEXT NOT NULL,
	size       INTEGER NOT NULL,
	price      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	PRIMARY KEY (account, instrument)
);
`

// SQLiteStore implements OrderStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SaveOrder upserts the order keyed by its client order id. A snapshot older
// than the stored one (lower version) is ignored.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o domain.Order) error {
	info, err := json.Marshal(o.Info)
	if err != nil {
		return fmt.Errorf("encoding info of order %d: %w", o.Ref, err)
	}
	var until int64
	if !o.Validity.Until.IsZero() {
		until = o.Validity.Until.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO orders (
	client_order_id, account, ref, owner, class_code, symbol, side, size,
	exec_type, price, price_limit, validity, valid_until, oco, parent, transmit,
	broker_order_id, stop_order_id, status, executed_size, executed_price,
	executed_value, executed_pnl, reason, info, created_at, updated_at, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client_order_id) DO UPDATE SET
	broker_order_id = excluded.broker_order_id,
	stop_order_id   = excluded.stop_order_id,
	status          = excluded.status,
	price           = excluded.price,
	price_limit     = excluded.price_limit,
	executed_size   = excluded.executed_size,
	executed_price  = excluded.executed_price,
	executed_value  = excluded.executed_value,
	executed_pnl    = excluded.executed_pnl,
	reason          = excluded.reason,
	info            = excluded.info,
	updated_at      = excluded.updated_at,
	version         = excluded.version
WHERE excluded.version >= orders.version`,
		o.ClientOrderID, o.Account, int64(o.Ref), o.Owner, o.ClassCode, o.Symbol,
		string(o.Side), o.Size, string(o.ExecType), o.Price.String(), o.PriceLimit.String(),
		string(o.Validity.Kind), until, int64(o.OCO), int64(o.Parent), o.Transmit,
		o.BrokerOrderID, o.StopOrderID, string(o.Status), o.Executed.Size,
		o.Executed.Price.String(), o.Executed.Value.String(), o.Executed.PnL.String(),
		o.Reason, string(info), o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(), int64(o.Version),
	)
	if err != nil {
		return fmt.Errorf("saving order %d: %w", o.Ref, err)
	}
	return nil
}

const orderColumns = `
	client_order_id, account, ref, owner, class_code, symbol, side, size,
	exec_type, price, price_limit, validity, valid_until, oco, parent, transmit,
	broker_order_id, stop_order_id, status, executed_size, executed_price,
	executed_value, executed_pnl, reason, info, created_at, updated_at, version`

// GetOrder retrieves a single order by its client order id.
func (s *SQLiteStore) GetOrder(ctx context.Context, clientOrderID string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	return o, err
}

// ListOrders returns the orders of account matching status, ordered by ref.
func (s *SQLiteStore) ListOrders(ctx context.Context, account string, status domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE account = ?`
	args := []any{account}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, ref`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (domain.Order, error) {
	var (
		o                                      domain.Order
		ref, oco, parent, until                int64
		created, updated, version              int64
		side, execType, validity, status, info string
		price, limit, exPrice, exValue, exPnL  string
	)
	err := sc.Scan(
		&o.ClientOrderID, &o.Account, &ref, &o.Owner, &o.ClassCode, &o.Symbol,
		&side, &o.Size, &execType, &price, &limit, &validity, &until, &oco, &parent,
		&o.Transmit, &o.BrokerOrderID, &o.StopOrderID, &status, &o.Executed.Size,
		&exPrice, &exValue, &exPnL, &o.Reason, &info, &created, &updated, &version,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Ref = domain.Ref(ref)
	o.OCO = domain.Ref(oco)
	o.Parent = domain.Ref(parent)
	o.Side = domain.OrderSide(side)
	o.ExecType = domain.ExecType(execType)
	o.Status = domain.OrderStatus(status)
	o.Validity.Kind = domain.ValidityKind(validity)
	if until != 0 {
		o.Validity.Until = time.Unix(0, until).UTC()
	}
	o.CreatedAt = time.Unix(0, created).UTC()
	o.UpdatedAt = time.Unix(0, updated).UTC()
	o.Version = uint64(version)

	for _, f := range []struct {
		src string
		dst *decimal.Decimal
	}{
		{price, &o.Price}, {limit, &o.PriceLimit},
		{exPrice, &o.Executed.Price}, {exValue, &o.Executed.Value}, {exPnL, &o.Executed.PnL},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %d: %w", ref, err)
		}
		*f.dst = d
	}
	o.Executed.Remaining = o.Size - o.Executed.Size
	if err := json.Unmarshal([]byte(info), &o.Info); err != nil {
		return domain.Order{}, fmt.Errorf("decoding info of order %d: %w", ref, err)
	}
	o.Terms, _ = domain.NewTerms(o.ExecType, o.Price, o.PriceLimit)
	return o, nil
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// SaveFill inserts a fill; a fill id already journaled for the account is
// ignored.
func (s *SQLiteStore) SaveFill(ctx context.Context, f FillRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fills (account, fill_id, ref, client_order_id, broker_order_id, instrument, side, size, price, time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (account, fill_id) DO NOTHING`,
		f.Account, f.FillID, int64(f.Ref), f.ClientOrderID, f.BrokerOrderID, f.Instrument,
		string(f.Side), f.Size, f.Price.String(), f.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving fill %s: %w", f.FillID, err)
	}
	return nil
}

// ListFills returns the fills of account with start <= time < end, oldest
// first.
func (s *SQLiteStore) ListFills(ctx context.Context, account string, start, end time.Time) ([]FillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account, fill_id, ref, client_order_id, broker_order_id, instrument, side, size, price, time
FROM fills WHERE account = ? AND time >= ? AND time < ? ORDER BY time, fill_id`,
		account, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing fills: %w", err)
	}
	defer rows.Close()

	var fills []FillRecord
	for rows.Next() {
		var (
			f        FillRecord
			ref, ts  int64
			side, px string
		)
		if err := rows.Scan(&f.Account, &f.FillID, &ref, &f.ClientOrderID, &f.BrokerOrderID,
			&f.Instrument, &side, &f.Size, &px, &ts); err != nil {
			return nil, err
		}
		f.Ref = domain.Ref(ref)
		f.Side = domain.OrderSide(side)
		f.Time = time.Unix(0, ts).UTC()
		if f.Price, err = decimal.NewFromString(px); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.FillID, err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position of an instrument unless a
// newer version is already stored.
func (s *SQLiteStore) SavePosition(ctx context.Context, account string, pos domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (account, instrument, size, price, updated_at, version) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (account, instrument) DO UPDATE SET
	size = excluded.size, price = excluded.price, updated_at = excluded.updated_at, version = excluded.version
WHERE excluded.version >= positions.version`,
		account, pos.Instrument, pos.Size, pos.Price.String(), time.Now().UnixNano(), int64(pos.Version))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", pos.Instrument, err)
	}
	return nil
}

// ListPositions returns the non-flat positions of account ordered by
// instrument.
func (s *SQLiteStore) ListPositions(ctx context.Context, account string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instrument, size, price, version FROM positions WHERE account = ? AND size != 0 ORDER BY instrument`, account)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var (
			p       domain.Position
			px      string
			version int64
		)
		if err := rows.Scan(&p.Instrument, &p.Size, &px, &version); err != nil {
			return nil, err
		}
		p.Version = uint64(version)
		if p.Price, err = decimal.NewFromString(px); err != nil {
			return nil, fmt.Errorf("position %s: %w", p.Instrument, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
