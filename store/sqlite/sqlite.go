/*
Package sqlite provides a SQLite-backed implementation of stock.Store.

PURPOSE:
  Implements the ledger, entry and catalog interfaces on SQLite. The
  PostgreSQL store in store/postgres follows the same layout with dialect
  differences only.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries (Reset aside, for demos)
  - Corrections via reversal rows only

KEY TABLES:
  ledger_entries: Immutable signed stock movements
  stock_entries:  Stock Entry documents, lines as JSON
  items:          Item master
  warehouses:     Warehouse master (tree via parent_warehouse)

DECIMALS:
  Quantities and rates are stored as TEXT and summed in Go with
  shopspring/decimal. SQLite's SUM would go through float64.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in
  WHERE clauses orders the same way as time comparison.

CONCURRENCY:
  The pool is capped at one connection. Every statement, and every
  transaction opened by WithTx, runs on it in turn, which makes the
  validate-then-append sequence inside WithTx serializable.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := stock.NewService(store, stock.ServiceConfig{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - stock/store.go: Interface definitions
  - stock/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// timeLayout is fixed-width so that TEXT comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements stock.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers on top of the single connection
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" gives each connection its own database; one connection
	// also serializes WithTx.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		item TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		quantity TEXT NOT NULL,
		rate TEXT NOT NULL,
		entry_time TEXT NOT NULL,
		voucher_type TEXT NOT NULL,
		voucher_id TEXT NOT NULL,
		is_reversal INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Balance and report lookups (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_item_warehouse_time
		ON ledger_entries(item, warehouse, entry_time);
	CREATE INDEX IF NOT EXISTS idx_ledger_entry_time
		ON ledger_entries(entry_time);
	CREATE INDEX IF NOT EXISTS idx_ledger_voucher
		ON ledger_entries(voucher_id);

	-- Stock Entry documents
	CREATE TABLE IF NOT EXISTS stock_entries (
		id TEXT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		source_warehouse TEXT,
		target_warehouse TEXT,
		status TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		validated_at TEXT,
		posted_at TEXT,
		cancelled_at TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_entries_status
		ON stock_entries(status, created_at DESC);

	-- Masters
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		item_name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		warehouse_name TEXT NOT NULL,
		address TEXT NOT NULL,
		parent_warehouse TEXT,
		is_group INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_warehouses_parent
		ON warehouses(parent_warehouse);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (stock.LedgerStore interface)
// =============================================================================

// AppendBatch adds rows atomically.
func (s *Store) AppendBatch(ctx context.Context, rows []stock.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := appendRows(ctx, sqlTx, rows); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func appendRows(ctx context.Context, db querier, rows []stock.LedgerEntry) error {
	// Check for duplicate idempotency keys within the batch first
	keys := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.IdempotencyKey == "" {
			continue
		}
		if keys[r.IdempotencyKey] {
			return stock.ErrDuplicateIdempotencyKey
		}
		keys[r.IdempotencyKey] = true
	}

	query := `
		INSERT INTO ledger_entries
		(id, item, warehouse, quantity, rate, entry_time, voucher_type, voucher_id,
		 is_reversal, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, r := range rows {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := db.ExecContext(ctx, query,
			string(r.ID),
			string(r.Item),
			string(r.Warehouse),
			r.Quantity.String(),
			r.Rate.String(),
			formatTime(r.EntryTime),
			r.VoucherType,
			string(r.VoucherID),
			r.IsReversal,
			nullString(r.IdempotencyKey),
			formatTime(createdAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return stock.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

func (s *Store) SumQuantity(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, error) {
	t, err := totals(ctx, s.db, q)
	return t.Quantity, err
}

func (s *Store) AvgRate(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	t, err := totals(ctx, s.db, q)
	if err != nil {
		return decimal.Zero, false, err
	}
	avg, ok := t.AvgRate()
	return avg, ok, nil
}

func (s *Store) DistinctPairs(ctx context.Context, q stock.LedgerQuery) ([]stock.Pair, error) {
	return distinctPairs(ctx, s.db, q)
}

func (s *Store) Entries(ctx context.Context, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	return queryLedger(ctx, s.db, q)
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, s.db, idempotencyKey)
}

func keyExists(ctx context.Context, db querier, key string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count > 0, err
}

// ledgerWhere translates the time and key filters of q to SQL. The sign
// filter is applied in Go on the scanned decimals.
func ledgerWhere(q stock.LedgerQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Item != "" {
		clauses = append(clauses, "item = ?")
		args = append(args, string(q.Item))
	}
	if q.Warehouse != "" {
		clauses = append(clauses, "warehouse = ?")
		args = append(args, string(q.Warehouse))
	}
	if q.VoucherID != "" {
		clauses = append(clauses, "voucher_id = ?")
		args = append(args, string(q.VoucherID))
	}
	if !q.From.IsZero() {
		clauses = append(clauses, "entry_time >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		clauses = append(clauses, "entry_time <= ?")
		args = append(args, formatTime(q.To))
	}
	if !q.Before.IsZero() {
		clauses = append(clauses, "entry_time < ?")
		args = append(args, formatTime(q.Before))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func queryLedger(ctx context.Context, db querier, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	where, args := ledgerWhere(q)
	query := `
		SELECT seq, id, item, warehouse, quantity, rate, entry_time, voucher_type, voucher_id,
		       is_reversal, idempotency_key, created_at
		FROM ledger_entries` + where + `
		ORDER BY seq ASC
	`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var result []stock.LedgerEntry
	for rows.Next() {
		le, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		if q.Matches(le) {
			result = append(result, le)
		}
	}
	return result, rows.Err()
}

func totals(ctx context.Context, db querier, q stock.LedgerQuery) (stock.Totals, error) {
	var t stock.Totals
	rows, err := queryLedger(ctx, db, q)
	if err != nil {
		return t, err
	}
	for _, r := range rows {
		t.Add(r)
	}
	return t, nil
}

func distinctPairs(ctx context.Context, db querier, q stock.LedgerQuery) ([]stock.Pair, error) {
	rows, err := queryLedger(ctx, db, q)
	if err != nil {
		return nil, err
	}
	seen := make(map[stock.Pair]bool)
	var pairs []stock.Pair
	for _, r := range rows {
		if !seen[r.Pair()] {
			seen[r.Pair()] = true
			pairs = append(pairs, r.Pair())
		}
	}
	return pairs, nil
}

func scanLedgerEntry(rows *sql.Rows) (stock.LedgerEntry, error) {
	var (
		le             stock.LedgerEntry
		quantity       string
		rate           string
		entryTime      string
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&le.Seq, &le.ID, &le.Item, &le.Warehouse, &quantity, &rate, &entryTime,
		&le.VoucherType, &le.VoucherID, &le.IsReversal, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return le, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if le.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return le, fmt.Errorf("ledger entry %s quantity: %w", le.ID, err)
	}
	if le.Rate, err = decimal.NewFromString(rate); err != nil {
		return le, fmt.Errorf("ledger entry %s rate: %w", le.ID, err)
	}
	if le.EntryTime, err = parseTime(entryTime); err != nil {
		return le, fmt.Errorf("ledger entry %s entry_time: %w", le.ID, err)
	}
	if le.CreatedAt, err = parseTime(createdAt); err != nil {
		return le, fmt.Errorf("ledger entry %s created_at: %w", le.ID, err)
	}
	le.IdempotencyKey = idempotencyKey.String
	return le, nil
}

// =============================================================================
// ENTRY STORE (stock.EntryStore interface)
// =============================================================================

// lineRecord is the JSON shape of a line in stock_entries.lines_json.
type lineRecord struct {
	Item            string           `json:"item"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Rate            *decimal.Decimal `json:"rate,omitempty"`
	SourceWarehouse string           `json:"source_warehouse,omitempty"`
	TargetWarehouse string           `json:"target_warehouse,omitempty"`
}

func (s *Store) SaveEntry(ctx context.Context, e *stock.StockEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveEntry(ctx, s.db, e)
}

func saveEntry(ctx context.Context, db querier, e *stock.StockEntry) error {
	lines := make([]lineRecord, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = lineRecord{
			Item:            string(l.Item),
			Quantity:        l.Quantity,
			Rate:            l.Rate,
			SourceWarehouse: string(l.SourceWarehouse),
			TargetWarehouse: string(l.TargetWarehouse),
		}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("failed to encode lines: %w", err)
	}

	query := `
		INSERT INTO stock_entries
		(id, entry_type, source_warehouse, target_warehouse, status, lines_json,
		 validated_at, posted_at, cancelled_at, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_type = excluded.entry_type,
			source_warehouse = excluded.source_warehouse,
			target_warehouse = excluded.target_warehouse,
			status = excluded.status,
			lines_json = excluded.lines_json,
			validated_at = excluded.validated_at,
			posted_at = excluded.posted_at,
			cancelled_at = excluded.cancelled_at,
			updated_at = excluded.updated_at
	`
	_, err = db.ExecContext(ctx, query,
		string(e.ID),
		string(e.EntryType),
		nullString(string(e.SourceWarehouse)),
		nullString(string(e.TargetWarehouse)),
		string(e.Status),
		string(linesJSON),
		nullTime(e.ValidatedAt),
		nullTime(e.PostedAt),
		nullTime(e.CancelledAt),
		nullString(e.CreatedBy),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save stock entry: %w", err)
	}
	return nil
}

const entryColumns = `id, entry_type, source_warehouse, target_warehouse, status, lines_json,
	validated_at, posted_at, cancelled_at, created_by, created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, id stock.EntryID) (*stock.StockEntry, error) {
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, db querier, id stock.EntryID) (*stock.StockEntry, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+entryColumns+" FROM stock_entries WHERE id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query stock entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, stock.ErrNotFound
	}
	return scanEntry(rows)
}

func (s *Store) ListEntries(ctx context.Context, status stock.Status) ([]*stock.StockEntry, error) {
	return listEntries(ctx, s.db, status)
}

func listEntries(ctx context.Context, db querier, status stock.Status) ([]*stock.StockEntry, error) {
	query := "SELECT " + entryColumns + " FROM stock_entries"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock entries: %w", err)
	}
	defer rows.Close()

	var result []*stock.StockEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(rows *sql.Rows) (*stock.StockEntry, error) {
	var (
		e                         stock.StockEntry
		source, target, createdBy sql.NullString
		linesJSON                 string
		validated, posted, cancel sql.NullString
		createdAt, updatedAt      string
	)
	err := rows.Scan(
		&e.ID, &e.EntryType, &source, &target, &e.Status, &linesJSON,
		&validated, &posted, &cancel, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stock entry: %w", err)
	}

	var lines []lineRecord
	if err := json.Unmarshal([]byte(linesJSON), &lines); err != nil {
		return nil, fmt.Errorf("stock entry %s lines: %w", e.ID, err)
	}
	e.Lines = make([]stock.Line, len(lines))
	for i, l := range lines {
		e.Lines[i] = stock.Line{
			Item:            stock.ItemID(l.Item),
			Quantity:        l.Quantity,
			Rate:            l.Rate,
			SourceWarehouse: stock.WarehouseID(l.SourceWarehouse),
			TargetWarehouse: stock.WarehouseID(l.TargetWarehouse),
		}
	}

	e.SourceWarehouse = stock.WarehouseID(source.String)
	e.TargetWarehouse = stock.WarehouseID(target.String)
	e.CreatedBy = createdBy.String
	if e.ValidatedAt, err = parseNullTime(validated); err != nil {
		return nil, fmt.Errorf("stock entry %s validated_at: %w", e.ID, err)
	}
	if e.PostedAt, err = parseNullTime(posted); err != nil {
		return nil, fmt.Errorf("stock entry %s posted_at: %w", e.ID, err)
	}
	if e.CancelledAt, err = parseNullTime(cancel); err != nil {
		return nil, fmt.Errorf("stock entry %s cancelled_at: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("stock entry %s created_at: %w", e.ID, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("stock entry %s updated_at: %w", e.ID, err)
	}
	return &e, nil
}

// =============================================================================
// CATALOG (stock.Catalog interface)
// =============================================================================

func (s *Store) CreateItem(ctx context.Context, item stock.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO items (id, item_name, created_at) VALUES (?, ?, ?)",
		string(item.ID), item.ItemName, formatTime(item.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return stock.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetItem(ctx context.Context, id stock.ItemID) (*stock.Item, error) {
	var (
		item      stock.Item
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, item_name, created_at FROM items WHERE id = ?", string(id),
	).Scan(&item.ID, &item.ItemName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stock.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("item %s created_at: %w", item.ID, err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context) ([]stock.Item, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, item_name, created_at FROM items ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []stock.Item
	for rows.Next() {
		var (
			item      stock.Item
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.ItemName, &createdAt); err != nil {
			return nil, err
		}
		var err error
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("item %s created_at: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateWarehouse(ctx context.Context, wh stock.Warehouse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, warehouse_name, address, parent_warehouse, is_group, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(wh.ID), wh.WarehouseName, wh.Address,
		nullString(string(wh.ParentWarehouse)), wh.IsGroup, formatTime(wh.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return stock.ErrAlreadyExists
	}
	return err
}

const warehouseColumns = "id, warehouse_name, address, parent_warehouse, is_group, created_at"

func (s *Store) GetWarehouse(ctx context.Context, id stock.WarehouseID) (*stock.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+warehouseColumns+" FROM warehouses WHERE id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get warehouse: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, stock.ErrNotFound
	}
	wh, err := scanWarehouse(rows)
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]stock.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+warehouseColumns+" FROM warehouses ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list warehouses: %w", err)
	}
	defer rows.Close()

	var whs []stock.Warehouse
	for rows.Next() {
		wh, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		whs = append(whs, wh)
	}
	return whs, rows.Err()
}

func scanWarehouse(rows *sql.Rows) (stock.Warehouse, error) {
	var (
		wh        stock.Warehouse
		parent    sql.NullString
		createdAt string
	)
	if err := rows.Scan(&wh.ID, &wh.WarehouseName, &wh.Address, &parent, &wh.IsGroup, &createdAt); err != nil {
		return wh, fmt.Errorf("failed to scan warehouse: %w", err)
	}
	wh.ParentWarehouse = stock.WarehouseID(parent.String)
	var err error
	if wh.CreatedAt, err = parseTime(createdAt); err != nil {
		return wh, fmt.Errorf("warehouse %s created_at: %w", wh.ID, err)
	}
	return wh, nil
}

// =============================================================================
// TRANSACTIONAL STORE (stock.Store.WithTx)
// =============================================================================

// WithTx executes a function within a database transaction.
// fn must only use the Tx it is given: the single connection is held
// until commit.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", stock.ErrTransactionFailed, err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) AppendBatch(ctx context.Context, rows []stock.LedgerEntry) error {
	return appendRows(ctx, ts.tx, rows)
}

func (ts *txStore) SumQuantity(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, error) {
	t, err := totals(ctx, ts.tx, q)
	return t.Quantity, err
}

func (ts *txStore) AvgRate(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	t, err := totals(ctx, ts.tx, q)
	if err != nil {
		return decimal.Zero, false, err
	}
	avg, ok := t.AvgRate()
	return avg, ok, nil
}

func (ts *txStore) DistinctPairs(ctx context.Context, q stock.LedgerQuery) ([]stock.Pair, error) {
	return distinctPairs(ctx, ts.tx, q)
}

func (ts *txStore) Entries(ctx context.Context, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	return queryLedger(ctx, ts.tx, q)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) SaveEntry(ctx context.Context, e *stock.StockEntry) error {
	return saveEntry(ctx, ts.tx, e)
}

func (ts *txStore) GetEntry(ctx context.Context, id stock.EntryID) (*stock.StockEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) ListEntries(ctx context.Context, status stock.Status) ([]*stock.StockEntry, error) {
	return listEntries(ctx, ts.tx, status)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"ledger_entries", "stock_entries", "warehouses", "items"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
