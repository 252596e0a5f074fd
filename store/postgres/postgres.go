/*
Package postgres provides a PostgreSQL-backed implementation of stock.Store.

PURPOSE:
  Same contract as store/sqlite, for deployments where several servers
  share one database. Quantities and rates are NUMERIC, so SUM and AVG
  run in the database without float rounding and come back as text.

CONCURRENCY:
  WithTx runs at SERIALIZABLE. Two submits that read the same balance
  and both append cannot both commit; the loser gets a serialization
  failure and is retried from the top of fn.

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - stock/store.go: Interface definitions
  - store/sqlite/sqlite.go: SQLite implementation
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

const (
	maxTxAttempts = 3

	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
)

// Store implements stock.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		item TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		rate NUMERIC NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		voucher_type TEXT NOT NULL,
		voucher_id TEXT NOT NULL,
		is_reversal BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_item_warehouse_time
		ON ledger_entries(item, warehouse, entry_time);
	CREATE INDEX IF NOT EXISTS idx_ledger_entry_time
		ON ledger_entries(entry_time);
	CREATE INDEX IF NOT EXISTS idx_ledger_voucher
		ON ledger_entries(voucher_id);

	CREATE TABLE IF NOT EXISTS stock_entries (
		id TEXT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		source_warehouse TEXT,
		target_warehouse TEXT,
		status TEXT NOT NULL,
		lines JSONB NOT NULL,
		validated_at TIMESTAMPTZ,
		posted_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_entries_status
		ON stock_entries(status, created_at DESC);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		item_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		warehouse_name TEXT NOT NULL,
		address TEXT NOT NULL,
		parent_warehouse TEXT,
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_warehouses_parent
		ON warehouses(parent_warehouse);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) AppendBatch(ctx context.Context, rows []stock.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := appendRows(ctx, tx, rows); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendRows(ctx context.Context, db querier, rows []stock.LedgerEntry) error {
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

	const query = `
		INSERT INTO ledger_entries
		(id, item, warehouse, quantity, rate, entry_time, voucher_type, voucher_id,
		 is_reversal, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, NULLIF($10, ''), $11)
	`
	for _, r := range rows {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := db.Exec(ctx, query,
			string(r.ID), string(r.Item), string(r.Warehouse),
			r.Quantity.String(), r.Rate.String(), r.EntryTime,
			r.VoucherType, string(r.VoucherID), r.IsReversal,
			r.IdempotencyKey, createdAt,
		)
		if err != nil {
			if isCode(err, codeUniqueViolation) {
				return stock.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

func ledgerWhere(q stock.LedgerQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Item != "" {
		add("item = $%d", string(q.Item))
	}
	if q.Warehouse != "" {
		add("warehouse = $%d", string(q.Warehouse))
	}
	if q.VoucherID != "" {
		add("voucher_id = $%d", string(q.VoucherID))
	}
	if !q.From.IsZero() {
		add("entry_time >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("entry_time <= $%d", q.To)
	}
	if !q.Before.IsZero() {
		add("entry_time < $%d", q.Before)
	}
	switch q.Direction {
	case stock.DirectionIn:
		clauses = append(clauses, "quantity > 0")
	case stock.DirectionOut:
		clauses = append(clauses, "quantity < 0")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sumQuantity(ctx context.Context, db querier, q stock.LedgerQuery) (decimal.Decimal, error) {
	where, args := ledgerWhere(q)
	var sum string
	err := db.QueryRow(ctx, "SELECT COALESCE(SUM(quantity), 0)::text FROM ledger_entries"+where, args...).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum quantity: %w", err)
	}
	return decimal.NewFromString(sum)
}

func avgRate(ctx context.Context, db querier, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	where, args := ledgerWhere(q)
	var avg *string
	err := db.QueryRow(ctx, "SELECT AVG(rate)::text FROM ledger_entries"+where, args...).Scan(&avg)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to average rate: %w", err)
	}
	if avg == nil {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(*avg)
	return d, err == nil, err
}

func distinctPairs(ctx context.Context, db querier, q stock.LedgerQuery) ([]stock.Pair, error) {
	where, args := ledgerWhere(q)
	rows, err := db.Query(ctx,
		"SELECT item, warehouse FROM ledger_entries"+where+" GROUP BY item, warehouse ORDER BY MIN(seq)",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairs: %w", err)
	}
	defer rows.Close()

	var pairs []stock.Pair
	for rows.Next() {
		var p stock.Pair
		if err := rows.Scan(&p.Item, &p.Warehouse); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func queryLedger(ctx context.Context, db querier, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	where, args := ledgerWhere(q)
	rows, err := db.Query(ctx, `
		SELECT seq, id, item, warehouse, quantity::text, rate::text, entry_time, voucher_type,
		       voucher_id, is_reversal, COALESCE(idempotency_key, ''), created_at
		FROM ledger_entries`+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var result []stock.LedgerEntry
	for rows.Next() {
		var (
			le             stock.LedgerEntry
			quantity, rate string
		)
		err := rows.Scan(&le.Seq, &le.ID, &le.Item, &le.Warehouse, &quantity, &rate, &le.EntryTime,
			&le.VoucherType, &le.VoucherID, &le.IsReversal, &le.IdempotencyKey, &le.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if le.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, err
		}
		if le.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		le.EntryTime = le.EntryTime.UTC()
		le.CreatedAt = le.CreatedAt.UTC()
		result = append(result, le)
	}
	return result, rows.Err()
}

func keyExists(ctx context.Context, db querier, key string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)", key,
	).Scan(&exists)
	return exists, err
}

func (s *Store) SumQuantity(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, error) {
	return sumQuantity(ctx, s.pool, q)
}

func (s *Store) AvgRate(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	return avgRate(ctx, s.pool, q)
}

func (s *Store) DistinctPairs(ctx context.Context, q stock.LedgerQuery) ([]stock.Pair, error) {
	return distinctPairs(ctx, s.pool, q)
}

func (s *Store) Entries(ctx context.Context, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	return queryLedger(ctx, s.pool, q)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, s.pool, idempotencyKey)
}

// =============================================================================
// ENTRY STORE
// =============================================================================

type lineRecord struct {
	Item            string           `json:"item"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Rate            *decimal.Decimal `json:"rate,omitempty"`
	SourceWarehouse string           `json:"source_warehouse,omitempty"`
	TargetWarehouse string           `json:"target_warehouse,omitempty"`
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

	_, err = db.Exec(ctx, `
		INSERT INTO stock_entries
		(id, entry_type, source_warehouse, target_warehouse, status, lines,
		 validated_at, posted_at, cancelled_at, created_by, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6::jsonb, $7, $8, $9, NULLIF($10, ''), $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			entry_type = EXCLUDED.entry_type,
			source_warehouse = EXCLUDED.source_warehouse,
			target_warehouse = EXCLUDED.target_warehouse,
			status = EXCLUDED.status,
			lines = EXCLUDED.lines,
			validated_at = EXCLUDED.validated_at,
			posted_at = EXCLUDED.posted_at,
			cancelled_at = EXCLUDED.cancelled_at,
			updated_at = EXCLUDED.updated_at`,
		string(e.ID), string(e.EntryType), string(e.SourceWarehouse), string(e.TargetWarehouse),
		string(e.Status), string(linesJSON), e.ValidatedAt, e.PostedAt, e.CancelledAt,
		e.CreatedBy, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save stock entry: %w", err)
	}
	return nil
}

const entrySelect = `
	SELECT id, entry_type, COALESCE(source_warehouse, ''), COALESCE(target_warehouse, ''), status,
	       lines, validated_at, posted_at, cancelled_at, COALESCE(created_by, ''), created_at, updated_at
	FROM stock_entries`

func scanEntry(row pgx.Row) (*stock.StockEntry, error) {
	var (
		e         stock.StockEntry
		linesJSON []byte
	)
	err := row.Scan(&e.ID, &e.EntryType, &e.SourceWarehouse, &e.TargetWarehouse, &e.Status,
		&linesJSON, &e.ValidatedAt, &e.PostedAt, &e.CancelledAt, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	var lines []lineRecord
	if err := json.Unmarshal(linesJSON, &lines); err != nil {
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
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	for _, t := range []**time.Time{&e.ValidatedAt, &e.PostedAt, &e.CancelledAt} {
		if *t != nil {
			u := (**t).UTC()
			*t = &u
		}
	}
	return &e, nil
}

func getEntry(ctx context.Context, db querier, id stock.EntryID) (*stock.StockEntry, error) {
	e, err := scanEntry(db.QueryRow(ctx, entrySelect+" WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock entry: %w", err)
	}
	return e, nil
}

func listEntries(ctx context.Context, db querier, status stock.Status) ([]*stock.StockEntry, error) {
	query := entrySelect
	var args []any
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	rows, err := db.Query(ctx, query+" ORDER BY created_at DESC, id ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock entries: %w", err)
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

func (s *Store) SaveEntry(ctx context.Context, e *stock.StockEntry) error {
	return saveEntry(ctx, s.pool, e)
}

func (s *Store) GetEntry(ctx context.Context, id stock.EntryID) (*stock.StockEntry, error) {
	return getEntry(ctx, s.pool, id)
}

func (s *Store) ListEntries(ctx context.Context, status stock.Status) ([]*stock.StockEntry, error) {
	return listEntries(ctx, s.pool, status)
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) CreateItem(ctx context.Context, item stock.Item) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO items (id, item_name, created_at) VALUES ($1, $2, $3)",
		string(item.ID), item.ItemName, item.CreatedAt)
	if isCode(err, codeUniqueViolation) {
		return stock.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetItem(ctx context.Context, id stock.ItemID) (*stock.Item, error) {
	var item stock.Item
	err := s.pool.QueryRow(ctx, "SELECT id, item_name, created_at FROM items WHERE id = $1", string(id)).
		Scan(&item.ID, &item.ItemName, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context) ([]stock.Item, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, item_name, created_at FROM items ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []stock.Item
	for rows.Next() {
		var item stock.Item
		if err := rows.Scan(&item.ID, &item.ItemName, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateWarehouse(ctx context.Context, wh stock.Warehouse) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO warehouses (id, warehouse_name, address, parent_warehouse, is_group, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		string(wh.ID), wh.WarehouseName, wh.Address, string(wh.ParentWarehouse), wh.IsGroup, wh.CreatedAt)
	if isCode(err, codeUniqueViolation) {
		return stock.ErrAlreadyExists
	}
	return err
}

const warehouseSelect = `
	SELECT id, warehouse_name, address, COALESCE(parent_warehouse, ''), is_group, created_at
	FROM warehouses`

func scanWarehouse(row pgx.Row) (stock.Warehouse, error) {
	var wh stock.Warehouse
	err := row.Scan(&wh.ID, &wh.WarehouseName, &wh.Address, &wh.ParentWarehouse, &wh.IsGroup, &wh.CreatedAt)
	return wh, err
}

func (s *Store) GetWarehouse(ctx context.Context, id stock.WarehouseID) (*stock.Warehouse, error) {
	wh, err := scanWarehouse(s.pool.QueryRow(ctx, warehouseSelect+" WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, stock.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get warehouse: %w", err)
	}
	return &wh, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]stock.Warehouse, error) {
	rows, err := s.pool.Query(ctx, warehouseSelect+" ORDER BY id")
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

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures. fn may run more than once and must not keep state across runs.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isCode(err, codeSerializationFailure) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", stock.ErrTransactionFailed, err)
}

func (s *Store) runTx(ctx context.Context, fn func(stock.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) AppendBatch(ctx context.Context, rows []stock.LedgerEntry) error {
	return appendRows(ctx, ts.tx, rows)
}

func (ts *txStore) SumQuantity(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, error) {
	return sumQuantity(ctx, ts.tx, q)
}

func (ts *txStore) AvgRate(ctx context.Context, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	return avgRate(ctx, ts.tx, q)
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
	_, err := s.pool.Exec(ctx, "TRUNCATE ledger_entries, stock_entries, warehouses, items RESTART IDENTITY")
	return err
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
