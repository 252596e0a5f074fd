/*
store.go - Persistence interfaces for the ledger, entries and masters

PURPOSE:
  Defines the interface between the domain logic and the database.
  The ledger side is append-only; aggregates are exposed as typed
  methods instead of a query builder, so the engine never depends
  on a storage dialect.

KEY INTERFACES:
  LedgerStore: Append-only ledger with SUM/AVG/DISTINCT queries
  EntryStore:  Stock Entry documents (status, normalized lines)
  Catalog:     Item and Warehouse masters
  Store:       All of the above plus WithTx

APPEND-ONLY CONTRACT:
  - AppendBatch(): Atomic multi-row write, the ONLY ledger write
  - NO Update() or Delete() on ledger rows
  - Cancellation writes sign-inverted rows

ATOMIC BATCHES:
  Posting a 3-line Transfer writes 6 rows. Either all 6 land or none do.
  WithTx extends this to the entry status update: the status and the rows
  commit together.

IMPLEMENTATIONS:
  - stock/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - ledger.go: Idempotency-checked wrapper over LedgerStore
  - report.go: Uses the aggregate methods
*/
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUERY - Typed filter for ledger aggregates
// =============================================================================

// Direction restricts a query to inbound or outbound rows.
type Direction int

const (
	DirectionAll Direction = iota
	DirectionIn            // quantity > 0
	DirectionOut           // quantity < 0
)

// LedgerQuery filters ledger rows. Zero values mean "no constraint".
//
//	From   entry_time >= From
//	To     entry_time <= To
//	Before entry_time <  Before
type LedgerQuery struct {
	Item      ItemID
	Warehouse WarehouseID
	VoucherID EntryID
	From      time.Time
	To        time.Time
	Before    time.Time
	Direction Direction
}

// Matches reports whether a row satisfies the query. Stores that filter
// in Go (memory, sqlite decimal sums) share this so the semantics cannot drift.
func (q LedgerQuery) Matches(le LedgerEntry) bool {
	if q.Item != "" && le.Item != q.Item {
		return false
	}
	if q.Warehouse != "" && le.Warehouse != q.Warehouse {
		return false
	}
	if q.VoucherID != "" && le.VoucherID != q.VoucherID {
		return false
	}
	if !q.From.IsZero() && le.EntryTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && le.EntryTime.After(q.To) {
		return false
	}
	if !q.Before.IsZero() && !le.EntryTime.Before(q.Before) {
		return false
	}
	switch q.Direction {
	case DirectionIn:
		return le.Quantity.IsPositive()
	case DirectionOut:
		return le.Quantity.IsNegative()
	}
	return true
}

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

type LedgerStore interface {
	// AppendBatch persists rows atomically and assigns Seq.
	// Returns ErrDuplicateIdempotencyKey if any key exists.
	AppendBatch(ctx context.Context, rows []LedgerEntry) error

	// SumQuantity returns SUM(quantity) of matching rows, zero when none match.
	SumQuantity(ctx context.Context, q LedgerQuery) (decimal.Decimal, error)

	// AvgRate returns AVG(rate) of matching rows. ok is false when none match.
	AvgRate(ctx context.Context, q LedgerQuery) (avg decimal.Decimal, ok bool, err error)

	// DistinctPairs returns the distinct (item, warehouse) pairs of matching rows.
	DistinctPairs(ctx context.Context, q LedgerQuery) ([]Pair, error)

	// Entries returns matching rows in insertion order.
	Entries(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error)

	// Exists checks if an idempotency key is already used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// ENTRY STORE - Stock Entry documents
// =============================================================================

type EntryStore interface {
	// SaveEntry inserts or replaces the document.
	SaveEntry(ctx context.Context, e *StockEntry) error

	// GetEntry returns ErrNotFound when the ID is unknown.
	GetEntry(ctx context.Context, id EntryID) (*StockEntry, error)

	// ListEntries returns entries newest first, optionally filtered by status.
	ListEntries(ctx context.Context, status Status) ([]*StockEntry, error)
}

// =============================================================================
// CATALOG - Item and Warehouse masters
// =============================================================================

type Catalog interface {
	// CreateItem returns ErrAlreadyExists when the ID is taken.
	CreateItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id ItemID) (*Item, error)
	ListItems(ctx context.Context) ([]Item, error)

	CreateWarehouse(ctx context.Context, wh Warehouse) error
	GetWarehouse(ctx context.Context, id WarehouseID) (*Warehouse, error)
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the view of the store inside WithTx.
type Tx interface {
	LedgerStore
	EntryStore
}

// Store is everything the engine needs from persistence.
type Store interface {
	Tx
	Catalog

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through Tx is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// TOTALS - Shared SUM/AVG fold for stores that aggregate in Go
// =============================================================================

// Totals accumulates SUM(quantity), SUM(rate) and COUNT over ledger rows.
type Totals struct {
	Quantity decimal.Decimal
	RateSum  decimal.Decimal
	Count    int
}

func (t *Totals) Add(le LedgerEntry) {
	t.Quantity = t.Quantity.Add(le.Quantity)
	t.RateSum = t.RateSum.Add(le.Rate)
	t.Count++
}

// AvgRate returns SUM(rate)/COUNT, or false when nothing was added.
func (t Totals) AvgRate() (decimal.Decimal, bool) {
	if t.Count == 0 {
		return decimal.Zero, false
	}
	return t.RateSum.Div(decimal.NewFromInt(int64(t.Count))), true
}
