/*
Package stock provides the warehouse inventory and stock-ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for moving stock
  between warehouses. Every receipt, consumption and transfer ends up as
  signed rows in an append-only ledger, and every balance is derived from
  that ledger. Nothing about quantity is stored on an Item.

KEY CONCEPTS IN THIS FILE (types.go):
  - Item / Warehouse identifiers
  - EntryType: Receipt, Consume, Transfer
  - Line: one movement inside a Stock Entry
  - StockEntry: the transaction document moving through the lifecycle FSM
  - LedgerEntry: an immutable signed ledger row

DESIGN PRINCIPLES:
  1. Immutability: ledger rows are never modified, only reversed
  2. Precision: quantities and rates use decimal.Decimal
  3. One timestamp per transition: every row written by a submit or a
     cancel carries the same EntryTime
  4. Warehouses are independent balance buckets; the tree is never summed

SEE ALSO:
  - validator.go: line validation rules per entry type
  - poster.go: expansion of an entry into ledger rows
  - lifecycle.go: Draft -> Validated -> Posted -> Cancelled
  - report.go: stock balance and stock ledger reports
*/
package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ItemID string
type WarehouseID string
type EntryID string
type LedgerEntryID string

// Pair is the unit of balance: one item in one warehouse.
type Pair struct {
	Item      ItemID
	Warehouse WarehouseID
}

func (p Pair) String() string { return string(p.Item) + "@" + string(p.Warehouse) }

// =============================================================================
// ENTRY TYPE
// =============================================================================

type EntryType string

const (
	EntryReceipt  EntryType = "Receipt"
	EntryConsume  EntryType = "Consume"
	EntryTransfer EntryType = "Transfer"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryReceipt, EntryConsume, EntryTransfer:
		return true
	}
	return false
}

// VoucherStockEntry is the voucher type recorded on ledger rows posted by a StockEntry.
const VoucherStockEntry = "Stock Entry"

// =============================================================================
// STOCK ENTRY - The transaction document
// =============================================================================

// Line is a single movement inside a StockEntry.
// Rate is a pointer because "no rate" and "rate 0" are different things:
// the former is a mandatory-field error, the latter a free receipt.
type Line struct {
	Item            ItemID
	Quantity        decimal.Decimal
	Rate            *decimal.Decimal
	SourceWarehouse WarehouseID
	TargetWarehouse WarehouseID
}

// RateOrZero returns the line rate, or zero when it is unset.
func (l Line) RateOrZero() decimal.Decimal {
	if l.Rate == nil {
		return decimal.Zero
	}
	return *l.Rate
}

type StockEntry struct {
	ID        EntryID
	EntryType EntryType

	// Transaction-level defaults. When set they overwrite the line values.
	SourceWarehouse WarehouseID
	TargetWarehouse WarehouseID

	Lines  []Line
	Status Status

	// One timestamp per lifecycle transition.
	ValidatedAt *time.Time
	PostedAt    *time.Time
	CancelledAt *time.Time

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pairs returns the distinct (item, warehouse) pairs the entry touches,
// in first-seen order. Lines must already be normalized.
func (e *StockEntry) Pairs() []Pair {
	seen := make(map[Pair]bool)
	var pairs []Pair
	add := func(item ItemID, wh WarehouseID) {
		if wh == "" {
			return
		}
		p := Pair{Item: item, Warehouse: wh}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	for _, l := range e.Lines {
		add(l.Item, l.SourceWarehouse)
		add(l.Item, l.TargetWarehouse)
	}
	return pairs
}

// Clone returns a deep copy so stores never share line slices or rate pointers with callers.
func (e *StockEntry) Clone() *StockEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Lines = make([]Line, len(e.Lines))
	for i, l := range e.Lines {
		if l.Rate != nil {
			r := *l.Rate
			l.Rate = &r
		}
		c.Lines[i] = l
	}
	c.ValidatedAt = cloneTime(e.ValidatedAt)
	c.PostedAt = cloneTime(e.PostedAt)
	c.CancelledAt = cloneTime(e.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// LEDGER ENTRY - Immutable signed row
// =============================================================================

// LedgerEntry is one row of the stock ledger.
// Quantity is signed: positive = stock in, negative = stock out.
type LedgerEntry struct {
	ID             LedgerEntryID
	Seq            int64 // assigned by the store, insertion order
	Item           ItemID
	Warehouse      WarehouseID
	Quantity       decimal.Decimal
	Rate           decimal.Decimal
	EntryTime      time.Time
	VoucherType    string
	VoucherID      EntryID
	IsReversal     bool
	IdempotencyKey string
	CreatedAt      time.Time
}

func (le LedgerEntry) Pair() Pair { return Pair{Item: le.Item, Warehouse: le.Warehouse} }

// =============================================================================
// MASTERS
// =============================================================================

type Item struct {
	ID        ItemID
	ItemName  string
	CreatedAt time.Time
}

// Warehouse is a node in the warehouse tree. Group warehouses only
// organize children and never hold stock.
type Warehouse struct {
	ID              WarehouseID
	WarehouseName   string
	Address         string
	ParentWarehouse WarehouseID
	IsGroup         bool
	CreatedAt       time.Time
}
