/*
ledger.go - Append-only stock ledger

PURPOSE:
  The Ledger is the immutable source of truth for all stock. Every
  receipt, consumption, transfer leg and reversal is a row here.
  A balance is always SUM(quantity) for an (item, warehouse) pair;
  there is no separate "qty on hand" field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, rows cannot be modified
  3. IDEMPOTENT: Same idempotency key = same row (no double posting)

CORRECTIONS:
  Cancelling a Stock Entry does not delete its rows. It appends the
  sign-inverted rows, so the history shows both and the net is zero:

  Receipt  W1 +10
  Cancel   W1 -10
  SUM(W1) = 0

SEE ALSO:
  - store.go: Low-level persistence interface
  - poster.go: Builds the rows appended here
*/
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceReader is what the Validator needs from the ledger.
type BalanceReader interface {
	Balance(ctx context.Context, pair Pair) (decimal.Decimal, error)
	AverageRate(ctx context.Context, pair Pair) (decimal.Decimal, bool, error)
}

// =============================================================================
// LEDGER - Idempotency-checked wrapper over a LedgerStore
// =============================================================================

type Ledger struct {
	Store LedgerStore
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store}
}

// AppendBatch adds rows atomically after checking every idempotency key,
// both against the store and within the batch itself.
func (l *Ledger) AppendBatch(ctx context.Context, rows []LedgerEntry) error {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.IdempotencyKey == "" {
			continue
		}
		if seen[row.IdempotencyKey] {
			return ErrDuplicateIdempotencyKey
		}
		seen[row.IdempotencyKey] = true

		exists, err := l.Store.Exists(ctx, row.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendBatch(ctx, rows)
}

// Balance is the current SUM(quantity) for the pair.
func (l *Ledger) Balance(ctx context.Context, pair Pair) (decimal.Decimal, error) {
	return l.Store.SumQuantity(ctx, LedgerQuery{Item: pair.Item, Warehouse: pair.Warehouse})
}

// BalanceAt is SUM(quantity) for rows with entry_time <= at.
func (l *Ledger) BalanceAt(ctx context.Context, pair Pair, at time.Time) (decimal.Decimal, error) {
	return l.Store.SumQuantity(ctx, LedgerQuery{Item: pair.Item, Warehouse: pair.Warehouse, To: at})
}

// AverageRate is AVG(rate) over every row of the pair.
func (l *Ledger) AverageRate(ctx context.Context, pair Pair) (decimal.Decimal, bool, error) {
	return l.Store.AvgRate(ctx, LedgerQuery{Item: pair.Item, Warehouse: pair.Warehouse})
}

// Voucher returns the rows posted by one Stock Entry, post and reversal alike.
func (l *Ledger) Voucher(ctx context.Context, id EntryID) ([]LedgerEntry, error) {
	return l.Store.Entries(ctx, LedgerQuery{VoucherID: id})
}
