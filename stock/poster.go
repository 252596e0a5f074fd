/*
poster.go - Expands a validated Stock Entry into signed ledger rows

EXPANSION (submit):
  Receipt   1 row per line   target  +q
  Consume   1 row per line   source  -q
  Transfer  2 rows per line  source  -q, then target +q

REVERSAL (cancel):
  Same shape, inverted sign. Transfer emits target -q first, then
  source +q, so every (warehouse, sign) pair of the posting has its
  mirror. Summing post and reversal per (item, warehouse) gives zero.

All rows of one expansion share the timestamp passed in. The Poster
never reads the ledger; rows reach it through Ledger.AppendBatch
inside the caller's WithTx.
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type postPhase string

const (
	phasePost   postPhase = "post"
	phaseCancel postPhase = "cancel"
)

type Poster struct {
	// NewID generates ledger row IDs. Defaults to UUIDv4.
	NewID func() string
}

func NewPoster() *Poster {
	return &Poster{NewID: uuid.NewString}
}

// Expand builds the rows written when e is submitted.
func (p *Poster) Expand(e *StockEntry, at time.Time) ([]LedgerEntry, error) {
	return p.expand(e, at, phasePost)
}

// ExpandReversal builds the rows written when e is cancelled.
func (p *Poster) ExpandReversal(e *StockEntry, at time.Time) ([]LedgerEntry, error) {
	return p.expand(e, at, phaseCancel)
}

// Post appends rows through the ledger's idempotency checks.
func (p *Poster) Post(ctx context.Context, ledger *Ledger, rows []LedgerEntry) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ledger.AppendBatch(ctx, rows); err != nil {
		return fmt.Errorf("append ledger rows: %w", err)
	}
	return nil
}

type leg struct {
	warehouse WarehouseID
	quantity  decimal.Decimal
}

func (p *Poster) expand(e *StockEntry, at time.Time, phase postPhase) ([]LedgerEntry, error) {
	reversal := phase == phaseCancel
	rows := make([]LedgerEntry, 0, len(e.Lines)*2)

	for i, line := range e.Lines {
		q := line.Quantity
		var legs []leg
		switch e.EntryType {
		case EntryReceipt:
			legs = []leg{{line.TargetWarehouse, q}}
		case EntryConsume:
			legs = []leg{{line.SourceWarehouse, q.Neg()}}
		case EntryTransfer:
			legs = []leg{{line.SourceWarehouse, q.Neg()}, {line.TargetWarehouse, q}}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntryType, e.EntryType)
		}

		if reversal {
			inverted := make([]leg, len(legs))
			for j, l := range legs {
				inverted[len(legs)-1-j] = leg{l.warehouse, l.quantity.Neg()}
			}
			legs = inverted
		}

		for j, l := range legs {
			if l.warehouse == "" {
				return nil, fmt.Errorf("row %d: %w", i+1, &FieldError{Field: "warehouse"})
			}
			rows = append(rows, LedgerEntry{
				ID:             LedgerEntryID(p.newID()),
				Item:           line.Item,
				Warehouse:      l.warehouse,
				Quantity:       l.quantity,
				Rate:           line.RateOrZero(),
				EntryTime:      at,
				VoucherType:    VoucherStockEntry,
				VoucherID:      e.ID,
				IsReversal:     reversal,
				IdempotencyKey: fmt.Sprintf("%s:%s:%d:%d", e.ID, phase, i, j),
				CreatedAt:      at,
			})
		}
	}
	return rows, nil
}

func (p *Poster) newID() string {
	if p.NewID == nil {
		return uuid.NewString()
	}
	return p.NewID()
}

// NetByPair sums row quantities per pair.
func NetByPair(rows []LedgerEntry) map[Pair]decimal.Decimal {
	net := make(map[Pair]decimal.Decimal)
	for _, r := range rows {
		net[r.Pair()] = net[r.Pair()].Add(r.Quantity)
	}
	return net
}
