/*
report.go - Stock Balance and Stock Ledger reports

STOCK BALANCE:
  One row per distinct (item, warehouse) with at least one ledger row in
  [From, To]:

    opening_stock   SUM(q)   entry_time <  From
    incoming_stock  SUM(q)   From <= entry_time <= To, q > 0
    outgoing_stock  |SUM(q)| From <= entry_time <= To, q < 0
    closing_stock   SUM(q)   entry_time <= To
    valuation_rate  AVG(rate) From <= entry_time <= To

  Missing aggregates are 0. Rows are ordered by item, then warehouse.
  Pairs are aggregated concurrently; each pair is independent.

STOCK LEDGER:
  Raw rows filtered by item, warehouse and an optional range, in
  insertion order. No aggregation.
*/
package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const defaultReportConcurrency = 4

// ReportFilter selects ledger rows for the reports. Item and Warehouse are optional.
type ReportFilter struct {
	Item      ItemID
	Warehouse WarehouseID
	From      time.Time
	To        time.Time
}

func (f ReportFilter) validateRange() error {
	if f.From.IsZero() || f.To.IsZero() {
		return fmt.Errorf("%w: from_date and to_date are mandatory", ErrInvalidRange)
	}
	if f.To.Before(f.From) {
		return fmt.Errorf("%w: to_date %s before from_date %s", ErrInvalidRange,
			f.To.Format(time.RFC3339), f.From.Format(time.RFC3339))
	}
	return nil
}

type BalanceRow struct {
	Item          ItemID
	Warehouse     WarehouseID
	OpeningStock  decimal.Decimal
	IncomingStock decimal.Decimal
	OutgoingStock decimal.Decimal
	ClosingStock  decimal.Decimal
	ValuationRate decimal.Decimal
}

// Column describes one column of a report's fixed schema.
type Column struct {
	FieldName string `json:"fieldname"`
	Label     string `json:"label"`
	FieldType string `json:"fieldtype"`
	Options   string `json:"options,omitempty"`
	Width     int    `json:"width"`
}

var BalanceColumns = []Column{
	{FieldName: "item", Label: "Item", FieldType: "Link", Options: "Item", Width: 200},
	{FieldName: "warehouse", Label: "Warehouse", FieldType: "Link", Options: "Warehouse", Width: 200},
	{FieldName: "opening_stock", Label: "Opening Stock", FieldType: "Float", Width: 200},
	{FieldName: "incoming_stock", Label: "Incoming Stock", FieldType: "Float", Width: 200},
	{FieldName: "outgoing_stock", Label: "Outgoing Stock", FieldType: "Float", Width: 200},
	{FieldName: "closing_stock", Label: "Closing Stock", FieldType: "Float", Width: 200},
	{FieldName: "valuation_rate", Label: "Valuation Rate", FieldType: "Float", Width: 200},
}

var LedgerColumns = []Column{
	{FieldName: "item", Label: "Item", FieldType: "Link", Options: "Item", Width: 200},
	{FieldName: "warehouse", Label: "Warehouse", FieldType: "Link", Options: "Warehouse", Width: 200},
	{FieldName: "entry_time", Label: "Entry Time", FieldType: "DateTime", Width: 200},
	{FieldName: "quantity", Label: "Quantity", FieldType: "Float", Width: 200},
	{FieldName: "rate", Label: "Rate", FieldType: "Float", Width: 200},
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	Store       LedgerStore
	Concurrency int
}

func NewAggregator(store LedgerStore, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultReportConcurrency
	}
	return &Aggregator{Store: store, Concurrency: concurrency}
}

// StockBalance computes one BalanceRow per pair active in the window.
func (a *Aggregator) StockBalance(ctx context.Context, f ReportFilter) ([]BalanceRow, error) {
	if err := f.validateRange(); err != nil {
		return nil, err
	}

	pairs, err := a.Store.DistinctPairs(ctx, LedgerQuery{
		Item:      f.Item,
		Warehouse: f.Warehouse,
		From:      f.From,
		To:        f.To,
	})
	if err != nil {
		return nil, fmt.Errorf("distinct pairs: %w", err)
	}
	SortPairs(pairs)

	rows := make([]BalanceRow, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.Concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			row, err := a.balanceRow(gctx, p, f.From, f.To)
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", p, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *Aggregator) balanceRow(ctx context.Context, p Pair, from, to time.Time) (BalanceRow, error) {
	base := LedgerQuery{Item: p.Item, Warehouse: p.Warehouse}
	row := BalanceRow{Item: p.Item, Warehouse: p.Warehouse}

	opening := base
	opening.Before = from
	window := base
	window.From, window.To = from, to
	incoming := window
	incoming.Direction = DirectionIn
	outgoing := window
	outgoing.Direction = DirectionOut
	closing := base
	closing.To = to

	var err error
	if row.OpeningStock, err = a.Store.SumQuantity(ctx, opening); err != nil {
		return row, err
	}
	if row.IncomingStock, err = a.Store.SumQuantity(ctx, incoming); err != nil {
		return row, err
	}
	out, err := a.Store.SumQuantity(ctx, outgoing)
	if err != nil {
		return row, err
	}
	row.OutgoingStock = out.Abs()
	if row.ClosingStock, err = a.Store.SumQuantity(ctx, closing); err != nil {
		return row, err
	}
	avg, ok, err := a.Store.AvgRate(ctx, window)
	if err != nil {
		return row, err
	}
	if ok {
		row.ValuationRate = avg
	}
	return row, nil
}

// StockLedger lists raw rows. From and To are each optional here.
func (a *Aggregator) StockLedger(ctx context.Context, f ReportFilter) ([]LedgerEntry, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: to_date before from_date", ErrInvalidRange)
	}
	return a.Store.Entries(ctx, LedgerQuery{
		Item:      f.Item,
		Warehouse: f.Warehouse,
		From:      f.From,
		To:        f.To,
	})
}

// SortPairs orders pairs by item, then warehouse.
func SortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Item != pairs[j].Item {
			return pairs[i].Item < pairs[j].Item
		}
		return pairs[i].Warehouse < pairs[j].Warehouse
	})
}

// =============================================================================
// SERVICE ENTRY POINTS
// =============================================================================

func (s *Service) StockBalance(ctx context.Context, actor Actor, f ReportFilter) ([]BalanceRow, error) {
	if err := actor.Require(CapReportRead); err != nil {
		return nil, err
	}
	return s.Aggregator.StockBalance(ctx, f)
}

func (s *Service) StockLedger(ctx context.Context, actor Actor, f ReportFilter) ([]LedgerEntry, error) {
	if err := actor.Require(CapReportRead); err != nil {
		return nil, err
	}
	return s.Aggregator.StockLedger(ctx, f)
}
