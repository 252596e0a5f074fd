package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
)

func ledgerRow(key string, item stock.ItemID, wh stock.WarehouseID, q int64, at time.Time) stock.LedgerEntry {
	return stock.LedgerEntry{
		ID:             stock.LedgerEntryID(key),
		Item:           item,
		Warehouse:      wh,
		Quantity:       decimal.NewFromInt(q),
		Rate:           decimal.NewFromInt(10),
		EntryTime:      at,
		VoucherType:    stock.VoucherStockEntry,
		IdempotencyKey: key,
	}
}

var jan1 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestMemory_AppendBatchAssignsSeq(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendBatch(ctx, []stock.LedgerEntry{
		ledgerRow("a", "W", "S", 5, jan1),
		ledgerRow("b", "W", "S", -2, jan1),
	}))

	rows, err := m.Entries(ctx, stock.LedgerQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Seq)
	assert.Equal(t, int64(2), rows[1].Seq)

	sum, err := m.SumQuantity(ctx, stock.LedgerQuery{Item: "W", Warehouse: "S"})
	require.NoError(t, err)
	assert.Equal(t, "3", sum.String())
}

func TestMemory_AppendBatchIsAtomic(t *testing.T) {
	// GIVEN: Key "a" already used
	// WHEN: A batch of "b" and "a" is appended
	// THEN: Nothing from the batch lands
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AppendBatch(ctx, []stock.LedgerEntry{ledgerRow("a", "W", "S", 5, jan1)}))

	err := m.AppendBatch(ctx, []stock.LedgerEntry{
		ledgerRow("b", "W", "S", 1, jan1),
		ledgerRow("a", "W", "S", 1, jan1),
	})
	assert.ErrorIs(t, err, stock.ErrDuplicateIdempotencyKey)

	exists, err := m.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_AvgRateAndDirection(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, ok, err := m.AvgRate(ctx, stock.LedgerQuery{Item: "W"})
	require.NoError(t, err)
	assert.False(t, ok)

	in := ledgerRow("a", "W", "S", 5, jan1)
	out := ledgerRow("b", "W", "S", -3, jan1.Add(time.Hour))
	out.Rate = decimal.NewFromInt(20)
	require.NoError(t, m.AppendBatch(ctx, []stock.LedgerEntry{in, out}))

	avg, ok, err := m.AvgRate(ctx, stock.LedgerQuery{Item: "W"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "15", avg.String())

	outgoing, err := m.SumQuantity(ctx, stock.LedgerQuery{Direction: stock.DirectionOut})
	require.NoError(t, err)
	assert.Equal(t, "-3", outgoing.String())

	before, err := m.SumQuantity(ctx, stock.LedgerQuery{Before: jan1.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "5", before.String())
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx stock.Tx) error {
		require.NoError(t, tx.AppendBatch(ctx, []stock.LedgerEntry{ledgerRow("a", "W", "S", 5, jan1)}))
		require.NoError(t, tx.SaveEntry(ctx, &stock.StockEntry{ID: "SE-1"}))

		sum, err := tx.SumQuantity(ctx, stock.LedgerQuery{})
		require.NoError(t, err)
		assert.Equal(t, "5", sum.String(), "writes are visible inside the tx")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sum, err := m.SumQuantity(ctx, stock.LedgerQuery{})
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
	_, err = m.GetEntry(ctx, "SE-1")
	assert.ErrorIs(t, err, stock.ErrNotFound)

	// Seq restarts where it was before the rolled back tx.
	require.NoError(t, m.AppendBatch(ctx, []stock.LedgerEntry{ledgerRow("a", "W", "S", 1, jan1)}))
	rows, err := m.Entries(ctx, stock.LedgerQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0].Seq)
}

func TestMemory_EntriesAreCopied(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	r := decimal.NewFromInt(5)
	e := &stock.StockEntry{ID: "SE-1", Lines: []stock.Line{{Item: "W", Quantity: decimal.NewFromInt(1), Rate: &r}}}
	require.NoError(t, m.SaveEntry(ctx, e))

	e.Lines[0].Item = "changed"
	*e.Lines[0].Rate = decimal.NewFromInt(99)

	got, err := m.GetEntry(ctx, "SE-1")
	require.NoError(t, err)
	assert.Equal(t, stock.ItemID("W"), got.Lines[0].Item)
	assert.Equal(t, "5", got.Lines[0].Rate.String())
}

func TestMemory_DistinctPairsFirstSeenOrder(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AppendBatch(ctx, []stock.LedgerEntry{
		ledgerRow("a", "W", "S", 1, jan1),
		ledgerRow("b", "G", "S", 1, jan1),
		ledgerRow("c", "W", "S", 1, jan1),
	}))

	pairs, err := m.DistinctPairs(ctx, stock.LedgerQuery{})
	require.NoError(t, err)
	assert.Equal(t, []stock.Pair{{Item: "W", Warehouse: "S"}, {Item: "G", Warehouse: "S"}}, pairs)
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.AppendBatch(ctx, []stock.LedgerEntry{ledgerRow("a", "W", "S", 1, jan1)}))
	require.NoError(t, m.CreateItem(ctx, stock.Item{ID: "W", ItemName: "W"}))

	require.NoError(t, m.Reset(ctx))

	exists, err := m.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, exists)
	items, err := m.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
