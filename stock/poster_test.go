package stock_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
)

func normalizedTransfer() *stock.StockEntry {
	e := transfer(stores, goods,
		line(widget, "3", "10"),
		line(gadget, "2", "5"),
	)
	e.ID = "SE-1"
	for i := range e.Lines {
		e.Lines[i].SourceWarehouse = stores
		e.Lines[i].TargetWarehouse = goods
	}
	return e
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("row-%d", n)
	}
}

func TestPoster_ExpandReceipt(t *testing.T) {
	e := receipt(stores, line(widget, "10", "100"))
	e.ID = "SE-R"
	e.Lines[0].TargetWarehouse = stores
	at := day(time.March, 1)

	rows, err := (&stock.Poster{NewID: sequentialIDs()}).Expand(e, at)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	r := rows[0]
	assert.Equal(t, stock.LedgerEntryID("row-1"), r.ID)
	assert.Equal(t, stores, r.Warehouse)
	assert.Equal(t, "10", r.Quantity.String())
	assert.Equal(t, "100", r.Rate.String())
	assert.Equal(t, at, r.EntryTime)
	assert.Equal(t, stock.VoucherStockEntry, r.VoucherType)
	assert.Equal(t, stock.EntryID("SE-R"), r.VoucherID)
	assert.False(t, r.IsReversal)
	assert.Equal(t, "SE-R:post:0:0", r.IdempotencyKey)
}

func TestPoster_ExpandConsume(t *testing.T) {
	e := consume(stores, line(widget, "4", "10"))
	e.ID = "SE-C"
	e.Lines[0].SourceWarehouse = stores

	rows, err := stock.NewPoster().Expand(e, day(time.March, 1))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, stores, rows[0].Warehouse)
	assert.Equal(t, "-4", rows[0].Quantity.String())
}

func TestPoster_ExpandTransfer_TwoLegsPerLine(t *testing.T) {
	// GIVEN: A 2-line transfer
	// WHEN: Expanding
	// THEN: 4 rows, source leg first, each line nets to zero
	rows, err := stock.NewPoster().Expand(normalizedTransfer(), day(time.March, 1))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, stores, rows[0].Warehouse)
	assert.Equal(t, "-3", rows[0].Quantity.String())
	assert.Equal(t, goods, rows[1].Warehouse)
	assert.Equal(t, "3", rows[1].Quantity.String())
	assert.Equal(t, "SE-1:post:0:0", rows[0].IdempotencyKey)
	assert.Equal(t, "SE-1:post:0:1", rows[1].IdempotencyKey)
	assert.Equal(t, "SE-1:post:1:0", rows[2].IdempotencyKey)

	assert.True(t, rows[0].Quantity.Add(rows[1].Quantity).IsZero())
	assert.True(t, rows[2].Quantity.Add(rows[3].Quantity).IsZero())
	assert.Equal(t, rows[0].EntryTime, rows[3].EntryTime)
}

func TestPoster_ReversalNetsToZero(t *testing.T) {
	// GIVEN: A transfer's posting rows
	// WHEN: Adding its reversal rows
	// THEN: Every (item, warehouse) sums to zero
	e := normalizedTransfer()
	p := stock.NewPoster()

	posted, err := p.Expand(e, day(time.March, 1))
	require.NoError(t, err)
	reversed, err := p.ExpandReversal(e, day(time.March, 2))
	require.NoError(t, err)
	require.Len(t, reversed, len(posted))

	assert.Equal(t, goods, reversed[0].Warehouse, "reversal starts with the target leg")
	assert.Equal(t, "-3", reversed[0].Quantity.String())
	assert.True(t, reversed[0].IsReversal)
	assert.Equal(t, "SE-1:cancel:0:0", reversed[0].IdempotencyKey)

	for pair, net := range stock.NetByPair(append(posted, reversed...)) {
		assert.True(t, net.IsZero(), "pair %s nets to %s", pair, net)
	}
}

func TestPoster_PostTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	ledger := stock.NewLedger(store.NewMemory())
	p := stock.NewPoster()
	e := normalizedTransfer()

	rows, err := p.Expand(e, day(time.March, 1))
	require.NoError(t, err)
	require.NoError(t, p.Post(ctx, ledger, rows))

	again, err := p.Expand(e, day(time.March, 1))
	require.NoError(t, err)
	err = p.Post(ctx, ledger, again)
	assert.ErrorIs(t, err, stock.ErrDuplicateIdempotencyKey)

	all, err := ledger.Voucher(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPoster_MissingRateIsZero(t *testing.T) {
	e := receipt(stores, stock.Line{Item: widget, Quantity: qty("1"), TargetWarehouse: stores})
	e.ID = "SE-Z"

	rows, err := stock.NewPoster().Expand(e, day(time.March, 1))
	require.NoError(t, err)
	assert.True(t, rows[0].Rate.IsZero())
}
