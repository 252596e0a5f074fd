package stock_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	widget  = stock.ItemID("Widget")
	gadget  = stock.ItemID("Gadget")
	stores  = stock.WarehouseID("Stores")
	goods   = stock.WarehouseID("Finished Goods")
	allWhs  = stock.WarehouseID("All Warehouses")
	unknown = stock.WarehouseID("Nowhere")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc   *stock.Service
	mem   *store.Memory
	clock *testClock
	admin stock.Actor
}

func day(month time.Month, d int) time.Time {
	return time.Date(2025, month, d, 9, 0, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, stock.ServiceConfig{})
}

func newFixtureWithConfig(t *testing.T, cfg stock.ServiceConfig) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := &testClock{now: day(time.January, 1)}
	cfg.Clock = clock.Now
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		svc:   stock.NewService(mem, cfg),
		mem:   mem,
		clock: clock,
		admin: stock.SystemActor(),
	}
	ctx := context.Background()

	for _, name := range []string{string(widget), string(gadget)} {
		_, err := f.svc.CreateItem(ctx, f.admin, stock.Item{ItemName: name})
		require.NoError(t, err)
	}
	for _, wh := range []stock.Warehouse{
		{WarehouseName: string(allWhs), Address: "HQ", IsGroup: true},
		{WarehouseName: string(stores), Address: "Dock 1", ParentWarehouse: allWhs},
		{WarehouseName: string(goods), Address: "Dock 2", ParentWarehouse: allWhs},
	} {
		_, err := f.svc.CreateWarehouse(ctx, f.admin, wh)
		require.NoError(t, err)
	}
	return f
}

func qty(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func rate(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func receipt(target stock.WarehouseID, lines ...stock.Line) *stock.StockEntry {
	return &stock.StockEntry{EntryType: stock.EntryReceipt, TargetWarehouse: target, Lines: lines}
}

func consume(source stock.WarehouseID, lines ...stock.Line) *stock.StockEntry {
	return &stock.StockEntry{EntryType: stock.EntryConsume, SourceWarehouse: source, Lines: lines}
}

func transfer(source, target stock.WarehouseID, lines ...stock.Line) *stock.StockEntry {
	return &stock.StockEntry{EntryType: stock.EntryTransfer, SourceWarehouse: source, TargetWarehouse: target, Lines: lines}
}

func line(item stock.ItemID, q string, r string) stock.Line {
	return stock.Line{Item: item, Quantity: qty(q), Rate: rate(r)}
}

// post validates and submits e at the given time.
func (f *fixture) post(t *testing.T, at time.Time, e *stock.StockEntry) *stock.StockEntry {
	t.Helper()
	ctx := context.Background()
	f.clock.Set(at)
	validated, err := f.svc.Validate(ctx, f.admin, e)
	require.NoError(t, err)
	posted, _, err := f.svc.Submit(ctx, f.admin, validated.ID)
	require.NoError(t, err)
	return posted
}

func (f *fixture) balance(t *testing.T, item stock.ItemID, wh stock.WarehouseID) string {
	t.Helper()
	b, err := stock.NewLedger(f.mem).Balance(context.Background(), stock.Pair{Item: item, Warehouse: wh})
	require.NoError(t, err)
	return b.String()
}

var seedSeq atomic.Int64

// seed appends raw ledger rows, bypassing the lifecycle.
func seed(t *testing.T, mem *store.Memory, rows ...stock.LedgerEntry) {
	t.Helper()
	for i := range rows {
		if rows[i].IdempotencyKey == "" {
			rows[i].IdempotencyKey = fmt.Sprintf("seed:%d", seedSeq.Add(1))
		}
	}
	require.NoError(t, mem.AppendBatch(context.Background(), rows))
}

func row(item stock.ItemID, wh stock.WarehouseID, q, r string, at time.Time) stock.LedgerEntry {
	return stock.LedgerEntry{
		Item:      item,
		Warehouse: wh,
		Quantity:  qty(q),
		Rate:      qty(r),
		EntryTime: at,
	}
}
