// Package store provides in-process stock.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	rows        []stock.LedgerEntry
	seq         int64
	idempotency map[string]bool
	entries     map[stock.EntryID]*stock.StockEntry

	// Masters have their own lock so catalog reads never wait on WithTx.
	catMu      sync.RWMutex
	items      map[stock.ItemID]stock.Item
	warehouses map[stock.WarehouseID]stock.Warehouse
}

func NewMemory() *Memory {
	return &Memory{
		idempotency: make(map[string]bool),
		entries:     make(map[stock.EntryID]*stock.StockEntry),
		items:       make(map[stock.ItemID]stock.Item),
		warehouses:  make(map[stock.WarehouseID]stock.Warehouse),
	}
}

// =============================================================================
// LEDGER (stock.LedgerStore)
// =============================================================================

// AppendBatch adds rows atomically. Append-only.
func (m *Memory) AppendBatch(_ context.Context, rows []stock.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rows)
}

func (m *Memory) appendLocked(rows []stock.LedgerEntry) error {
	// Check all idempotency keys first (atomic check)
	batch := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[r.IdempotencyKey] || batch[r.IdempotencyKey] {
			return stock.ErrDuplicateIdempotencyKey
		}
		batch[r.IdempotencyKey] = true
	}

	for _, r := range rows {
		m.seq++
		r.Seq = m.seq
		m.rows = append(m.rows, r)
		if r.IdempotencyKey != "" {
			m.idempotency[r.IdempotencyKey] = true
		}
	}
	return nil
}

func (m *Memory) SumQuantity(_ context.Context, q stock.LedgerQuery) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalsLocked(q).Quantity, nil
}

func (m *Memory) AvgRate(_ context.Context, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	avg, ok := m.totalsLocked(q).AvgRate()
	return avg, ok, nil
}

func (m *Memory) DistinctPairs(_ context.Context, q stock.LedgerQuery) ([]stock.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairsLocked(q), nil
}

func (m *Memory) Entries(_ context.Context, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(q), nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) totalsLocked(q stock.LedgerQuery) stock.Totals {
	var t stock.Totals
	for _, r := range m.rows {
		if q.Matches(r) {
			t.Add(r)
		}
	}
	return t
}

func (m *Memory) pairsLocked(q stock.LedgerQuery) []stock.Pair {
	seen := make(map[stock.Pair]bool)
	var pairs []stock.Pair
	for _, r := range m.rows {
		if q.Matches(r) && !seen[r.Pair()] {
			seen[r.Pair()] = true
			pairs = append(pairs, r.Pair())
		}
	}
	return pairs
}

func (m *Memory) entriesLocked(q stock.LedgerQuery) []stock.LedgerEntry {
	var result []stock.LedgerEntry
	for _, r := range m.rows {
		if q.Matches(r) {
			result = append(result, r)
		}
	}
	return result
}

// =============================================================================
// ENTRIES (stock.EntryStore)
// =============================================================================

func (m *Memory) SaveEntry(_ context.Context, e *stock.StockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e.Clone()
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id stock.EntryID) (*stock.StockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntryLocked(id)
}

func (m *Memory) getEntryLocked(id stock.EntryID) (*stock.StockEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, stock.ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) ListEntries(_ context.Context, status stock.Status) ([]*stock.StockEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntriesLocked(status), nil
}

func (m *Memory) listEntriesLocked(status stock.Status) []*stock.StockEntry {
	var result []*stock.StockEntry
	for _, e := range m.entries {
		if status == "" || e.Status == status {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// =============================================================================
// CATALOG (stock.Catalog)
// =============================================================================

func (m *Memory) CreateItem(_ context.Context, item stock.Item) error {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return stock.ErrAlreadyExists
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) GetItem(_ context.Context, id stock.ItemID) (*stock.Item, error) {
	m.catMu.RLock()
	defer m.catMu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, stock.ErrNotFound
	}
	return &item, nil
}

func (m *Memory) ListItems(_ context.Context) ([]stock.Item, error) {
	m.catMu.RLock()
	defer m.catMu.RUnlock()
	items := make([]stock.Item, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *Memory) CreateWarehouse(_ context.Context, wh stock.Warehouse) error {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	if _, ok := m.warehouses[wh.ID]; ok {
		return stock.ErrAlreadyExists
	}
	m.warehouses[wh.ID] = wh
	return nil
}

func (m *Memory) GetWarehouse(_ context.Context, id stock.WarehouseID) (*stock.Warehouse, error) {
	m.catMu.RLock()
	defer m.catMu.RUnlock()
	wh, ok := m.warehouses[id]
	if !ok {
		return nil, stock.ErrNotFound
	}
	return &wh, nil
}

func (m *Memory) ListWarehouses(_ context.Context) ([]stock.Warehouse, error) {
	m.catMu.RLock()
	defer m.catMu.RUnlock()
	whs := make([]stock.Warehouse, 0, len(m.warehouses))
	for _, wh := range m.warehouses {
		whs = append(whs, wh)
	}
	sort.Slice(whs, func(i, j int) bool { return whs[i].ID < whs[j].ID })
	return whs, nil
}

// =============================================================================
// TRANSACTIONS (stock.Store.WithTx)
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so fn must only use the Tx it is given.
func (m *Memory) WithTx(_ context.Context, fn func(stock.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	rows        []stock.LedgerEntry
	seq         int64
	idempotency map[string]bool
	entries     map[stock.EntryID]*stock.StockEntry
}

func (m *Memory) snapshot() memorySnapshot {
	idem := make(map[string]bool, len(m.idempotency))
	for k, v := range m.idempotency {
		idem[k] = v
	}
	entries := make(map[stock.EntryID]*stock.StockEntry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v.Clone()
	}
	return memorySnapshot{
		rows:        append([]stock.LedgerEntry(nil), m.rows...),
		seq:         m.seq,
		idempotency: idem,
		entries:     entries,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.rows = s.rows
	m.seq = s.seq
	m.idempotency = s.idempotency
	m.entries = s.entries
}

// txView reads and writes the parent directly; the parent's write lock is already held.
type txView struct {
	parent *Memory
}

func (tv *txView) AppendBatch(_ context.Context, rows []stock.LedgerEntry) error {
	return tv.parent.appendLocked(rows)
}

func (tv *txView) SumQuantity(_ context.Context, q stock.LedgerQuery) (decimal.Decimal, error) {
	return tv.parent.totalsLocked(q).Quantity, nil
}

func (tv *txView) AvgRate(_ context.Context, q stock.LedgerQuery) (decimal.Decimal, bool, error) {
	avg, ok := tv.parent.totalsLocked(q).AvgRate()
	return avg, ok, nil
}

func (tv *txView) DistinctPairs(_ context.Context, q stock.LedgerQuery) ([]stock.Pair, error) {
	return tv.parent.pairsLocked(q), nil
}

func (tv *txView) Entries(_ context.Context, q stock.LedgerQuery) ([]stock.LedgerEntry, error) {
	return tv.parent.entriesLocked(q), nil
}

func (tv *txView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}

func (tv *txView) SaveEntry(_ context.Context, e *stock.StockEntry) error {
	tv.parent.entries[e.ID] = e.Clone()
	return nil
}

func (tv *txView) GetEntry(_ context.Context, id stock.EntryID) (*stock.StockEntry, error) {
	return tv.parent.getEntryLocked(id)
}

func (tv *txView) ListEntries(_ context.Context, status stock.Status) ([]*stock.StockEntry, error) {
	return tv.parent.listEntriesLocked(status), nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	m.rows = nil
	m.seq = 0
	m.idempotency = make(map[string]bool)
	m.entries = make(map[stock.EntryID]*stock.StockEntry)
	m.mu.Unlock()

	m.catMu.Lock()
	m.items = make(map[stock.ItemID]stock.Item)
	m.warehouses = make(map[stock.WarehouseID]stock.Warehouse)
	m.catMu.Unlock()
	return nil
}
