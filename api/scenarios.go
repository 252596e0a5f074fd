/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the store with realistic
	data for demos. Each scenario creates masters and posts stock entries
	over the last few weeks so the reports have something to show.

AVAILABLE SCENARIOS:

	warehouse-tree:  Items and a two-level warehouse tree, no movements
	receipts:        Receipts at two rates, a transfer and a consumption
	cancellation:    A posted consumption that was cancelled, plus a Validated draft

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create items and warehouses as the system actor
 3. Validate and submit entries with a clock stepping through past days

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "receipts"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - cmd/server/main.go: SEED_DEMO loads "receipts" at startup
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// ErrUnknownScenario is returned for scenario IDs not in the list.
var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "warehouse-tree",
		Name:        "Warehouse Tree",
		Description: "Three items and a group warehouse with three stock-holding children",
	},
	{
		ID:          "receipts",
		Name:        "Receipts and Transfers",
		Description: "Two receipts at different rates, a transfer at the average rate, a consumption",
	},
	{
		ID:          "cancellation",
		Name:        "Cancellation",
		Description: "A consumption posted then cancelled, and a Validated entry waiting for submit",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// Only actors allowed to write masters may do this.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := ActorFrom(r.Context()).Require(stock.CapWarehouseWrite); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	err := h.LoadScenarioByID(r.Context(), req.ScenarioID)
	switch {
	case errors.Is(err, ErrUnknownScenario):
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the store and loads the scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context, *scenarioRun) error
	switch id {
	case "warehouse-tree":
		load = loadWarehouseTree
	case "receipts":
		load = loadReceipts
	case "cancellation":
		load = loadCancellation
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	resetter, ok := h.Service.Store.(Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := resetter.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""

	if err := load(ctx, newScenarioRun(h.Service)); err != nil {
		return err
	}
	h.currentScenario = id
	h.Logger.InfoContext(ctx, "scenario loaded", slog.String("scenario", id))
	return nil
}

// =============================================================================
// SCENARIO RUN - service copy with a stepping clock
// =============================================================================

type scenarioRun struct {
	svc   stock.Service
	now   time.Time
	actor stock.Actor
}

// newScenarioRun starts the clock 30 days ago at 09:00 UTC.
func newScenarioRun(svc *stock.Service) *scenarioRun {
	run := &scenarioRun{svc: *svc, actor: stock.SystemActor()}
	today := svc.Clock().UTC().Truncate(24 * time.Hour)
	run.now = today.AddDate(0, 0, -30).Add(9 * time.Hour)
	run.svc.Clock = func() time.Time { return run.now }
	return run
}

func (run *scenarioRun) advance(days int) { run.now = run.now.AddDate(0, 0, days) }

func (run *scenarioRun) post(ctx context.Context, e *stock.StockEntry) (*stock.StockEntry, error) {
	validated, err := run.svc.Validate(ctx, run.actor, e)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", e.EntryType, err)
	}
	posted, _, err := run.svc.Submit(ctx, run.actor, validated.ID)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", validated.ID, err)
	}
	return posted, nil
}

func scenarioLine(item stock.ItemID, qty, rate int64) stock.Line {
	r := decimal.NewFromInt(rate)
	return stock.Line{Item: item, Quantity: decimal.NewFromInt(qty), Rate: &r}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadWarehouseTree(ctx context.Context, run *scenarioRun) error {
	for _, name := range []string{"Widget", "Gadget", "Bolt"} {
		if _, err := run.svc.CreateItem(ctx, run.actor, stock.Item{ItemName: name}); err != nil {
			return fmt.Errorf("create item %s: %w", name, err)
		}
	}
	for _, wh := range []stock.Warehouse{
		{WarehouseName: "All Warehouses", Address: "Head Office", IsGroup: true},
		{WarehouseName: "Stores", Address: "Dock 1", ParentWarehouse: "All Warehouses"},
		{WarehouseName: "Work In Progress", Address: "Shop Floor", ParentWarehouse: "All Warehouses"},
		{WarehouseName: "Finished Goods", Address: "Dock 2", ParentWarehouse: "All Warehouses"},
	} {
		if _, err := run.svc.CreateWarehouse(ctx, run.actor, wh); err != nil {
			return fmt.Errorf("create warehouse %s: %w", wh.WarehouseName, err)
		}
	}
	return nil
}

// loadReceipts leaves Widget at 70 in Stores and 25 in Finished Goods.
func loadReceipts(ctx context.Context, run *scenarioRun) error {
	if err := loadWarehouseTree(ctx, run); err != nil {
		return err
	}

	steps := []*stock.StockEntry{
		{EntryType: stock.EntryReceipt, TargetWarehouse: "Stores", Lines: []stock.Line{
			scenarioLine("Widget", 60, 10),
			scenarioLine("Bolt", 500, 1),
		}},
		{EntryType: stock.EntryReceipt, TargetWarehouse: "Stores", Lines: []stock.Line{
			scenarioLine("Widget", 40, 12),
		}},
		{EntryType: stock.EntryTransfer, SourceWarehouse: "Stores", TargetWarehouse: "Finished Goods", Lines: []stock.Line{
			scenarioLine("Widget", 30, 10),
		}},
		{EntryType: stock.EntryConsume, SourceWarehouse: "Finished Goods", Lines: []stock.Line{
			scenarioLine("Widget", 5, 11),
		}},
	}
	for _, e := range steps {
		run.advance(5)
		if _, err := run.post(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func loadCancellation(ctx context.Context, run *scenarioRun) error {
	if err := loadWarehouseTree(ctx, run); err != nil {
		return err
	}

	run.advance(2)
	if _, err := run.post(ctx, &stock.StockEntry{EntryType: stock.EntryReceipt, TargetWarehouse: "Stores", Lines: []stock.Line{
		scenarioLine("Gadget", 20, 25),
	}}); err != nil {
		return err
	}

	run.advance(3)
	consumed, err := run.post(ctx, &stock.StockEntry{EntryType: stock.EntryConsume, SourceWarehouse: "Stores", Lines: []stock.Line{
		scenarioLine("Gadget", 8, 25),
	}})
	if err != nil {
		return err
	}

	run.advance(1)
	if _, _, err := run.svc.Cancel(ctx, run.actor, consumed.ID); err != nil {
		return fmt.Errorf("cancel %s: %w", consumed.ID, err)
	}

	run.advance(1)
	_, err = run.svc.Validate(ctx, run.actor, &stock.StockEntry{EntryType: stock.EntryConsume, SourceWarehouse: "Stores", Lines: []stock.Line{
		scenarioLine("Gadget", 5, 25),
	}})
	return err
}
