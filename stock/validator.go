/*
validator.go - Stock movement validation

PURPOSE:
  Validates and normalizes each line of a Stock Entry before anything
  is written to the ledger. Normalization means filling warehouses from
  the entry-level defaults; validation means the rules below.

RULES PER ENTRY TYPE:
  Common:   quantity > 0, rate present (and not negative)
  Receipt:  target required, source forbidden
  Consume:  source required, target forbidden, enough stock in source
  Transfer: source and target required and different, enough stock in
            source, rate replaced by the source's average rate

TIE-BREAK:
  When both the entry default and the line value are set, the entry
  default wins. The line value is overwritten, not merely filled in.

STOCK CHECK:
  available = SUM(quantity) for (item, source) + what earlier lines of the
  same entry already staged for that pair. The comparison is exact decimal:
  4.5 available does not satisfy a request for 5.

SEE ALSO:
  - errors.go: Error types returned here
  - lifecycle.go: Runs ValidateEntry on Validate and again on Submit
*/
package stock

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// RateOverwrite selects which entry types take the source warehouse's
// historical average rate instead of the rate on the line.
type RateOverwrite string

const (
	RateOverwriteTransfer           RateOverwrite = "transfer"
	RateOverwriteTransferAndConsume RateOverwrite = "transfer_and_consume"
	RateOverwriteNever              RateOverwrite = "never"
)

type ValidatorConfig struct {
	RateOverwrite RateOverwrite
}

type Validator struct {
	Config ValidatorConfig

	// Catalog is optional. When set, items and warehouses must exist and
	// warehouses must not be groups.
	Catalog Catalog
}

func NewValidator(cfg ValidatorConfig, catalog Catalog) *Validator {
	if cfg.RateOverwrite == "" {
		cfg.RateOverwrite = RateOverwriteTransfer
	}
	return &Validator{Config: cfg, Catalog: catalog}
}

// withoutCatalog is used on Submit: masters cannot be deleted, so what
// existed at Validate still exists.
func (v *Validator) withoutCatalog() *Validator {
	return &Validator{Config: v.Config}
}

// =============================================================================
// ENTRY VALIDATION
// =============================================================================

// ValidateEntry validates every line in order and stops at the first failure.
// Lines are normalized in place.
func (v *Validator) ValidateEntry(ctx context.Context, ledger BalanceReader, e *StockEntry) error {
	if !e.EntryType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEntryType, e.EntryType)
	}
	if len(e.Lines) == 0 {
		return ErrEmptyEntry
	}

	pending := make(map[Pair]decimal.Decimal)
	for i := range e.Lines {
		if err := v.ValidateLine(ctx, ledger, e, i, pending); err != nil {
			return &LineError{Index: i + 1, Item: e.Lines[i].Item, Err: err}
		}
	}
	return nil
}

// ValidateLine validates line i of e. pending carries the signed quantities
// staged by earlier lines and is updated when the line passes.
func (v *Validator) ValidateLine(ctx context.Context, ledger BalanceReader, e *StockEntry, i int, pending map[Pair]decimal.Decimal) error {
	line := &e.Lines[i]

	if err := v.validateItemMetadata(ctx, line); err != nil {
		return err
	}

	var err error
	switch e.EntryType {
	case EntryReceipt:
		err = v.validateReceipt(e, line)
	case EntryConsume:
		err = v.validateConsume(ctx, ledger, e, line, pending)
	case EntryTransfer:
		err = v.validateTransfer(ctx, ledger, e, line, pending)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntryType, e.EntryType)
	}
	if err != nil {
		return err
	}

	if err := v.validateWarehouses(ctx, line); err != nil {
		return err
	}

	stage(pending, e.EntryType, line)
	return nil
}

// =============================================================================
// RULES
// =============================================================================

func (v *Validator) validateItemMetadata(ctx context.Context, line *Line) error {
	if line.Item == "" {
		return &FieldError{Field: "item", Message: "Item is mandatory"}
	}
	if !line.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if line.Rate == nil {
		return &FieldError{Field: "rate", Message: "Rate is mandatory"}
	}
	if line.Rate.IsNegative() {
		return ErrInvalidRate
	}
	if v.Catalog != nil {
		if _, err := v.Catalog.GetItem(ctx, line.Item); err != nil {
			return fmt.Errorf("item %s: %w", line.Item, err)
		}
	}
	return nil
}

func (v *Validator) validateReceipt(e *StockEntry, line *Line) error {
	if e.TargetWarehouse == "" && line.TargetWarehouse == "" {
		return &FieldError{Field: "target_warehouse", Message: "Target Warehouse is mandatory for receipt"}
	}
	if e.TargetWarehouse != "" {
		line.TargetWarehouse = e.TargetWarehouse
	}
	if e.SourceWarehouse != "" || line.SourceWarehouse != "" {
		return &RuleError{Rule: ErrWarehouseNotAllowed, Message: "Source Warehouse is not allowed for receipt"}
	}
	return nil
}

func (v *Validator) validateConsume(ctx context.Context, ledger BalanceReader, e *StockEntry, line *Line, pending map[Pair]decimal.Decimal) error {
	if e.SourceWarehouse == "" && line.SourceWarehouse == "" {
		return &FieldError{Field: "source_warehouse", Message: "Source Warehouse is mandatory for consume"}
	}
	if e.SourceWarehouse != "" {
		line.SourceWarehouse = e.SourceWarehouse
	}
	if e.TargetWarehouse != "" || line.TargetWarehouse != "" {
		return &RuleError{Rule: ErrWarehouseNotAllowed, Message: "Target Warehouse is not allowed for consume"}
	}

	if err := v.checkStock(ctx, ledger, line, pending); err != nil {
		return err
	}
	if v.Config.RateOverwrite == RateOverwriteTransferAndConsume {
		return v.overwriteRate(ctx, ledger, line)
	}
	return nil
}

func (v *Validator) validateTransfer(ctx context.Context, ledger BalanceReader, e *StockEntry, line *Line, pending map[Pair]decimal.Decimal) error {
	if e.TargetWarehouse == "" && line.TargetWarehouse == "" {
		return &FieldError{Field: "target_warehouse", Message: "Target Warehouse is mandatory for transfer"}
	}
	if e.TargetWarehouse != "" {
		line.TargetWarehouse = e.TargetWarehouse
	}
	if e.SourceWarehouse == "" && line.SourceWarehouse == "" {
		return &FieldError{Field: "source_warehouse", Message: "Source Warehouse is mandatory for transfer"}
	}
	if e.SourceWarehouse != "" {
		line.SourceWarehouse = e.SourceWarehouse
	}
	if line.SourceWarehouse == line.TargetWarehouse {
		return &RuleError{Rule: ErrSameWarehouse, Message: "Source and Target Warehouse cannot be the same"}
	}

	if err := v.checkStock(ctx, ledger, line, pending); err != nil {
		return err
	}
	if v.Config.RateOverwrite != RateOverwriteNever {
		return v.overwriteRate(ctx, ledger, line)
	}
	return nil
}

// checkStock fails when the source balance, including what earlier lines
// staged, is below the requested quantity.
func (v *Validator) checkStock(ctx context.Context, ledger BalanceReader, line *Line, pending map[Pair]decimal.Decimal) error {
	pair := Pair{Item: line.Item, Warehouse: line.SourceWarehouse}
	balance, err := ledger.Balance(ctx, pair)
	if err != nil {
		return fmt.Errorf("read balance %s: %w", pair, err)
	}
	available := balance.Add(pending[pair])
	if line.Quantity.GreaterThan(available) {
		return &InsufficientStockError{
			Item:      line.Item,
			Warehouse: line.SourceWarehouse,
			Available: available,
			Requested: line.Quantity,
		}
	}
	return nil
}

func (v *Validator) overwriteRate(ctx context.Context, ledger BalanceReader, line *Line) error {
	avg, ok, err := ledger.AverageRate(ctx, Pair{Item: line.Item, Warehouse: line.SourceWarehouse})
	if err != nil {
		return fmt.Errorf("read average rate: %w", err)
	}
	// A zero average leaves the line rate as entered.
	if ok && !avg.IsZero() {
		line.Rate = &avg
	}
	return nil
}

func (v *Validator) validateWarehouses(ctx context.Context, line *Line) error {
	if v.Catalog == nil {
		return nil
	}
	for _, id := range []WarehouseID{line.SourceWarehouse, line.TargetWarehouse} {
		if id == "" {
			continue
		}
		wh, err := v.Catalog.GetWarehouse(ctx, id)
		if err != nil {
			return fmt.Errorf("warehouse %s: %w", id, err)
		}
		if wh.IsGroup {
			return &RuleError{Rule: ErrGroupWarehouse, Message: fmt.Sprintf("Warehouse %s is a group warehouse and cannot hold stock", id)}
		}
	}
	return nil
}

// stage records the line's effect on balances for the following lines.
func stage(pending map[Pair]decimal.Decimal, t EntryType, line *Line) {
	add := func(wh WarehouseID, q decimal.Decimal) {
		p := Pair{Item: line.Item, Warehouse: wh}
		pending[p] = pending[p].Add(q)
	}
	switch t {
	case EntryReceipt:
		add(line.TargetWarehouse, line.Quantity)
	case EntryConsume:
		add(line.SourceWarehouse, line.Quantity.Neg())
	case EntryTransfer:
		add(line.SourceWarehouse, line.Quantity.Neg())
		add(line.TargetWarehouse, line.Quantity)
	}
}
