package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
)

func validate(t *testing.T, f *fixture, cfg stock.ValidatorConfig, e *stock.StockEntry) error {
	t.Helper()
	v := stock.NewValidator(cfg, f.mem)
	return v.ValidateEntry(context.Background(), stock.NewLedger(f.mem), e)
}

// =============================================================================
// ENTRY-LEVEL CHECKS
// =============================================================================

func TestValidator_UnknownEntryType(t *testing.T) {
	f := newFixture(t)
	e := &stock.StockEntry{EntryType: "Scrap", Lines: []stock.Line{line(widget, "1", "1")}}

	err := validate(t, f, stock.ValidatorConfig{}, e)
	assert.ErrorIs(t, err, stock.ErrUnknownEntryType)
}

func TestValidator_EmptyEntry(t *testing.T) {
	f := newFixture(t)

	err := validate(t, f, stock.ValidatorConfig{}, receipt(stores))
	assert.ErrorIs(t, err, stock.ErrEmptyEntry)
}

// =============================================================================
// COMMON LINE RULES
// =============================================================================

func TestValidator_LineMetadata(t *testing.T) {
	tests := []struct {
		name string
		line stock.Line
		want error
	}{
		{"missing item", stock.Line{Quantity: qty("1"), Rate: rate("1")}, stock.ErrMandatoryField},
		{"zero quantity", line(widget, "0", "1"), stock.ErrInvalidQuantity},
		{"negative quantity", line(widget, "-2", "1"), stock.ErrInvalidQuantity},
		{"missing rate", stock.Line{Item: widget, Quantity: qty("1")}, stock.ErrMandatoryField},
		{"negative rate", line(widget, "1", "-0.01"), stock.ErrInvalidRate},
		{"unknown item", line("Sprocket", "1", "1"), stock.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := validate(t, f, stock.ValidatorConfig{}, receipt(stores, tt.line))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var lineErr *stock.LineError
			require.ErrorAs(t, err, &lineErr)
			assert.Equal(t, 1, lineErr.Index)
		})
	}
}

func TestValidator_ZeroRateIsAllowed(t *testing.T) {
	f := newFixture(t)
	err := validate(t, f, stock.ValidatorConfig{}, receipt(stores, line(widget, "3", "0")))
	assert.NoError(t, err)
}

func TestValidator_FirstFailingLineAborts(t *testing.T) {
	// GIVEN: An entry whose second line has no rate
	// WHEN: Validating
	// THEN: The error points at row 2
	f := newFixture(t)
	e := receipt(stores,
		line(widget, "1", "1"),
		stock.Line{Item: gadget, Quantity: qty("1")},
	)

	err := validate(t, f, stock.ValidatorConfig{}, e)

	var lineErr *stock.LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 2, lineErr.Index)
	assert.Equal(t, gadget, lineErr.Item)
	assert.Contains(t, err.Error(), "Rate is mandatory")
}

// =============================================================================
// RECEIPT
// =============================================================================

func TestValidator_Receipt_RequiresTarget(t *testing.T) {
	f := newFixture(t)
	err := validate(t, f, stock.ValidatorConfig{}, receipt("", line(widget, "1", "1")))

	assert.ErrorIs(t, err, stock.ErrMandatoryField)
	assert.Contains(t, err.Error(), "Target Warehouse is mandatory for receipt")
}

func TestValidator_Receipt_ForbidsSource(t *testing.T) {
	f := newFixture(t)
	l := line(widget, "1", "1")
	l.SourceWarehouse = goods

	err := validate(t, f, stock.ValidatorConfig{}, receipt(stores, l))
	assert.ErrorIs(t, err, stock.ErrWarehouseNotAllowed)
}

func TestValidator_Receipt_EntryDefaultOverwritesLine(t *testing.T) {
	// GIVEN: Entry target is Stores, line target is Finished Goods
	// WHEN: Validating
	// THEN: The line is normalized to Stores
	f := newFixture(t)
	l := line(widget, "1", "1")
	l.TargetWarehouse = goods
	e := receipt(stores, l)

	require.NoError(t, validate(t, f, stock.ValidatorConfig{}, e))
	assert.Equal(t, stores, e.Lines[0].TargetWarehouse)
}

func TestValidator_Receipt_LineTargetUsedWithoutDefault(t *testing.T) {
	f := newFixture(t)
	l := line(widget, "1", "1")
	l.TargetWarehouse = goods
	e := receipt("", l)

	require.NoError(t, validate(t, f, stock.ValidatorConfig{}, e))
	assert.Equal(t, goods, e.Lines[0].TargetWarehouse)
}

func TestValidator_GroupWarehouseCannotHoldStock(t *testing.T) {
	f := newFixture(t)
	err := validate(t, f, stock.ValidatorConfig{}, receipt(allWhs, line(widget, "1", "1")))
	assert.ErrorIs(t, err, stock.ErrGroupWarehouse)
}

func TestValidator_UnknownWarehouse(t *testing.T) {
	f := newFixture(t)
	err := validate(t, f, stock.ValidatorConfig{}, receipt(unknown, line(widget, "1", "1")))
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

// =============================================================================
// CONSUME
// =============================================================================

func TestValidator_Consume_RequiresSource(t *testing.T) {
	f := newFixture(t)
	err := validate(t, f, stock.ValidatorConfig{}, consume("", line(widget, "1", "1")))

	assert.ErrorIs(t, err, stock.ErrMandatoryField)
	assert.Contains(t, err.Error(), "Source Warehouse is mandatory for consume")
}

func TestValidator_Consume_ForbidsTarget(t *testing.T) {
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "10", "1", day(time.January, 1)))
	e := consume(stores, line(widget, "1", "1"))
	e.TargetWarehouse = goods

	err := validate(t, f, stock.ValidatorConfig{}, e)
	assert.ErrorIs(t, err, stock.ErrWarehouseNotAllowed)
}

func TestValidator_Consume_InsufficientStock(t *testing.T) {
	// GIVEN: Balance of 5 in Stores
	// WHEN: Consuming 6
	// THEN: Rejected with available 5, requested 6
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "10", day(time.January, 1)))

	err := validate(t, f, stock.ValidatorConfig{}, consume(stores, line(widget, "6", "10")))

	var stockErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "5", stockErr.Available.String())
	assert.Equal(t, "6", stockErr.Requested.String())
	assert.Contains(t, err.Error(), "available: 5, requested: 6")
	assert.True(t, stock.IsClientError(err))
}

func TestValidator_Consume_ExactBalanceSucceeds(t *testing.T) {
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "10", day(time.January, 1)))

	err := validate(t, f, stock.ValidatorConfig{}, consume(stores, line(widget, "5", "10")))
	assert.NoError(t, err)
}

func TestValidator_Consume_ComparesExactDecimals(t *testing.T) {
	// GIVEN: 4.5 in stock
	// WHEN: Requesting 5
	// THEN: Rejected, no integer truncation on either side
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "4.5", "10", day(time.January, 1)))

	err := validate(t, f, stock.ValidatorConfig{}, consume(stores, line(widget, "5", "10")))
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Contains(t, err.Error(), "available: 4.5, requested: 5")

	err = validate(t, f, stock.ValidatorConfig{}, consume(stores, line(widget, "4.5", "10")))
	assert.NoError(t, err)
}

func TestValidator_Consume_EarlierLinesCountAgainstBalance(t *testing.T) {
	// GIVEN: Balance of 5
	// WHEN: One entry consumes 3 then 3 again
	// THEN: Row 2 fails with only 2 available
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "10", day(time.January, 1)))

	err := validate(t, f, stock.ValidatorConfig{}, consume(stores,
		line(widget, "3", "10"),
		line(widget, "3", "10"),
	))

	var lineErr *stock.LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 2, lineErr.Index)
	var stockErr *stock.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "2", stockErr.Available.String())
}

func TestValidator_Consume_KeepsLineRateByDefault(t *testing.T) {
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "10", day(time.January, 1)))
	e := consume(stores, line(widget, "1", "99"))

	require.NoError(t, validate(t, f, stock.ValidatorConfig{}, e))
	assert.Equal(t, "99", e.Lines[0].Rate.String())
}

func TestValidator_Consume_RateOverwriteWhenConfigured(t *testing.T) {
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "10", day(time.January, 1)))
	e := consume(stores, line(widget, "1", "99"))

	cfg := stock.ValidatorConfig{RateOverwrite: stock.RateOverwriteTransferAndConsume}
	require.NoError(t, validate(t, f, cfg, e))
	assert.Equal(t, "10", e.Lines[0].Rate.String())
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestValidator_Transfer_SameWarehouse(t *testing.T) {
	// Always rejected, whatever the balance.
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "100", "10", day(time.January, 1)))

	err := validate(t, f, stock.ValidatorConfig{}, transfer(stores, stores, line(widget, "1", "10")))
	assert.ErrorIs(t, err, stock.ErrSameWarehouse)

	empty := newFixture(t)
	err = validate(t, empty, stock.ValidatorConfig{}, transfer(stores, stores, line(widget, "1", "10")))
	assert.ErrorIs(t, err, stock.ErrSameWarehouse)
}

func TestValidator_Transfer_RequiresBothWarehouses(t *testing.T) {
	f := newFixture(t)

	err := validate(t, f, stock.ValidatorConfig{}, transfer(stores, "", line(widget, "1", "1")))
	assert.Contains(t, err.Error(), "Target Warehouse is mandatory for transfer")

	err = validate(t, f, stock.ValidatorConfig{}, transfer("", goods, line(widget, "1", "1")))
	assert.Contains(t, err.Error(), "Source Warehouse is mandatory for transfer")
}

func TestValidator_Transfer_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "2", "10", day(time.January, 1)))

	err := validate(t, f, stock.ValidatorConfig{}, transfer(stores, goods, line(widget, "3", "10")))
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
}

func TestValidator_Transfer_UsesSourceAverageRate(t *testing.T) {
	// GIVEN: Stores received at 100 and 200
	// WHEN: Transferring with a line rate of 999
	// THEN: The rate becomes the source average, 150
	f := newFixture(t)
	seed(t, f.mem,
		row(widget, stores, "5", "100", day(time.January, 1)),
		row(widget, stores, "5", "200", day(time.January, 2)),
	)
	e := transfer(stores, goods, line(widget, "4", "999"))

	require.NoError(t, validate(t, f, stock.ValidatorConfig{}, e))
	assert.Equal(t, "150", e.Lines[0].Rate.String())
}

func TestValidator_Transfer_ZeroAverageKeepsLineRate(t *testing.T) {
	// GIVEN: Stores only ever received Widget at rate 0
	// WHEN: Transferring with a line rate of 40
	// THEN: The line rate is kept
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "0", day(time.January, 1)))
	e := transfer(stores, goods, line(widget, "2", "40"))

	require.NoError(t, validate(t, f, stock.ValidatorConfig{}, e))
	assert.Equal(t, "40", e.Lines[0].Rate.String())
}

func TestValidator_Transfer_RateOverwriteNever(t *testing.T) {
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "5", "100", day(time.January, 1)))
	e := transfer(stores, goods, line(widget, "4", "999"))

	require.NoError(t, validate(t, f, stock.ValidatorConfig{RateOverwrite: stock.RateOverwriteNever}, e))
	assert.Equal(t, "999", e.Lines[0].Rate.String())
}

func TestValidator_Transfer_ChainedLinesSeeStagedStock(t *testing.T) {
	// GIVEN: 4 in Stores, nothing in Finished Goods
	// WHEN: Line 1 moves 4 to Finished Goods, line 2 moves 4 back
	// THEN: Line 2 sees the 4 staged by line 1
	f := newFixture(t)
	seed(t, f.mem, row(widget, stores, "4", "10", day(time.January, 1)))

	back := line(widget, "4", "10")
	back.SourceWarehouse, back.TargetWarehouse = goods, stores
	out := line(widget, "4", "10")
	out.SourceWarehouse, out.TargetWarehouse = stores, goods

	err := validate(t, f, stock.ValidatorConfig{RateOverwrite: stock.RateOverwriteNever}, transfer("", "", out, back))
	assert.NoError(t, err)
}
