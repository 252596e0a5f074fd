/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in package stock from the external API contract.
  Stock entry and ledger fields use the document field names (entry_type,
  source_warehouse, target_warehouse, item, quantity, rate, entry_time),
  the same names the report columns carry.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

NUMBERS:
  Quantities and rates are decimal.Decimal. They encode as JSON strings
  ("10.5") and decode from either strings or numbers.

VALIDATION:
  Request types carry validator/v10 tags for shape checks (required
  fields, enum values, lengths). Business rules stay in stock.Validator.

SEE ALSO:
  - handlers.go: Uses these types
  - stock/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// MASTERS
// =============================================================================

type ItemDTO struct {
	ID        string `json:"id"`
	ItemName  string `json:"item_name"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateItemRequest creates an Item. ID defaults to the item name.
type CreateItemRequest struct {
	ID       string `json:"id" validate:"omitempty,max=140"`
	ItemName string `json:"item_name" validate:"required,max=140"`
}

type WarehouseDTO struct {
	ID              string `json:"id"`
	WarehouseName   string `json:"warehouse_name"`
	Address         string `json:"address"`
	ParentWarehouse string `json:"parent_warehouse,omitempty"`
	IsGroup         bool   `json:"is_group"`
	CreatedAt       string `json:"created_at,omitempty"`
}

type CreateWarehouseRequest struct {
	ID              string `json:"id" validate:"omitempty,max=140"`
	WarehouseName   string `json:"warehouse_name" validate:"required,max=140"`
	Address         string `json:"address" validate:"required"`
	ParentWarehouse string `json:"parent_warehouse" validate:"omitempty,max=140"`
	IsGroup         bool   `json:"is_group"`
}

// =============================================================================
// STOCK ENTRIES
// =============================================================================

type LineDTO struct {
	Item            string           `json:"item" validate:"required"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Rate            *decimal.Decimal `json:"rate,omitempty"`
	SourceWarehouse string           `json:"source_warehouse,omitempty"`
	TargetWarehouse string           `json:"target_warehouse,omitempty"`
}

// StockEntryRequest creates or revalidates an entry. Sending an existing
// ID re-runs validation on a Draft or Validated entry.
type StockEntryRequest struct {
	ID              string    `json:"id,omitempty" validate:"omitempty,max=140"`
	EntryType       string    `json:"entry_type" validate:"required"`
	SourceWarehouse string    `json:"source_warehouse,omitempty"`
	TargetWarehouse string    `json:"target_warehouse,omitempty"`
	Items           []LineDTO `json:"items" validate:"dive"`
}

type StockEntryDTO struct {
	ID              string    `json:"id"`
	EntryType       string    `json:"entry_type"`
	SourceWarehouse string    `json:"source_warehouse,omitempty"`
	TargetWarehouse string    `json:"target_warehouse,omitempty"`
	Status          string    `json:"status"`
	Items           []LineDTO `json:"items"`
	ValidatedAt     *string   `json:"validated_at,omitempty"`
	PostedAt        *string   `json:"posted_at,omitempty"`
	CancelledAt     *string   `json:"cancelled_at,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
}

// TransitionResponse is returned by submit and cancel.
type TransitionResponse struct {
	Entry         StockEntryDTO    `json:"entry"`
	LedgerEntries []LedgerEntryDTO `json:"ledger_entries"`
}

type LedgerEntryDTO struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	Item        string          `json:"item"`
	Warehouse   string          `json:"warehouse"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        decimal.Decimal `json:"rate"`
	EntryTime   string          `json:"entry_time"`
	VoucherType string          `json:"voucher_type"`
	VoucherID   string          `json:"voucher_id"`
	IsReversal  bool            `json:"is_reversal"`
}

// =============================================================================
// REPORTS
// =============================================================================

type BalanceRowDTO struct {
	Item          string          `json:"item"`
	Warehouse     string          `json:"warehouse"`
	OpeningStock  decimal.Decimal `json:"opening_stock"`
	IncomingStock decimal.Decimal `json:"incoming_stock"`
	OutgoingStock decimal.Decimal `json:"outgoing_stock"`
	ClosingStock  decimal.Decimal `json:"closing_stock"`
	ValuationRate decimal.Decimal `json:"valuation_rate"`
}

type BalanceReportDTO struct {
	Columns []stock.Column  `json:"columns"`
	Data    []BalanceRowDTO `json:"data"`
}

type LedgerRowDTO struct {
	Item      string          `json:"item"`
	Warehouse string          `json:"warehouse"`
	EntryTime string          `json:"entry_time"`
	Quantity  decimal.Decimal `json:"quantity"`
	Rate      decimal.Decimal `json:"rate"`
}

type LedgerReportDTO struct {
	Columns []stock.Column `json:"columns"`
	Data    []LedgerRowDTO `json:"data"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toItemDTO(item stock.Item) ItemDTO {
	return ItemDTO{ID: string(item.ID), ItemName: item.ItemName, CreatedAt: formatTime(item.CreatedAt)}
}

func toWarehouseDTO(wh stock.Warehouse) WarehouseDTO {
	return WarehouseDTO{
		ID:              string(wh.ID),
		WarehouseName:   wh.WarehouseName,
		Address:         wh.Address,
		ParentWarehouse: string(wh.ParentWarehouse),
		IsGroup:         wh.IsGroup,
		CreatedAt:       formatTime(wh.CreatedAt),
	}
}

func (req StockEntryRequest) toDomain() *stock.StockEntry {
	e := &stock.StockEntry{
		ID:              stock.EntryID(req.ID),
		EntryType:       stock.EntryType(req.EntryType),
		SourceWarehouse: stock.WarehouseID(req.SourceWarehouse),
		TargetWarehouse: stock.WarehouseID(req.TargetWarehouse),
		Lines:           make([]stock.Line, len(req.Items)),
	}
	for i, l := range req.Items {
		e.Lines[i] = stock.Line{
			Item:            stock.ItemID(l.Item),
			Quantity:        l.Quantity,
			Rate:            l.Rate,
			SourceWarehouse: stock.WarehouseID(l.SourceWarehouse),
			TargetWarehouse: stock.WarehouseID(l.TargetWarehouse),
		}
	}
	return e
}

func toStockEntryDTO(e *stock.StockEntry) StockEntryDTO {
	items := make([]LineDTO, len(e.Lines))
	for i, l := range e.Lines {
		items[i] = LineDTO{
			Item:            string(l.Item),
			Quantity:        l.Quantity,
			Rate:            l.Rate,
			SourceWarehouse: string(l.SourceWarehouse),
			TargetWarehouse: string(l.TargetWarehouse),
		}
	}
	return StockEntryDTO{
		ID:              string(e.ID),
		EntryType:       string(e.EntryType),
		SourceWarehouse: string(e.SourceWarehouse),
		TargetWarehouse: string(e.TargetWarehouse),
		Status:          string(e.Status),
		Items:           items,
		ValidatedAt:     formatTimePtr(e.ValidatedAt),
		PostedAt:        formatTimePtr(e.PostedAt),
		CancelledAt:     formatTimePtr(e.CancelledAt),
		CreatedBy:       e.CreatedBy,
		CreatedAt:       formatTime(e.CreatedAt),
		UpdatedAt:       formatTime(e.UpdatedAt),
	}
}

func toLedgerEntryDTOs(rows []stock.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(rows))
	for i, le := range rows {
		dtos[i] = LedgerEntryDTO{
			Seq:         le.Seq,
			ID:          string(le.ID),
			Item:        string(le.Item),
			Warehouse:   string(le.Warehouse),
			Quantity:    le.Quantity,
			Rate:        le.Rate,
			EntryTime:   formatTime(le.EntryTime),
			VoucherType: le.VoucherType,
			VoucherID:   string(le.VoucherID),
			IsReversal:  le.IsReversal,
		}
	}
	return dtos
}

func toBalanceReport(rows []stock.BalanceRow) BalanceReportDTO {
	data := make([]BalanceRowDTO, len(rows))
	for i, r := range rows {
		data[i] = BalanceRowDTO{
			Item:          string(r.Item),
			Warehouse:     string(r.Warehouse),
			OpeningStock:  r.OpeningStock,
			IncomingStock: r.IncomingStock,
			OutgoingStock: r.OutgoingStock,
			ClosingStock:  r.ClosingStock,
			ValuationRate: r.ValuationRate,
		}
	}
	return BalanceReportDTO{Columns: stock.BalanceColumns, Data: data}
}

func toLedgerReport(rows []stock.LedgerEntry) LedgerReportDTO {
	data := make([]LedgerRowDTO, len(rows))
	for i, le := range rows {
		data[i] = LedgerRowDTO{
			Item:      string(le.Item),
			Warehouse: string(le.Warehouse),
			EntryTime: formatTime(le.EntryTime),
			Quantity:  le.Quantity,
			Rate:      le.Rate,
		}
	}
	return LedgerReportDTO{Columns: stock.LedgerColumns, Data: data}
}
