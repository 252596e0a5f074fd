/*
handlers.go - HTTP API handlers for the stock ledger

PURPOSE:
  Exposes the stock engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to stock.Service. Every call passes
  the request's Actor; the service decides what it may do.

ENDPOINTS:
  Items:
    GET    /api/items                       List items
    POST   /api/items                       Create item
    GET    /api/items/{id}                  Get item

  Warehouses:
    GET    /api/warehouses                  List warehouses
    POST   /api/warehouses                  Create warehouse
    GET    /api/warehouses/{id}             Get warehouse
    GET    /api/warehouses/{id}/children    Direct children of a group

  Stock Entries:
    GET    /api/stock-entries?status=       List entries, newest first
    POST   /api/stock-entries               Validate (create or revalidate)
    GET    /api/stock-entries/{id}          Get entry
    GET    /api/stock-entries/{id}/ledger   Rows posted by the entry
    POST   /api/stock-entries/{id}/submit   Post to the ledger
    POST   /api/stock-entries/{id}/cancel   Reverse-post

  Reports:
    GET    /api/reports/stock-balance       ?item&warehouse&from_date&to_date
    GET    /api/reports/stock-ledger        ?item&warehouse&from_date&to_date

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Bad or expired token
  - 403: Actor lacks the capability
  - 404: Record not found
  - 409: Conflict (status transition, duplicate)
  - 422: Not enough stock
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/stock-ledger/stock"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Resetter is implemented by stores that can be wiped for demos.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *stock.Service
	Logger  *slog.Logger

	validate *validator.Validate

	// Identical report requests in flight share one aggregation.
	reports singleflight.Group

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the service.
func NewHandler(svc *stock.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Service: svc, Logger: logger, validate: validate}
}

// =============================================================================
// ITEMS
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListItems(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ItemDTO, len(items))
	for i, item := range items {
		dtos[i] = toItemDTO(item)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.GetItem(r.Context(), ActorFrom(r.Context()), stock.ItemID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, err := h.Service.CreateItem(r.Context(), ActorFrom(r.Context()), stock.Item{
		ID:       stock.ItemID(req.ID),
		ItemName: req.ItemName,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(*item))
}

// =============================================================================
// WAREHOUSES
// =============================================================================

func (h *Handler) ListWarehouses(w http.ResponseWriter, r *http.Request) {
	whs, err := h.Service.ListWarehouses(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWarehouseDTOs(whs))
}

func (h *Handler) GetWarehouse(w http.ResponseWriter, r *http.Request) {
	wh, err := h.Service.GetWarehouse(r.Context(), ActorFrom(r.Context()), stock.WarehouseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWarehouseDTO(*wh))
}

func (h *Handler) WarehouseChildren(w http.ResponseWriter, r *http.Request) {
	whs, err := h.Service.WarehouseChildren(r.Context(), ActorFrom(r.Context()), stock.WarehouseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWarehouseDTOs(whs))
}

func (h *Handler) CreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req CreateWarehouseRequest
	if !h.decode(w, r, &req) {
		return
	}
	wh, err := h.Service.CreateWarehouse(r.Context(), ActorFrom(r.Context()), stock.Warehouse{
		ID:              stock.WarehouseID(req.ID),
		WarehouseName:   req.WarehouseName,
		Address:         req.Address,
		ParentWarehouse: stock.WarehouseID(req.ParentWarehouse),
		IsGroup:         req.IsGroup,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWarehouseDTO(*wh))
}

func toWarehouseDTOs(whs []stock.Warehouse) []WarehouseDTO {
	dtos := make([]WarehouseDTO, len(whs))
	for i, wh := range whs {
		dtos[i] = toWarehouseDTO(wh)
	}
	return dtos
}

// =============================================================================
// STOCK ENTRIES
// =============================================================================

func (h *Handler) ListStockEntries(w http.ResponseWriter, r *http.Request) {
	status := stock.Status(r.URL.Query().Get("status"))
	entries, err := h.Service.ListEntries(r.Context(), ActorFrom(r.Context()), status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]StockEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toStockEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetStockEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Service.GetEntry(r.Context(), ActorFrom(r.Context()), stock.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockEntryDTO(e))
}

func (h *Handler) GetStockEntryLedger(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.EntryLedger(r.Context(), ActorFrom(r.Context()), stock.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(rows))
}

// ValidateStockEntry creates a new entry (201), or revalidates an existing
// one when the body carries its ID (200).
// POST /api/stock-entries
func (h *Handler) ValidateStockEntry(w http.ResponseWriter, r *http.Request) {
	var req StockEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	status := http.StatusCreated
	if req.ID != "" {
		if _, err := h.Service.Store.GetEntry(r.Context(), stock.EntryID(req.ID)); err == nil {
			status = http.StatusOK
		}
	}
	e, err := h.Service.Validate(r.Context(), ActorFrom(r.Context()), req.toDomain())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, toStockEntryDTO(e))
}

// SubmitStockEntry posts a Validated entry.
// POST /api/stock-entries/{id}/submit
func (h *Handler) SubmitStockEntry(w http.ResponseWriter, r *http.Request) {
	e, rows, err := h.Service.Submit(r.Context(), ActorFrom(r.Context()), stock.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Entry: toStockEntryDTO(e), LedgerEntries: toLedgerEntryDTOs(rows)})
}

// CancelStockEntry reverse-posts a Posted entry.
// POST /api/stock-entries/{id}/cancel
func (h *Handler) CancelStockEntry(w http.ResponseWriter, r *http.Request) {
	e, rows, err := h.Service.Cancel(r.Context(), ActorFrom(r.Context()), stock.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Entry: toStockEntryDTO(e), LedgerEntries: toLedgerEntryDTOs(rows)})
}

// =============================================================================
// REPORTS
// =============================================================================

// StockBalance returns the stock balance report.
// GET /api/reports/stock-balance?from_date=2025-01-01&to_date=2025-01-31
func (h *Handler) StockBalance(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid report filter", err)
		return
	}
	actor := ActorFrom(r.Context())
	res, err := h.sharedReport(r, actor, func(ctx context.Context) (any, error) {
		rows, err := h.Service.StockBalance(ctx, actor, filter)
		if err != nil {
			return nil, err
		}
		return toBalanceReport(rows), nil
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StockLedger returns ledger rows in insertion order. Dates are optional.
// GET /api/reports/stock-ledger?item=Widget&warehouse=Stores
func (h *Handler) StockLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid report filter", err)
		return
	}
	actor := ActorFrom(r.Context())
	res, err := h.sharedReport(r, actor, func(ctx context.Context) (any, error) {
		rows, err := h.Service.StockLedger(ctx, actor, filter)
		if err != nil {
			return nil, err
		}
		return toLedgerReport(rows), nil
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sharedReport runs fn once per distinct (role, URL) among concurrent callers.
// The shared call is detached from any single request's cancellation.
func (h *Handler) sharedReport(r *http.Request, actor stock.Actor, fn func(context.Context) (any, error)) (any, error) {
	key := string(actor.Role) + "|" + r.URL.Path + "?" + r.URL.Query().Encode()
	ctx := r.Context()
	ch := h.reports.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// parseReportFilter reads item, warehouse, from_date and to_date.
// Dates accept YYYY-MM-DD or RFC 3339. A date-only to_date covers the whole day.
func parseReportFilter(r *http.Request) (stock.ReportFilter, error) {
	q := r.URL.Query()
	f := stock.ReportFilter{
		Item:      stock.ItemID(q.Get("item")),
		Warehouse: stock.WarehouseID(q.Get("warehouse")),
	}
	var err error
	if f.From, err = parseDate(q.Get("from_date"), false); err != nil {
		return f, fmt.Errorf("from_date: %w", err)
	}
	if f.To, err = parseDate(q.Get("to_date"), true); err != nil {
		return f, fmt.Errorf("to_date: %w", err)
	}
	return f, nil
}

func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD)", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Service.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and shape-checks a JSON body. It writes the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
		return false
	}
	return true
}

// writeDomainError maps stock errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var shortage *stock.InsufficientStockError
	switch {
	case errors.As(err, &shortage):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "insufficient_stock",
			Details: map[string]string{
				"item":      string(shortage.Item),
				"warehouse": string(shortage.Warehouse),
				"available": shortage.Available.String(),
				"requested": shortage.Requested.String(),
			},
		})
	case errors.Is(err, stock.ErrForbidden):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "forbidden"})
	case stock.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case stock.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case stock.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
	default:
		h.Logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
