/*
errors.go - Centralized error types for the stock engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is against the sentinels and errors.As
  against the structured types when they need details.

ERROR CATEGORIES:
  1. Mandatory-field errors - missing warehouse, rate or quantity on a line
  2. Business-rule violations - wrong warehouse combination, same source and
     target, insufficient stock
  3. Lifecycle errors - invalid transition, forbidden capability
  4. Store errors - not found, duplicates, failed transactions

All validation errors are synchronous and non-retryable. The first failing
line aborts the whole entry.

SEE ALSO:
  - validator.go: Produces FieldError, LineError, InsufficientStockError
  - lifecycle.go: Produces TransitionError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package stock

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMandatoryField is returned when a required field is missing.
	ErrMandatoryField = errors.New("mandatory field missing")

	// ErrInvalidQuantity is returned when a line quantity is not positive.
	ErrInvalidQuantity = errors.New("quantity needs to be a positive number")

	// ErrInvalidRate is returned when a line rate is negative.
	ErrInvalidRate = errors.New("rate cannot be negative")

	// ErrWarehouseNotAllowed is returned when a warehouse is set that the entry type forbids.
	ErrWarehouseNotAllowed = errors.New("warehouse not allowed for entry type")

	// ErrSameWarehouse is returned when a transfer names the same source and target.
	ErrSameWarehouse = errors.New("source and target warehouse cannot be the same")

	// ErrGroupWarehouse is returned when stock would move into or out of a group warehouse.
	ErrGroupWarehouse = errors.New("group warehouse cannot hold stock")

	// ErrInsufficientStock is returned when an outflow exceeds the current balance.
	ErrInsufficientStock = errors.New("not enough stock in the warehouse")

	// ErrUnknownEntryType is returned for entry types other than Receipt, Consume, Transfer.
	ErrUnknownEntryType = errors.New("unknown entry type")

	// ErrEmptyEntry is returned when an entry has no lines.
	ErrEmptyEntry = errors.New("stock entry has no items")

	// ErrInvalidTransition is returned when a lifecycle transition is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrForbidden is returned when the actor lacks the capability for an operation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDuplicateIdempotencyKey is returned when a ledger row with the same
	// idempotency key already exists. Posting the same entry twice hits this.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidRange is returned when a report range is missing or inverted.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrWarehouseCycle is returned when a parent link would make a warehouse its own ancestor.
	ErrWarehouseCycle = errors.New("warehouse cannot be its own ancestor")

	// ErrTransactionFailed is returned when a batch cannot be persisted.
	ErrTransactionFailed = errors.New("transaction failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FieldError reports a missing mandatory field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s is mandatory", e.Field)
}

func (e *FieldError) Unwrap() error { return ErrMandatoryField }

// RuleError reports a business rule violation with a user-facing message.
type RuleError struct {
	Rule    error
	Message string
}

func (e *RuleError) Error() string { return e.Message }

func (e *RuleError) Unwrap() error { return e.Rule }

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	Item      ItemID
	Warehouse WarehouseID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("not enough stock in the warehouse - available: %s, requested: %s",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// LineError ties a validation failure to the row that caused it. Index is 1-based.
type LineError struct {
	Index int
	Item  ItemID
	Err   error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("row %d (%s): %v", e.Index, e.Item, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// TransitionError reports a lifecycle transition attempted from the wrong status.
type TransitionError struct {
	EntryID EntryID
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("stock entry %s: cannot move from %s to %s", e.EntryID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMandatoryField) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrWarehouseNotAllowed) ||
		errors.Is(err, ErrSameWarehouse) ||
		errors.Is(err, ErrGroupWarehouse) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrUnknownEntryType) ||
		errors.Is(err, ErrEmptyEntry) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrWarehouseCycle)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a state conflict rather than bad input.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
