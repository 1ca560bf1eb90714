package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrStaleQuantity means the batch row's version moved between read and
	// write, i.e. a concurrent writer got there first.
	ErrStaleQuantity = errors.New("batch quantity is stale, concurrent update detected")

	// ErrInsufficientRemaining means the deduction would take the batch's
	// remaining quantity below zero.
	ErrInsufficientRemaining = errors.New("insufficient remaining quantity in batch")

	ErrBatchNotFound  = errors.New("inventory batch not found")
	ErrBatchInUse     = errors.New("inventory batch is referenced by assignments or still holds stock")
	ErrRecipeNotFound = errors.New("no recipe defined for product")
)

// InsufficientStockError carries the shortfall so callers can surface
// exactly how much stock is missing at the requested branch.
type InsufficientStockError struct {
	ProductId int
	BranchId  int
	Required  decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d at branch %d: required %s, available %s (short %s)",
		e.ProductId, e.BranchId, e.Required.String(), e.Available.String(), e.Shortfall.String())
}

// SchemaViolationError aggregates per-field validation failures raised by
// the category attribute schema before a batch write is persisted.
type SchemaViolationError struct {
	CategoryId int
	Fields     []FieldError
}

func (e *SchemaViolationError) Error() string {
	if len(e.Fields) == 1 {
		return "attribute schema violation: " + e.Fields[0].String()
	}
	return fmt.Sprintf("attribute schema violation: %d fields failed validation", len(e.Fields))
}

type FieldErrorCode string

const (
	FieldErrorMissingRequired FieldErrorCode = "MissingRequiredAttribute"
	FieldErrorTypeMismatch    FieldErrorCode = "TypeMismatch"
	FieldErrorInvalidEnum     FieldErrorCode = "InvalidEnumValue"
	FieldErrorOutOfRange      FieldErrorCode = "OutOfRange"
)

type FieldError struct {
	Key     string         `json:"key"`
	Code    FieldErrorCode `json:"code"`
	Message string         `json:"message"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s (%s)", e.Key, e.Message, e.Code)
}
