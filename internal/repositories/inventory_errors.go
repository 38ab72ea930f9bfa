package repositories

import (
	"errors"
	"fmt"
	"regexp"
)

// InventoryErrorCode enumerates reservation failure causes.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents any failure without a recognised marker.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorStockNotFound indicates the product has no inventory record in the branch.
	InventoryErrorStockNotFound InventoryErrorCode = "inventory_stock_not_found"
)

var inventoryMarker = regexp.MustCompile(`(INVENTORY_NOT_FOUND|INSUFFICIENT_INVENTORY):([0-9A-Za-z_-]+)`)

// InventoryError wraps reservation failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ProductID string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, productID, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:      code,
		ProductID: productID,
		Message:   message,
		Err:       err,
	}
}

// ParseInventoryError classifies a reservation failure from its message. The reservation
// call reports domain failures as INVENTORY_NOT_FOUND:<product_id> or
// INSUFFICIENT_INVENTORY:<product_id>; anything else is InventoryErrorUnknown.
func ParseInventoryError(op string, err error) *InventoryError {
	if err == nil {
		return nil
	}
	var existing *InventoryError
	if errors.As(err, &existing) {
		return existing
	}

	inv := &InventoryError{Op: op, Code: InventoryErrorUnknown, Message: err.Error(), Err: err}
	match := inventoryMarker.FindStringSubmatch(err.Error())
	if match == nil {
		return inv
	}
	inv.ProductID = match[2]
	switch match[1] {
	case "INVENTORY_NOT_FOUND":
		inv.Code = InventoryErrorStockNotFound
		inv.Message = fmt.Sprintf("inventory record missing for product %s", inv.ProductID)
	case "INSUFFICIENT_INVENTORY":
		inv.Code = InventoryErrorInsufficientStock
		inv.Message = fmt.Sprintf("insufficient quantity for product %s", inv.ProductID)
	}
	return inv
}
