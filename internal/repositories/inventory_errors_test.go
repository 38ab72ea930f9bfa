package repositories

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseInventoryError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		code    InventoryErrorCode
		product string
	}{
		{
			name:    "missing record",
			err:     errors.New("ERROR: INVENTORY_NOT_FOUND:3f1c2b7e-0000-4000-8000-000000000001 (SQLSTATE P0001)"),
			code:    InventoryErrorStockNotFound,
			product: "3f1c2b7e-0000-4000-8000-000000000001",
		},
		{
			name:    "insufficient",
			err:     fmt.Errorf("reserve: %w", errors.New("INSUFFICIENT_INVENTORY:p1")),
			code:    InventoryErrorInsufficientStock,
			product: "p1",
		},
		{
			name: "network failure",
			err:  errors.New("dial tcp: connection refused"),
			code: InventoryErrorUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseInventoryError("inventory.reserve", tc.err)
			if got.Code != tc.code {
				t.Fatalf("expected code %s got %s", tc.code, got.Code)
			}
			if got.ProductID != tc.product {
				t.Fatalf("expected product %q got %q", tc.product, got.ProductID)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("expected wrapped error to be preserved")
			}
		})
	}
}

func TestParseInventoryErrorKeepsTypedError(t *testing.T) {
	typed := NewInventoryError(InventoryErrorInsufficientStock, "p9", "", nil)
	wrapped := fmt.Errorf("outer: %w", typed)
	if got := ParseInventoryError("op", wrapped); got != typed {
		t.Fatalf("expected existing typed error to be returned")
	}
	if ParseInventoryError("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
