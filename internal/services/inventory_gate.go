package services

import (
	"context"
	"errors"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/repositories"
)

// InventoryReserver commits stock deduction for an order in one atomic call.
type InventoryReserver interface {
	Reserve(ctx context.Context, branchID, orderID, orderNo string, items []OrderItem) error
}

type inventoryGate struct {
	repo repositories.InventoryRepository
}

// NewInventoryGate translates reservation failures into service errors. Missing records and
// insufficient quantity become validation errors naming the product; anything else is a
// generic reservation failure.
func NewInventoryGate(repo repositories.InventoryRepository) (InventoryReserver, error) {
	if repo == nil {
		return nil, errors.New("inventory gate: inventory repository is required")
	}
	return &inventoryGate{repo: repo}, nil
}

func (g *inventoryGate) Reserve(ctx context.Context, branchID, orderID, orderNo string, items []OrderItem) error {
	lines := make([]domain.ReservationItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.ReservationItem{ProductID: item.ProductID, Qty: item.Qty})
	}
	if err := g.repo.Reserve(ctx, branchID, orderID, orderNo, lines); err != nil {
		return translateReservationError(err)
	}
	return nil
}

func translateReservationError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindUnavailable, "INVENTORY_RESERVATION_FAILED", "inventory reservation failed").wrap(err)
	}
	inv := repositories.ParseInventoryError("inventory.reserve", err)
	switch inv.Code {
	case repositories.InventoryErrorStockNotFound:
		return newError(KindValidation, "INVENTORY_NOT_FOUND", inv.Message).
			withDetail("product_id", inv.ProductID).wrap(err)
	case repositories.InventoryErrorInsufficientStock:
		return newError(KindValidation, "INSUFFICIENT_INVENTORY", inv.Message).
			withDetail("product_id", inv.ProductID).wrap(err)
	}
	return newError(KindUnavailable, "INVENTORY_RESERVATION_FAILED", "inventory reservation failed").wrap(err)
}
