package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	domain "github.com/branchorder/api/internal/domain"
	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/repositories"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InventoryRepository calls the reserve_inventory_for_order stored procedure.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

type reservationLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Reserve deducts stock for every item or none. Domain failures surface as *repositories.InventoryError.
func (r *InventoryRepository) Reserve(ctx context.Context, branchID, orderID, orderNo string, items []domain.ReservationItem) error {
	lines := make([]reservationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, reservationLine{ProductID: item.ProductID, Qty: item.Qty})
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("inventory.reserve: encode items: %w", err)
	}

	_, err = ppostgres.Conn(ctx, r.pool).Exec(ctx,
		`SELECT reserve_inventory_for_order($1, $2, $3, $4::jsonb)`,
		branchID, orderID, orderNo, string(payload),
	)
	if err == nil {
		return nil
	}
	if msg, ok := ppostgres.RaisedMessage(err); ok {
		return repositories.ParseInventoryError("inventory.reserve", fmt.Errorf("%s: %w", msg, err))
	}
	return ppostgres.WrapError("inventory.reserve", err)
}
