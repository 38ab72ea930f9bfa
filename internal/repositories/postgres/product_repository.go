package postgres

import (
	"context"

	domain "github.com/branchorder/api/internal/domain"
	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/repositories"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProductRepository reads catalogue rows used for pricing.
type ProductRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// FindByIDs returns the products that exist among productIDs. Missing ids are simply absent from the result.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error) {
	if len(productIDs) == 0 {
		return nil, ppostgres.WrapError("products.find_by_ids", errEmptyIDs)
	}
	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, `
		SELECT id::text, branch_id::text, name, price, is_hidden, is_sold_out, updated_at
		FROM products
		WHERE id::text = ANY($1)`, productIDs)
	if err != nil {
		return nil, ppostgres.WrapError("products.find_by_ids", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, len(productIDs))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.BranchID, &p.Name, &p.Price, &p.Hidden, &p.SoldOut, &p.UpdatedAt); err != nil {
			return nil, ppostgres.WrapError("products.find_by_ids", err)
		}
		products = append(products, p)
	}
	return products, ppostgres.WrapError("products.find_by_ids", rows.Err())
}
