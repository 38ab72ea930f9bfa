package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/branchorder/api/internal/domain"
	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/repositories"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id::text, order_no, branch_id::text, customer_name, customer_phone, customer_address,
	payment_method, subtotal, shipping_fee, discount, total_amount, status, payment_status,
	idempotency_key, created_at, updated_at`

// OrderRepository stores orders, items and item options.
type OrderRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	_, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO orders (id, order_no, branch_id, customer_name, customer_phone, customer_address,
			payment_method, subtotal, shipping_fee, discount, total_amount, status, payment_status,
			idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		order.ID, order.OrderNo, order.BranchID, order.CustomerName, order.CustomerPhone, order.CustomerAddress,
		order.PaymentMethod, order.Subtotal, order.ShippingFee, order.Discount, order.TotalAmount,
		string(order.Status), string(order.PaymentStatus), order.IdempotencyKey, order.CreatedAt, order.UpdatedAt,
	)
	return ppostgres.WrapError("orders.insert", err)
}

func (r *OrderRepository) InsertItem(ctx context.Context, item domain.OrderItem) error {
	_, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_items (id, order_id, product_id, product_name_snapshot, qty, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.OrderID, item.ProductID, item.ProductNameSnapshot, item.Qty, item.UnitPrice,
	)
	return ppostgres.WrapError("orders.insert_item", err)
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	conn := ppostgres.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return ppostgres.WrapError("orders.delete_items", err)
	}
	_, err := conn.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	return ppostgres.WrapError("orders.delete", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_id", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (r *OrderRepository) FindByOrderNo(ctx context.Context, orderNo string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_order_no", `SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo)
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, branchID, key string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_idempotency_key", `
		SELECT `+orderColumns+` FROM orders
		WHERE branch_id = $1 AND idempotency_key = $2
		ORDER BY created_at DESC
		LIMIT 1`, branchID, key)
}

func (r *OrderRepository) findOne(ctx context.Context, op, query string, args ...any) (domain.Order, error) {
	row := ppostgres.Conn(ctx, r.pool).QueryRow(ctx, query, args...)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, `
		SELECT id::text, order_id::text, product_id::text, product_name_snapshot, qty, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("orders.list_items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductNameSnapshot, &item.Qty, &item.UnitPrice); err != nil {
			return nil, ppostgres.WrapError("orders.list_items", err)
		}
		items = append(items, item)
	}
	return items, ppostgres.WrapError("orders.list_items", rows.Err())
}

func (r *OrderRepository) ListRecent(ctx context.Context, filter repositories.RecentOrderFilter) ([]domain.Order, error) {
	query, args := buildRecentQuery(filter)
	rows, err := ppostgres.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, ppostgres.WrapError("orders.list_recent", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, ppostgres.WrapError("orders.list_recent", err)
		}
		orders = append(orders, order)
	}
	return orders, ppostgres.WrapError("orders.list_recent", rows.Err())
}

func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.OrderPaymentStatus, updatedAt time.Time) error {
	tag, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE orders SET payment_status = $2, updated_at = $3 WHERE id = $1`,
		orderID, string(status), updatedAt)
	if err != nil {
		return ppostgres.WrapError("orders.update_payment_status", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.WrapError("orders.update_payment_status", pgx.ErrNoRows)
	}
	return nil
}

func buildRecentQuery(filter repositories.RecentOrderFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	add("branch_id = $%d", filter.BranchID)
	add("total_amount = $%d", filter.TotalAmount)
	add("created_at >= $%d", filter.Since)

	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}
	if len(statuses) > 0 {
		add("status = ANY($%d)", statuses)
	}
	if filter.CustomerName != nil {
		add("customer_name = $%d", *filter.CustomerName)
	}
	if filter.CustomerPhone != nil {
		add("customer_phone = $%d", *filter.CustomerPhone)
	}
	if filter.CustomerAddress != nil {
		add("customer_address = $%d", *filter.CustomerAddress)
	}
	if filter.PaymentMethod != nil {
		add("payment_method = $%d", *filter.PaymentMethod)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1
	}
	args = append(args, limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	return query, args
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order         domain.Order
		status        string
		paymentStatus string
	)
	err := row.Scan(
		&order.ID, &order.OrderNo, &order.BranchID, &order.CustomerName, &order.CustomerPhone, &order.CustomerAddress,
		&order.PaymentMethod, &order.Subtotal, &order.ShippingFee, &order.Discount, &order.TotalAmount,
		&status, &paymentStatus, &order.IdempotencyKey, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.OrderPaymentStatus(paymentStatus)
	return order, nil
}

var errEmptyIDs = errors.New("postgres: at least one id is required")
