package repositories

import (
	"context"
	"time"

	domain "github.com/branchorder/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Payments() PaymentRepository
	DedupLogs() DedupLogRepository
	WebhookLogs() WebhookLogRepository
	Inventory() InventoryRepository
	Ping(ctx context.Context) error
	UnitOfWork
}

// Unique constraints whose violation the services resolve rather than report.
const (
	ConstraintOrderIdempotencyKey    = "orders_branch_idempotency_key_uq"
	ConstraintPaymentIdempotencyKey  = "payments_idempotency_key_uq"
	ConstraintPaymentSuccessPerOrder = "payments_one_success_per_order_uq"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
	// Constraint names the violated constraint for conflicts, or "" when unknown.
	Constraint() string
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TimedUnitOfWork runs a transaction under a caller-chosen deadline instead of the store default.
type TimedUnitOfWork interface {
	RunInTxWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error
}

// RecentOrderFilter narrows the recent-duplicate scan. Nil identity fields are not filtered on.
type RecentOrderFilter struct {
	BranchID        string
	TotalAmount     int64
	Since           time.Time
	Limit           int
	CustomerName    *string
	CustomerPhone   *string
	CustomerAddress *string
	PaymentMethod   *string
	Statuses        []domain.OrderStatus
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	// Insert writes the order header only. A duplicate (branch, idempotency key) returns a conflict error.
	Insert(ctx context.Context, order domain.Order) error
	InsertItem(ctx context.Context, item domain.OrderItem) error
	// Delete removes items then the order. Used for compensating rollback.
	Delete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNo(ctx context.Context, orderNo string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, branchID, key string) (domain.Order, error)
	ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	ListRecent(ctx context.Context, filter RecentOrderFilter) ([]domain.Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, status domain.OrderPaymentStatus, updatedAt time.Time) error
}

// ProductRepository reads catalogue entries for pricing.
type ProductRepository interface {
	FindByIDs(ctx context.Context, productIDs []string) ([]domain.Product, error)
}

// PaymentRepository persists payments. Transition methods are status-guarded and report whether a row changed.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	// FindByIDForUpdate locks the row for the surrounding transaction.
	FindByIDForUpdate(ctx context.Context, paymentID string) (domain.Payment, error)
	FindLatestByOrder(ctx context.Context, orderID string) (domain.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error)
	FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error)
	// Transition updates the row only when its current status is one of from.
	Transition(ctx context.Context, payment domain.Payment, from []domain.PaymentStatus) (bool, error)
}

// DedupLogRepository appends dedup audit rows.
type DedupLogRepository interface {
	Append(ctx context.Context, entry domain.DedupLog) error
}

// WebhookLogRepository appends webhook audit rows and records their outcome.
type WebhookLogRepository interface {
	Append(ctx context.Context, entry domain.WebhookLog) error
	MarkProcessed(ctx context.Context, id string, processedAt time.Time) error
	MarkFailed(ctx context.Context, id string, message string, processedAt time.Time) error
}

// InventoryRepository performs the atomic reservation call.
type InventoryRepository interface {
	Reserve(ctx context.Context, branchID, orderID, orderNo string, items []domain.ReservationItem) error
}
