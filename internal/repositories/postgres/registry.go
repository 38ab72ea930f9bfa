package postgres

import (
	"context"
	"errors"
	"time"

	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/repositories"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry wires the Postgres repositories around a shared pool.
type Registry struct {
	provider *ppostgres.Provider
	pool     *pgxpool.Pool

	orders      *OrderRepository
	products    *ProductRepository
	payments    *PaymentRepository
	dedupLogs   *DedupLogRepository
	webhookLogs *WebhookLogRepository
	inventory   *InventoryRepository
}

var (
	_ repositories.Registry        = (*Registry)(nil)
	_ repositories.TimedUnitOfWork = (*Registry)(nil)
	_ repositories.RepositoryError = (*ppostgres.Error)(nil)
)

// NewRegistry opens the pool through provider and constructs every repository.
func NewRegistry(ctx context.Context, provider *ppostgres.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry: provider is required")
	}
	pool, err := provider.Pool(ctx)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:    provider,
		pool:        pool,
		orders:      &OrderRepository{pool: pool},
		products:    &ProductRepository{pool: pool},
		payments:    &PaymentRepository{pool: pool},
		dedupLogs:   &DedupLogRepository{pool: pool},
		webhookLogs: &WebhookLogRepository{pool: pool},
		inventory:   &InventoryRepository{pool: pool},
	}, nil
}

func (r *Registry) Close(context.Context) error {
	r.provider.Close()
	return nil
}

func (r *Registry) Pool() *pgxpool.Pool                           { return r.pool }
func (r *Registry) Orders() repositories.OrderRepository           { return r.orders }
func (r *Registry) Products() repositories.ProductRepository       { return r.products }
func (r *Registry) Payments() repositories.PaymentRepository       { return r.payments }
func (r *Registry) DedupLogs() repositories.DedupLogRepository     { return r.dedupLogs }
func (r *Registry) WebhookLogs() repositories.WebhookLogRepository { return r.webhookLogs }
func (r *Registry) Inventory() repositories.InventoryRepository    { return r.inventory }

func (r *Registry) Ping(ctx context.Context) error {
	return ppostgres.WrapError("ping", r.pool.Ping(ctx))
}

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return ppostgres.RunTransaction(ctx, r.pool, fn)
}

// RunInTxWithTimeout implements repositories.TimedUnitOfWork.
func (r *Registry) RunInTxWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return ppostgres.RunTransaction(ctx, r.pool, fn, ppostgres.WithTxTimeout(timeout))
}
