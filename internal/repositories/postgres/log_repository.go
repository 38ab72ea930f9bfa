package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/branchorder/api/internal/domain"
	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/repositories"
)

// DedupLogRepository appends order_dedup_logs rows.
type DedupLogRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.DedupLogRepository = (*DedupLogRepository)(nil)

func (r *DedupLogRepository) Append(ctx context.Context, entry domain.DedupLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_dedup_logs (id, branch_id, order_id, reason, strategy, dedup_key, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.BranchID, entry.OrderID, string(entry.Reason), entry.Strategy, entry.DedupKey, entry.Signature, entry.CreatedAt,
	)
	return ppostgres.WrapError("dedup_logs.append", err)
}

// WebhookLogRepository stores webhook deliveries. Rows are written outside any request transaction.
type WebhookLogRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.WebhookLogRepository = (*WebhookLogRepository)(nil)

func (r *WebhookLogRepository) Append(ctx context.Context, entry domain.WebhookLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_logs (id, event_type, payment_key, order_ref, payload, signature, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		entry.ID, entry.EventType, entry.PaymentKey, entry.OrderRef, string(entry.Payload), entry.Signature, entry.CreatedAt,
	)
	return ppostgres.WrapError("webhook_logs.append", err)
}

func (r *WebhookLogRepository) MarkProcessed(ctx context.Context, id string, processedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_logs SET processed = TRUE, error = NULL, processed_at = $2 WHERE id = $1`,
		id, processedAt)
	return ppostgres.WrapError("webhook_logs.mark_processed", err)
}

func (r *WebhookLogRepository) MarkFailed(ctx context.Context, id string, message string, processedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_logs SET processed = FALSE, error = $2, processed_at = $3 WHERE id = $1`,
		id, message, processedAt)
	return ppostgres.WrapError("webhook_logs.mark_failed", err)
}
