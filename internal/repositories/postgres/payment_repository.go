package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/branchorder/api/internal/domain"
	ppostgres "github.com/branchorder/api/internal/platform/postgres"
	"github.com/branchorder/api/internal/repositories"
)

const paymentColumns = `id::text, order_id::text, amount, currency, provider, payment_key, idempotency_key,
	status, refund_amount, failure_code, failure_message, cancel_reason,
	paid_at, failed_at, cancelled_at, refunded_at, metadata, created_at, updated_at`

// PaymentRepository persists payment rows. Updates are guarded by the caller-supplied prior statuses.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	metadata, err := encodeMetadata(payment.Metadata)
	if err != nil {
		return err
	}
	_, err = ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (id, order_id, amount, currency, provider, payment_key, idempotency_key,
			status, refund_amount, failure_code, failure_message, cancel_reason,
			paid_at, failed_at, cancelled_at, refunded_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		payment.ID, payment.OrderID, payment.Amount, payment.Currency, payment.Provider, payment.PaymentKey, payment.IdempotencyKey,
		string(payment.Status), payment.RefundAmount, payment.FailureCode, payment.FailureMessage, payment.CancelReason,
		payment.PaidAt, payment.FailedAt, payment.CancelledAt, payment.RefundedAt, metadata, payment.CreatedAt, payment.UpdatedAt,
	)
	return ppostgres.WrapError("payments.insert", err)
}

func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_by_id", `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID)
}

func (r *PaymentRepository) FindByIDForUpdate(ctx context.Context, paymentID string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_by_id_for_update", `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID)
}

// FindLatestByOrder prefers a SUCCESS row, then the most recently created one.
func (r *PaymentRepository) FindLatestByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_latest_by_order", `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1
		ORDER BY (status = 'SUCCESS') DESC, created_at DESC
		LIMIT 1`, orderID)
}

func (r *PaymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_by_idempotency_key", `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
}

func (r *PaymentRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error) {
	return r.findOne(ctx, "payments.find_by_payment_key", `
		SELECT `+paymentColumns+` FROM payments
		WHERE payment_key = $1
		ORDER BY created_at DESC
		LIMIT 1`, paymentKey)
}

// Transition writes the mutable fields of payment when the stored status is in from.
// It reports false without error when the guard did not match.
func (r *PaymentRepository) Transition(ctx context.Context, payment domain.Payment, from []domain.PaymentStatus) (bool, error) {
	metadata, err := encodeMetadata(payment.Metadata)
	if err != nil {
		return false, err
	}
	guard := make([]string, 0, len(from))
	for _, status := range from {
		guard = append(guard, string(status))
	}
	tag, err := ppostgres.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE payments SET
			amount = $2, payment_key = $3, idempotency_key = COALESCE(idempotency_key, $4),
			status = $5, refund_amount = $6, failure_code = $7, failure_message = $8, cancel_reason = $9,
			paid_at = $10, failed_at = $11, cancelled_at = $12, refunded_at = $13,
			metadata = COALESCE($14, metadata), updated_at = $15
		WHERE id = $1 AND status = ANY($16)`,
		payment.ID, payment.Amount, payment.PaymentKey, payment.IdempotencyKey,
		string(payment.Status), payment.RefundAmount, payment.FailureCode, payment.FailureMessage, payment.CancelReason,
		payment.PaidAt, payment.FailedAt, payment.CancelledAt, payment.RefundedAt,
		metadata, payment.UpdatedAt, guard,
	)
	if err != nil {
		return false, ppostgres.WrapError("payments.transition", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) findOne(ctx context.Context, op, query string, args ...any) (domain.Payment, error) {
	payment, err := scanPayment(ppostgres.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if err != nil {
		return domain.Payment{}, ppostgres.WrapError(op, err)
	}
	return payment, nil
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		payment  domain.Payment
		status   string
		metadata []byte
	)
	err := row.Scan(
		&payment.ID, &payment.OrderID, &payment.Amount, &payment.Currency, &payment.Provider, &payment.PaymentKey, &payment.IdempotencyKey,
		&status, &payment.RefundAmount, &payment.FailureCode, &payment.FailureMessage, &payment.CancelReason,
		&payment.PaidAt, &payment.FailedAt, &payment.CancelledAt, &payment.RefundedAt, &metadata, &payment.CreatedAt, &payment.UpdatedAt,
	)
	if err != nil {
		return domain.Payment{}, err
	}
	payment.Status = domain.PaymentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &payment.Metadata); err != nil {
			return domain.Payment{}, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return payment, nil
}

func encodeMetadata(metadata map[string]any) (*string, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode payment metadata: %w", err)
	}
	encoded := string(raw)
	return &encoded, nil
}
