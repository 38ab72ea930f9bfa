package services

import (
	"context"
	"maps"
	"time"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/repositories"
)

var retryableIntoSuccess = []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusFailed}

// successRecord carries the provider facts persisted when a payment is approved.
type successRecord struct {
	PaymentKey     string
	Amount         int64
	Currency       string
	Provider       string
	IdempotencyKey string
	PaidAt         time.Time
	Metadata       map[string]any
}

// paymentRecorder applies status-guarded payment transitions shared by the synchronous
// confirm path and the webhook reconciler.
type paymentRecorder struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

// recordSuccess moves the order's payment into SUCCESS and marks the order PAID. existing, when
// set, is the PENDING or FAILED row to promote; otherwise a new row is inserted. A concurrent
// writer that already stored SUCCESS wins and applied is reported false. A payment cancelled or
// refunded in the meantime is left alone and reported as InvalidState.
func (r paymentRecorder) recordSuccess(ctx context.Context, order Order, existing *Payment, rec successRecord) (payment Payment, applied bool, err error) {
	err = r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		now := r.clock()
		paidAt := rec.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}

		if existing != nil && (existing.Status == domain.PaymentStatusPending || existing.Status == domain.PaymentStatusFailed) {
			updated := *existing
			updated.Status = domain.PaymentStatusSuccess
			updated.Amount = rec.Amount
			updated.PaymentKey = stringPtr(rec.PaymentKey)
			if rec.IdempotencyKey != "" {
				updated.IdempotencyKey = stringPtr(rec.IdempotencyKey)
			}
			if rec.Provider != "" {
				updated.Provider = rec.Provider
			}
			updated.FailureCode = nil
			updated.FailureMessage = nil
			updated.FailedAt = nil
			updated.PaidAt = &paidAt
			updated.Metadata = mergeMetadata(existing.Metadata, rec.Metadata)
			updated.UpdatedAt = now

			var changed bool
			err := r.unitOfWork.RunInTx(txCtx, func(updateCtx context.Context) error {
				var err error
				changed, err = r.payments.Transition(updateCtx, updated, retryableIntoSuccess)
				return err
			})
			if err != nil && !lostRace(err) {
				return mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
			}
			if err != nil || !changed {
				var current Payment
				if err != nil {
					current, err = r.reloadWinner(txCtx, order.ID, rec.IdempotencyKey, err)
				} else {
					current, err = r.reloadSuccess(txCtx, existing.ID)
				}
				if err != nil {
					return err
				}
				payment = current
				return nil
			}
			payment = updated
			applied = true
		} else {
			current, settled, err := r.settledPayment(txCtx, order.ID)
			if err != nil {
				return err
			}
			if settled {
				payment = current
				return nil
			}

			created := Payment{
				ID:         r.newID(),
				OrderID:    order.ID,
				Amount:     rec.Amount,
				Currency:   rec.Currency,
				Provider:   rec.Provider,
				PaymentKey: stringPtr(rec.PaymentKey),
				Status:     domain.PaymentStatusSuccess,
				PaidAt:     &paidAt,
				Metadata:   maps.Clone(rec.Metadata),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if rec.IdempotencyKey != "" {
				created.IdempotencyKey = stringPtr(rec.IdempotencyKey)
			}
			// Nested so a unique violation only rolls back the savepoint.
			insertErr := r.unitOfWork.RunInTx(txCtx, func(insertCtx context.Context) error {
				return r.payments.Insert(insertCtx, created)
			})
			switch {
			case insertErr == nil:
				payment = created
				applied = true
			case lostRace(insertErr):
				current, err := r.reloadWinner(txCtx, order.ID, rec.IdempotencyKey, insertErr)
				if err != nil {
					return err
				}
				payment = current
				return nil
			default:
				return mapRepositoryError(insertErr, "PAYMENT_NOT_FOUND", "payment not found")
			}
		}

		if err := r.orders.UpdatePaymentStatus(txCtx, order.ID, domain.OrderPaymentPaid, now); err != nil {
			return mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
		}
		return nil
	})
	if err != nil {
		return Payment{}, false, err
	}
	return payment, applied, nil
}

// settledPayment checks the order's latest payment before a new SUCCESS row is inserted. A SUCCESS
// row is returned with settled set; a row already past SUCCESS fails with InvalidState.
func (r paymentRecorder) settledPayment(ctx context.Context, orderID string) (Payment, bool, error) {
	latest, err := r.payments.FindLatestByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return Payment{}, false, nil
		}
		return Payment{}, false, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
	}
	switch latest.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusFailed:
		return Payment{}, false, nil
	case domain.PaymentStatusSuccess:
		return latest, true, nil
	default:
		return Payment{}, false, stateChanged(latest)
	}
}

// reloadWinner loads the row whose write beat ours. A lost race on the idempotency key reloads by
// key; every other conflict, or a key row that has since gone, reloads the order's payment.
func (r paymentRecorder) reloadWinner(ctx context.Context, orderID, idempotencyKey string, cause error) (Payment, error) {
	if idempotencyKey != "" && violates(cause, repositories.ConstraintPaymentIdempotencyKey) {
		current, err := r.payments.FindByIdempotencyKey(ctx, idempotencyKey)
		switch {
		case err == nil && current.OrderID == orderID:
			return acceptSuccess(current)
		case err != nil && !isNotFound(err):
			return Payment{}, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
		}
	}
	current, err := r.payments.FindLatestByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
	}
	return acceptSuccess(current)
}

// reloadSuccess rereads a row whose guarded transition matched nothing.
func (r paymentRecorder) reloadSuccess(ctx context.Context, paymentID string) (Payment, error) {
	current, err := r.payments.FindByID(ctx, paymentID)
	if err != nil {
		return Payment{}, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
	}
	return acceptSuccess(current)
}

// lostRace reports whether err is a unique violation caused by another payment writer.
func lostRace(err error) bool {
	return violates(err, repositories.ConstraintPaymentSuccessPerOrder) ||
		violates(err, repositories.ConstraintPaymentIdempotencyKey)
}

func acceptSuccess(current Payment) (Payment, error) {
	if current.Status != domain.PaymentStatusSuccess {
		return Payment{}, stateChanged(current)
	}
	return current, nil
}

func stateChanged(current Payment) error {
	return newError(KindInvalidState, "PAYMENT_STATE_CHANGED", "payment was updated concurrently").
		withDetail("payment_id", current.ID).
		withDetail("status", string(current.Status))
}

// recordFailure persists a FAILED attempt. Persistence errors are logged, never returned, so the
// caller still surfaces the provider error.
func (r paymentRecorder) recordFailure(ctx context.Context, order Order, existing *Payment, failed Payment) {
	now := r.clock()
	failed.Status = domain.PaymentStatusFailed
	failed.FailedAt = &now
	failed.UpdatedAt = now

	var err error
	if existing != nil && (existing.Status == domain.PaymentStatusPending || existing.Status == domain.PaymentStatusFailed) {
		failed.ID = existing.ID
		failed.CreatedAt = existing.CreatedAt
		if failed.IdempotencyKey == nil {
			failed.IdempotencyKey = existing.IdempotencyKey
		}
		_, err = r.payments.Transition(ctx, failed, retryableIntoSuccess)
	} else {
		failed.ID = r.newID()
		failed.OrderID = order.ID
		failed.CreatedAt = now
		err = r.payments.Insert(ctx, failed)
	}
	if err != nil {
		r.logger(ctx, "payment.failure.persist_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
