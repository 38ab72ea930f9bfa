package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/payments"
	"github.com/branchorder/api/internal/platform/textutil"
	"github.com/branchorder/api/internal/repositories"
)

const (
	defaultRefundReason = "refund requested"
	// The refund transaction holds the payment row lock across the provider call, so its
	// budget must outlast the provider timeout.
	defaultRefundTxTimeout = 30 * time.Second
)

// PaymentGateway abstracts payments.Manager for easier testing.
type PaymentGateway interface {
	Confirm(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.PaymentDetails, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
	ProviderName(paymentCtx payments.PaymentContext) (string, error)
}

// PaymentServiceDeps wires the dependencies required by the payment service.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	UnitOfWork  repositories.UnitOfWork
	Gateway     PaymentGateway
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Metrics     *Metrics
	Logger      Logger

	// RefundTxTimeout bounds the locked refund transaction when UnitOfWork supports deadlines.
	RefundTxTimeout time.Duration
}

type paymentService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	unitOfWork repositories.UnitOfWork
	gateway    PaymentGateway
	currency   string
	refundTx   time.Duration
	clock      func() time.Time
	events     EventPublisher
	metrics    *Metrics
	logger     Logger
	resolver   orderResolver
	recorder   paymentRecorder
}

// NewPaymentService constructs the payment confirmation and refund engine.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: payment gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	refundTx := deps.RefundTxTimeout
	if refundTx <= 0 {
		refundTx = defaultRefundTxTimeout
	}

	return &paymentService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		unitOfWork: unit,
		gateway:    deps.Gateway,
		currency:   currency,
		refundTx:   refundTx,
		clock:      utc,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     logger,
		resolver:   orderResolver{orders: deps.Orders},
		recorder: paymentRecorder{
			orders:     deps.Orders,
			payments:   deps.Payments,
			unitOfWork: unit,
			clock:      utc,
			newID:      idGen,
			logger:     logger,
		},
	}, nil
}

func (s *paymentService) Prepare(ctx context.Context, ref OrderRef) (PaymentPreparation, error) {
	order, err := s.resolver.resolve(ctx, ref)
	if err != nil {
		return PaymentPreparation{}, err
	}
	if order.PaymentStatus == domain.OrderPaymentPaid {
		return PaymentPreparation{}, newError(KindInvalidState, "ORDER_ALREADY_PAID", "order has already been paid").
			withDetail("order_id", order.ID)
	}
	if !orderPayable(order) {
		return PaymentPreparation{}, newError(KindInvalidState, "ORDER_NOT_PAYABLE", "order cannot be paid in its current state").
			withDetail("order_id", order.ID).
			withDetail("payment_status", string(order.PaymentStatus))
	}

	items, err := s.orders.ListItems(ctx, order.ID)
	if err != nil {
		return PaymentPreparation{}, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
	}
	return PaymentPreparation{
		OrderID:      order.ID,
		OrderNo:      order.OrderNo,
		Amount:       order.TotalAmount,
		Currency:     s.currency,
		OrderName:    orderDisplayName(order, items),
		CustomerName: derefString(order.CustomerName),
	}, nil
}

func (s *paymentService) GetPayment(ctx context.Context, ref OrderRef) (Payment, error) {
	order, err := s.resolver.resolve(ctx, ref)
	if err != nil {
		return Payment{}, err
	}
	payment, err := s.payments.FindLatestByOrder(ctx, order.ID)
	if err != nil {
		return Payment{}, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
	}
	return payment, nil
}

func (s *paymentService) Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (result ConfirmPaymentResult, err error) {
	ctx, span := startSpan(ctx, "payments.confirm", attribute.String("order_ref", cmd.Order.Value))
	defer func() { endSpan(span, err) }()

	paymentKey := strings.TrimSpace(cmd.PaymentKey)
	if paymentKey == "" {
		return ConfirmPaymentResult{}, newError(KindValidation, "PAYMENT_KEY_REQUIRED", "payment key is required")
	}
	if cmd.Amount <= 0 {
		return ConfirmPaymentResult{}, newError(KindValidation, "INVALID_AMOUNT", "amount must be positive")
	}

	order, err := s.resolver.resolve(ctx, cmd.Order)
	if err != nil {
		return ConfirmPaymentResult{}, err
	}
	if order.TotalAmount != cmd.Amount {
		return ConfirmPaymentResult{}, newError(KindValidation, "AMOUNT_MISMATCH", "amount does not match order total").
			withDetail("expected", order.TotalAmount).
			withDetail("actual", cmd.Amount)
	}
	if !orderPayable(order) && order.PaymentStatus != domain.OrderPaymentPaid {
		return ConfirmPaymentResult{}, newError(KindInvalidState, "ORDER_NOT_PAYABLE", "order cannot be paid in its current state").
			withDetail("order_id", order.ID).
			withDetail("payment_status", string(order.PaymentStatus))
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	existing, err := s.priorPayment(ctx, order, key)
	if err != nil {
		return ConfirmPaymentResult{}, err
	}
	if existing != nil {
		switch {
		case existing.Status == domain.PaymentStatusSuccess:
			if existing.Amount != cmd.Amount {
				return ConfirmPaymentResult{}, newError(KindConflict, "PAYMENT_AMOUNT_MISMATCH", "payment already recorded with a different amount").
					withDetail("payment_id", existing.ID)
			}
			s.metrics.confirmResult(ctx, "replayed")
			order.PaymentStatus = domain.OrderPaymentPaid
			return ConfirmPaymentResult{Payment: *existing, Order: order, Replayed: true}, nil
		case existing.Status.IsTerminalCancelled() || existing.Status == domain.PaymentStatusPartialRefunded:
			return ConfirmPaymentResult{}, newError(KindInvalidState, "PAYMENT_NOT_CONFIRMABLE", "payment can no longer be confirmed").
				withDetail("payment_id", existing.ID).
				withDetail("status", string(existing.Status))
		}
	}
	if order.PaymentStatus == domain.OrderPaymentPaid {
		return ConfirmPaymentResult{}, newError(KindInvalidState, "ORDER_ALREADY_PAID", "order has already been paid").
			withDetail("order_id", order.ID)
	}

	paymentCtx := payments.PaymentContext{Currency: s.currency}
	if existing != nil && existing.Provider != "" {
		paymentCtx.PreferredProvider = existing.Provider
	}
	start := time.Now()
	details, callErr := s.gateway.Confirm(ctx, paymentCtx, payments.ConfirmRequest{
		PaymentKey:     paymentKey,
		OrderID:        order.ID,
		Amount:         cmd.Amount,
		Currency:       s.currency,
		IdempotencyKey: key,
	})
	s.metrics.providerCall(ctx, "confirm", time.Since(start), callErr)
	if callErr == nil && details.Status != payments.StatusSucceeded {
		callErr = &payments.ProviderError{
			Provider: details.Provider,
			Op:       "confirm",
			Code:     "NOT_APPROVED",
			Message:  fmt.Sprintf("payment status %s", details.Status),
			Raw:      details.Raw,
		}
	}
	if callErr != nil {
		s.recordProviderFailure(ctx, order, existing, paymentCtx, paymentKey, key, cmd.Amount, callErr)
		s.metrics.confirmResult(ctx, "failed")
		publish(ctx, s.events, s.logger, DomainEvent{
			Type:       EventPaymentFailed,
			BranchID:   order.BranchID,
			OrderID:    order.ID,
			OrderNo:    order.OrderNo,
			Amount:     cmd.Amount,
			Status:     string(domain.PaymentStatusFailed),
			OccurredAt: s.clock(),
		})
		return ConfirmPaymentResult{}, providerFailure(callErr)
	}

	rec := successRecord{
		PaymentKey:     paymentKey,
		Amount:         cmd.Amount,
		Currency:       s.currency,
		Provider:       details.Provider,
		IdempotencyKey: key,
		Metadata:       providerMetadata(details),
	}
	if details.ApprovedAt != nil {
		rec.PaidAt = details.ApprovedAt.UTC()
	}
	payment, applied, err := s.recorder.recordSuccess(ctx, order, existing, rec)
	if err != nil {
		s.logger(ctx, "payment.confirm.persist_failed", map[string]any{
			"orderId":    order.ID,
			"paymentKey": paymentKey,
			"error":      err.Error(),
		})
		return ConfirmPaymentResult{}, err
	}

	order.PaymentStatus = domain.OrderPaymentPaid
	if !applied {
		s.metrics.confirmResult(ctx, "replayed")
		return ConfirmPaymentResult{Payment: payment, Order: order, Replayed: true}, nil
	}

	s.metrics.confirmResult(ctx, "succeeded")
	s.logger(ctx, "payment.confirmed", map[string]any{
		"orderId":   order.ID,
		"paymentId": payment.ID,
		"provider":  payment.Provider,
		"amount":    payment.Amount,
	})
	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventPaymentSucceeded,
		BranchID:   order.BranchID,
		OrderID:    order.ID,
		OrderNo:    order.OrderNo,
		PaymentID:  payment.ID,
		Amount:     payment.Amount,
		Status:     string(payment.Status),
		OccurredAt: s.clock(),
	})
	return ConfirmPaymentResult{Payment: payment, Order: order}, nil
}

// priorPayment finds the row a confirmation should reuse: the idempotency key's row when one is
// supplied, otherwise the order's latest payment.
func (s *paymentService) priorPayment(ctx context.Context, order Order, key string) (*Payment, error) {
	if key != "" {
		prior, err := s.payments.FindByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			if prior.OrderID != order.ID {
				return nil, newError(KindConflict, "IDEMPOTENCY_KEY_REUSED", "idempotency key belongs to another order")
			}
			return &prior, nil
		case !isNotFound(err):
			return nil, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
		}
	}
	latest, err := s.payments.FindLatestByOrder(ctx, order.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
	}
	return &latest, nil
}

func (s *paymentService) recordProviderFailure(ctx context.Context, order Order, existing *Payment, paymentCtx payments.PaymentContext, paymentKey, key string, amount int64, cause error) {
	failed := Payment{
		OrderID:    order.ID,
		Amount:     amount,
		Currency:   s.currency,
		PaymentKey: stringPtr(paymentKey),
	}
	if key != "" {
		failed.IdempotencyKey = stringPtr(key)
	}

	code, message := "PROVIDER_ERROR", cause.Error()
	var perr *payments.ProviderError
	if errors.As(cause, &perr) {
		failed.Provider = perr.Provider
		if perr.Code != "" {
			code = perr.Code
		}
		if perr.Message != "" {
			message = perr.Message
		}
		if len(perr.Raw) > 0 {
			failed.Metadata = map[string]any{"provider_response": perr.Raw}
		}
	}
	if failed.Provider == "" {
		if name, err := s.gateway.ProviderName(paymentCtx); err == nil {
			failed.Provider = name
		} else {
			failed.Provider = "unknown"
		}
	}
	failed.FailureCode = stringPtr(code)
	failed.FailureMessage = stringPtr(message)

	s.logger(ctx, "payment.confirm.provider_failed", map[string]any{
		"orderId":  order.ID,
		"provider": failed.Provider,
		"code":     code,
		"error":    cause.Error(),
	})
	s.recorder.recordFailure(ctx, order, existing, failed)
}

func (s *paymentService) Refund(ctx context.Context, cmd RefundPaymentCommand) (result Payment, err error) {
	ctx, span := startSpan(ctx, "payments.refund", attribute.String("payment_id", cmd.PaymentID))
	defer func() { endSpan(span, err) }()

	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return Payment{}, newError(KindValidation, "PAYMENT_ID_REQUIRED", "payment id is required")
	}
	if cmd.Amount != nil && *cmd.Amount <= 0 {
		return Payment{}, newError(KindValidation, "INVALID_AMOUNT", "refund amount must be positive")
	}
	reason := textutil.SanitizeText(cmd.Reason)
	if reason == "" {
		reason = defaultRefundReason
	}

	var (
		refunded Payment
		amount   int64
	)
	err = s.runRefundTx(ctx, func(txCtx context.Context) error {
		payment, err := s.payments.FindByIDForUpdate(txCtx, paymentID)
		if err != nil {
			return mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
		}
		if !payment.Status.Refundable() {
			return newError(KindInvalidState, "REFUND_NOT_ALLOWED", "payment cannot be refunded in its current state").
				withDetail("status", string(payment.Status))
		}

		available := payment.RefundableBalance()
		amount = available
		if cmd.Amount != nil {
			amount = *cmd.Amount
		}
		if amount <= 0 || payment.RefundAmount+amount > payment.Amount {
			return newError(KindInvalidState, "REFUND_EXCEEDS_BALANCE", "refund amount exceeds refundable balance").
				withDetail("available", available).
				withDetail("requested", amount)
		}
		if payment.PaymentKey == nil || *payment.PaymentKey == "" {
			return newError(KindInvalidState, "PAYMENT_KEY_MISSING", "payment has no provider reference")
		}

		start := time.Now()
		details, callErr := s.gateway.Refund(txCtx, payments.PaymentContext{
			PreferredProvider: payment.Provider,
			Currency:          payment.Currency,
		}, payments.RefundRequest{
			PaymentKey: *payment.PaymentKey,
			Amount:     amount,
			Reason:     reason,
			// Stable per cumulative total so a retried refund is not applied twice by the provider.
			IdempotencyKey: payment.ID + ":refund:" + strconv.FormatInt(payment.RefundAmount+amount, 10),
		})
		s.metrics.providerCall(ctx, "refund", time.Since(start), callErr)
		if callErr != nil {
			s.logger(ctx, "payment.refund.provider_failed", map[string]any{
				"paymentId": payment.ID,
				"amount":    amount,
				"error":     callErr.Error(),
			})
			return providerFailure(callErr)
		}

		now := s.clock()
		updated := payment
		updated.RefundAmount += amount
		updated.Status = domain.PaymentStatusPartialRefunded
		if updated.RefundAmount >= updated.Amount {
			updated.Status = domain.PaymentStatusRefunded
		}
		updated.RefundedAt = &now
		updated.CancelReason = stringPtr(reason)
		updated.UpdatedAt = now
		updated.Metadata = mergeMetadata(payment.Metadata, map[string]any{
			"last_refund_amount": amount,
			"last_refund_status": string(details.Status),
		})

		changed, err := s.payments.Transition(txCtx, updated, []domain.PaymentStatus{
			domain.PaymentStatusSuccess,
			domain.PaymentStatusPartialRefunded,
		})
		if err != nil {
			return mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
		}
		if !changed {
			return newError(KindConflict, "PAYMENT_CONCURRENT_UPDATE", "payment was updated concurrently")
		}
		if err := s.orders.UpdatePaymentStatus(txCtx, payment.OrderID, orderStatusForPayment(updated.Status), now); err != nil {
			return mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
		}
		refunded = updated
		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	s.metrics.refundRecorded(ctx, string(refunded.Status))
	s.logger(ctx, "payment.refunded", map[string]any{
		"paymentId":    refunded.ID,
		"orderId":      refunded.OrderID,
		"amount":       amount,
		"refundAmount": refunded.RefundAmount,
		"status":       string(refunded.Status),
		"actorId":      cmd.ActorID,
	})
	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventPaymentRefunded,
		OrderID:    refunded.OrderID,
		PaymentID:  refunded.ID,
		Amount:     amount,
		Status:     string(refunded.Status),
		OccurredAt: s.clock(),
		Metadata: map[string]any{
			"refund_amount": refunded.RefundAmount,
			"actor_id":      cmd.ActorID,
		},
	})
	return refunded, nil
}

func (s *paymentService) runRefundTx(ctx context.Context, fn func(context.Context) error) error {
	if timed, ok := s.unitOfWork.(repositories.TimedUnitOfWork); ok {
		return timed.RunInTxWithTimeout(ctx, s.refundTx, fn)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

// providerFailure maps gateway errors onto the ProviderError kind, keeping the raw payload.
func providerFailure(err error) error {
	if err == nil {
		return nil
	}
	var perr *payments.ProviderError
	if !errors.As(err, &perr) {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return newError(KindUnavailable, "PROVIDER_UNAVAILABLE", "payment provider is not configured").wrap(err)
		}
		return newError(KindProviderError, "PROVIDER_ERROR", "payment provider request failed").wrap(err)
	}
	code := perr.Code
	if code == "" {
		code = "PROVIDER_ERROR"
	}
	message := perr.Message
	if message == "" {
		message = "payment provider request failed"
	}
	svcErr := newError(KindProviderError, code, message).
		withDetail("provider", perr.Provider).
		withDetail("timeout", perr.Timeout).
		wrap(err)
	if perr.StatusCode != 0 {
		svcErr.withDetail("provider_status", perr.StatusCode)
	}
	svcErr.Raw = perr.Raw
	return svcErr
}

func providerMetadata(details payments.PaymentDetails) map[string]any {
	metadata := map[string]any{}
	if details.Method != "" {
		metadata["method"] = details.Method
	}
	if len(details.Raw) > 0 {
		metadata["provider_response"] = details.Raw
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func orderPayable(order Order) bool {
	if order.Status == domain.OrderStatusCancelled {
		return false
	}
	switch order.PaymentStatus {
	case domain.OrderPaymentCancelled, domain.OrderPaymentRefunded, domain.OrderPaymentPartialRefunded, domain.OrderPaymentPaid:
		return false
	}
	return true
}

func orderStatusForPayment(status domain.PaymentStatus) domain.OrderPaymentStatus {
	switch status {
	case domain.PaymentStatusSuccess:
		return domain.OrderPaymentPaid
	case domain.PaymentStatusFailed:
		return domain.OrderPaymentFailed
	case domain.PaymentStatusCancelled:
		return domain.OrderPaymentCancelled
	case domain.PaymentStatusRefunded:
		return domain.OrderPaymentRefunded
	case domain.PaymentStatusPartialRefunded:
		return domain.OrderPaymentPartialRefunded
	default:
		return domain.OrderPaymentPending
	}
}

// orderDisplayName renders the checkout label: the first product, then "and N more".
func orderDisplayName(order Order, items []OrderItem) string {
	switch len(items) {
	case 0:
		return "Order " + order.OrderNo
	case 1:
		return items[0].ProductNameSnapshot
	default:
		return fmt.Sprintf("%s and %d more", items[0].ProductNameSnapshot, len(items)-1)
	}
}
