package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/platform/textutil"
	"github.com/branchorder/api/internal/repositories"
)

const unparsedWebhookEvent = "UNPARSED"

// SignatureVerifier checks a webhook signature over the raw body. auth.WebhookVerifier satisfies it.
type SignatureVerifier interface {
	Verify(ctx context.Context, body []byte, signature string) error
}

// WebhookServiceDeps wires the webhook reconciler.
type WebhookServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.PaymentRepository
	WebhookLogs repositories.WebhookLogRepository
	UnitOfWork  repositories.UnitOfWork
	Verifier    SignatureVerifier
	Provider    string
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	LogIDs      func() string
	Events      EventPublisher
	Metrics     *Metrics
	Logger      Logger
}

type webhookService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	logs       repositories.WebhookLogRepository
	unitOfWork repositories.UnitOfWork
	verifier   SignatureVerifier
	provider   string
	currency   string
	clock      func() time.Time
	newID      func() string
	logID      func() string
	events     EventPublisher
	metrics    *Metrics
	logger     Logger
	resolver   orderResolver
	recorder   paymentRecorder
}

// webhookEnvelope is the provider payload: {eventType, createdAt, data{...}}.
type webhookEnvelope struct {
	EventType string      `json:"eventType"`
	CreatedAt string      `json:"createdAt"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	OrderID            string `json:"orderId"`
	PaymentKey         string `json:"paymentKey"`
	Status             string `json:"status"`
	Amount             int64  `json:"amount"`
	CancellationReason string `json:"cancellationReason"`
}

// NewWebhookService constructs the provider webhook reconciler.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("webhook service: payment repository is required")
	}
	if deps.WebhookLogs == nil {
		return nil, errors.New("webhook service: webhook log repository is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: signature verifier is required")
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
	logIDs := deps.LogIDs
	if logIDs == nil {
		logIDs = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	provider := strings.TrimSpace(deps.Provider)
	if provider == "" {
		provider = "toss"
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	return &webhookService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		logs:       deps.WebhookLogs,
		unitOfWork: unit,
		verifier:   deps.Verifier,
		provider:   provider,
		currency:   currency,
		clock:      utc,
		newID:      idGen,
		logID:      logIDs,
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

// Handle logs the delivery, verifies it, applies it and records the outcome on the log row.
func (s *webhookService) Handle(ctx context.Context, cmd WebhookCommand) (result WebhookResult, err error) {
	var envelope webhookEnvelope
	parseErr := json.Unmarshal(cmd.Body, &envelope)
	eventType := strings.TrimSpace(envelope.EventType)
	if parseErr != nil || eventType == "" {
		eventType = unparsedWebhookEvent
	}

	ctx, span := startSpan(ctx, "webhooks.handle", attribute.String("event_type", eventType))
	defer func() { endSpan(span, err) }()

	logID := s.logID()
	result = WebhookResult{LogID: logID, EventType: eventType}
	payload := cmd.Body
	if cmd.BodyTooLarge {
		// A cut body may end inside a multi-byte character.
		payload = bytes.ToValidUTF8(payload, nil)
	}
	logged := s.appendLog(ctx, domain.WebhookLog{
		ID:         logID,
		EventType:  eventType,
		PaymentKey: strings.TrimSpace(envelope.Data.PaymentKey),
		OrderRef:   strings.TrimSpace(envelope.Data.OrderID),
		Payload:    payload,
		Signature:  cmd.Signature,
		CreatedAt:  s.clock(),
	})

	outcome, err := s.process(ctx, cmd, envelope, eventType, parseErr)
	if logged {
		s.finishLog(ctx, logID, err)
	}
	if err != nil {
		s.metrics.webhookHandled(ctx, eventType, "failed")
		s.logger(ctx, "webhook.failed", map[string]any{
			"logId":     logID,
			"eventType": eventType,
			"error":     err.Error(),
		})
		return result, err
	}

	result.Outcome = outcome
	s.metrics.webhookHandled(ctx, eventType, outcome)
	s.logger(ctx, "webhook.processed", map[string]any{
		"logId":     logID,
		"eventType": eventType,
		"outcome":   outcome,
	})
	return result, nil
}

func (s *webhookService) process(ctx context.Context, cmd WebhookCommand, envelope webhookEnvelope, eventType string, parseErr error) (string, error) {
	if cmd.BodyTooLarge {
		return "", newError(KindPayloadTooLarge, "PAYLOAD_TOO_LARGE", "webhook body exceeds the size limit").
			withDetail("limit_bytes", len(cmd.Body))
	}
	if err := s.verifier.Verify(ctx, cmd.Body, cmd.Signature); err != nil {
		return "", newError(KindSignatureVerificationFailed, "INVALID_SIGNATURE", "webhook signature verification failed").wrap(err)
	}
	if parseErr != nil {
		return "", newError(KindValidation, "MALFORMED_WEBHOOK", "webhook body is not valid JSON").wrap(parseErr)
	}

	switch domain.WebhookEventType(eventType) {
	case domain.WebhookPaymentConfirmed:
		return s.handleConfirmed(ctx, envelope)
	case domain.WebhookPaymentCancelled:
		return s.handleCancelled(ctx, envelope)
	default:
		s.logger(ctx, "webhook.ignored", map[string]any{"eventType": eventType})
		return WebhookOutcomeIgnored, nil
	}
}

func (s *webhookService) handleConfirmed(ctx context.Context, envelope webhookEnvelope) (string, error) {
	data := envelope.Data
	paymentKey := strings.TrimSpace(data.PaymentKey)
	if paymentKey == "" {
		return "", newError(KindValidation, "PAYMENT_KEY_REQUIRED", "webhook is missing paymentKey")
	}

	order, err := s.resolver.resolve(ctx, OrderRef{Value: data.OrderID})
	if err != nil {
		return "", err
	}
	if data.Amount != order.TotalAmount {
		return "", newError(KindValidation, "AMOUNT_MISMATCH", "webhook amount does not match order total").
			withDetail("expected", order.TotalAmount).
			withDetail("actual", data.Amount)
	}

	existing, err := s.existingPayment(ctx, order.ID, paymentKey)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.Amount != data.Amount {
			return "", newError(KindValidation, "AMOUNT_MISMATCH", "webhook amount does not match recorded payment").
				withDetail("payment_id", existing.ID).
				withDetail("expected", existing.Amount).
				withDetail("actual", data.Amount)
		}
		switch {
		case existing.Status == domain.PaymentStatusSuccess || existing.Status == domain.PaymentStatusPartialRefunded:
			return WebhookOutcomeNoop, nil
		case existing.Status.IsTerminalCancelled():
			s.logger(ctx, "webhook.stale_confirmation", map[string]any{
				"orderId":   order.ID,
				"paymentId": existing.ID,
				"status":    string(existing.Status),
			})
			return WebhookOutcomeIgnored, nil
		}
	}

	rec := successRecord{
		PaymentKey: paymentKey,
		Amount:     data.Amount,
		Currency:   s.currency,
		Provider:   s.provider,
		Metadata:   map[string]any{"source": "webhook", "provider_status": data.Status},
	}
	if approvedAt, ok := parseWebhookTime(envelope.CreatedAt); ok {
		rec.PaidAt = approvedAt
	}
	payment, applied, err := s.recorder.recordSuccess(ctx, order, existing, rec)
	if err != nil {
		return "", err
	}
	if !applied {
		return WebhookOutcomeNoop, nil
	}

	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventPaymentSucceeded,
		BranchID:   order.BranchID,
		OrderID:    order.ID,
		OrderNo:    order.OrderNo,
		PaymentID:  payment.ID,
		Amount:     payment.Amount,
		Status:     string(payment.Status),
		OccurredAt: s.clock(),
		Metadata:   map[string]any{"source": "webhook"},
	})
	return WebhookOutcomeApplied, nil
}

func (s *webhookService) handleCancelled(ctx context.Context, envelope webhookEnvelope) (string, error) {
	data := envelope.Data
	paymentKey := strings.TrimSpace(data.PaymentKey)

	order, err := s.resolver.resolve(ctx, OrderRef{Value: data.OrderID})
	if err != nil {
		return "", err
	}
	existing, err := s.existingPayment(ctx, order.ID, paymentKey)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Status.IsTerminalCancelled() {
		return WebhookOutcomeNoop, nil
	}

	reason := textutil.SanitizeText(data.CancellationReason)
	if reason == "" {
		reason = "cancelled by provider"
	}

	var cancelled Payment
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		now := s.clock()
		if existing != nil {
			updated := *existing
			updated.Status = domain.PaymentStatusCancelled
			updated.CancelReason = stringPtr(reason)
			updated.CancelledAt = &now
			updated.UpdatedAt = now
			if paymentKey != "" {
				updated.PaymentKey = stringPtr(paymentKey)
			}
			changed, err := s.payments.Transition(txCtx, updated, []domain.PaymentStatus{
				domain.PaymentStatusPending,
				domain.PaymentStatusSuccess,
				domain.PaymentStatusFailed,
				domain.PaymentStatusPartialRefunded,
			})
			if err != nil {
				return mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
			}
			if !changed {
				return newError(KindConflict, "PAYMENT_CONCURRENT_UPDATE", "payment was updated concurrently")
			}
			cancelled = updated
		} else {
			amount := data.Amount
			if amount <= 0 {
				amount = order.TotalAmount
			}
			cancelled = Payment{
				ID:           s.newID(),
				OrderID:      order.ID,
				Amount:       amount,
				Currency:     s.currency,
				Provider:     s.provider,
				Status:       domain.PaymentStatusCancelled,
				CancelReason: stringPtr(reason),
				CancelledAt:  &now,
				Metadata:     map[string]any{"source": "webhook"},
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if paymentKey != "" {
				cancelled.PaymentKey = stringPtr(paymentKey)
			}
			if err := s.payments.Insert(txCtx, cancelled); err != nil {
				return mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
			}
		}
		if err := s.orders.UpdatePaymentStatus(txCtx, order.ID, domain.OrderPaymentCancelled, now); err != nil {
			return mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventPaymentCancelled,
		BranchID:   order.BranchID,
		OrderID:    order.ID,
		OrderNo:    order.OrderNo,
		PaymentID:  cancelled.ID,
		Amount:     cancelled.Amount,
		Status:     string(cancelled.Status),
		OccurredAt: s.clock(),
		Metadata:   map[string]any{"reason": reason},
	})
	return WebhookOutcomeApplied, nil
}

// existingPayment prefers the row carrying paymentKey, then the order's latest payment.
func (s *webhookService) existingPayment(ctx context.Context, orderID, paymentKey string) (*Payment, error) {
	if paymentKey != "" {
		payment, err := s.payments.FindByPaymentKey(ctx, paymentKey)
		switch {
		case err == nil && payment.OrderID == orderID:
			return &payment, nil
		case err != nil && !isNotFound(err):
			return nil, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
		}
	}
	payment, err := s.payments.FindLatestByOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapRepositoryError(err, "PAYMENT_NOT_FOUND", "payment not found")
	}
	return &payment, nil
}

func (s *webhookService) appendLog(ctx context.Context, entry domain.WebhookLog) bool {
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger(ctx, "webhook.log.append_failed", map[string]any{
			"logId":     entry.ID,
			"eventType": entry.EventType,
			"error":     err.Error(),
		})
		return false
	}
	return true
}

func (s *webhookService) finishLog(ctx context.Context, logID string, cause error) {
	now := s.clock()
	var err error
	if cause != nil {
		err = s.logs.MarkFailed(context.WithoutCancel(ctx), logID, cause.Error(), now)
	} else {
		err = s.logs.MarkProcessed(context.WithoutCancel(ctx), logID, now)
	}
	if err != nil {
		s.logger(ctx, "webhook.log.update_failed", map[string]any{
			"logId": logID,
			"error": err.Error(),
		})
	}
}

func parseWebhookTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
