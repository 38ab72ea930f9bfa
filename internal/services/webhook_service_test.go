package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/platform/auth"
)

const testWebhookSecret = "whsec_test"

func newTestWebhookService(t *testing.T, store *memoryStore, secret string) (WebhookService, *recordingPublisher) {
	t.Helper()
	events := &recordingPublisher{}
	clock := &steppingClock{now: orderTestNow}
	svc, err := NewWebhookService(WebhookServiceDeps{
		Orders:      store.orderRepo(),
		Payments:    store.paymentRepo(),
		WebhookLogs: store.webhookLogRepo(),
		Verifier:    auth.NewWebhookVerifier(secret),
		Clock:       clock.Now,
		Events:      events,
	})
	if err != nil {
		t.Fatalf("new webhook service: %v", err)
	}
	return svc, events
}

func webhookBody(eventType, orderID, paymentKey string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"eventType":%q,"createdAt":"2024-06-01T12:00:05+09:00","data":{"orderId":%q,"paymentKey":%q,"status":"DONE","amount":%d,"cancellationReason":"customer changed mind"}}`,
		eventType, orderID, paymentKey, amount,
	))
}

func signedWebhook(body []byte) WebhookCommand {
	return WebhookCommand{Body: body, Signature: auth.SignWebhookBody(testWebhookSecret, body)}
}

func TestWebhookServiceConfirmedIsReplaySafe(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	svc, events := newTestWebhookService(t, store, testWebhookSecret)
	ctx := context.Background()

	body := webhookBody("PAYMENT_CONFIRMED", order.ID, "pk_1", 2000)
	first, err := svc.Handle(ctx, signedWebhook(body))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != WebhookOutcomeApplied {
		t.Fatalf("expected applied, got %s", first.Outcome)
	}
	second, err := svc.Handle(ctx, signedWebhook(body))
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Outcome != WebhookOutcomeNoop {
		t.Fatalf("expected noop on replay, got %s", second.Outcome)
	}

	rows := store.paymentsFor(order.ID)
	if len(rows) != 1 || rows[0].Status != domain.PaymentStatusSuccess {
		t.Fatalf("expected exactly one SUCCESS payment, got %+v", rows)
	}
	wantPaidAt := time.Date(2024, 6, 1, 3, 0, 5, 0, time.UTC)
	if rows[0].PaidAt == nil || !rows[0].PaidAt.Equal(wantPaidAt) {
		t.Fatalf("expected paid_at from the event timestamp, got %v", rows[0].PaidAt)
	}
	if store.order(order.ID).PaymentStatus != domain.OrderPaymentPaid {
		t.Fatalf("expected order PAID")
	}
	if got := events.types(); len(got) != 1 {
		t.Fatalf("expected one event for two deliveries, got %v", got)
	}
	for _, entry := range store.webhookLogs {
		if !entry.Processed || entry.ProcessedAt == nil {
			t.Fatalf("expected log %s to be processed", entry.ID)
		}
	}
	if len(store.webhookLogs) != 2 {
		t.Fatalf("expected every delivery to be logged, got %d", len(store.webhookLogs))
	}
}

func TestWebhookServiceConfirmedByOrderNumberPromotesFailed(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	key := "pk_1"
	store.seedPayment(domain.Payment{
		ID: "pay-1", OrderID: order.ID, Amount: 2000, Currency: "KRW", Provider: "toss",
		PaymentKey: &key, Status: domain.PaymentStatusFailed, CreatedAt: orderTestNow,
	})
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	result, err := svc.Handle(context.Background(), signedWebhook(webhookBody("PAYMENT_CONFIRMED", order.OrderNo, key, 2000)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != WebhookOutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	rows := store.paymentsFor(order.ID)
	if len(rows) != 1 || rows[0].ID != "pay-1" || rows[0].Status != domain.PaymentStatusSuccess {
		t.Fatalf("expected FAILED row to be promoted, got %+v", rows)
	}
}

func TestWebhookServiceCancelledAfterRefundIsNoop(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	key := "pk_1"
	store.seedPayment(domain.Payment{
		ID: "pay-1", OrderID: order.ID, Amount: 2000, RefundAmount: 2000, Currency: "KRW", Provider: "toss",
		PaymentKey: &key, Status: domain.PaymentStatusRefunded, CreatedAt: orderTestNow,
	})
	svc, events := newTestWebhookService(t, store, testWebhookSecret)

	result, err := svc.Handle(context.Background(), signedWebhook(webhookBody("PAYMENT_CANCELLED", order.ID, key, 2000)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != WebhookOutcomeNoop {
		t.Fatalf("expected noop, got %s", result.Outcome)
	}
	if store.paymentsFor(order.ID)[0].Status != domain.PaymentStatusRefunded {
		t.Fatalf("refunded payment must not change")
	}
	if len(events.types()) != 0 {
		t.Fatalf("noop must not publish events")
	}
}

func TestWebhookServiceCancelledCreatesPayment(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	svc, events := newTestWebhookService(t, store, testWebhookSecret)

	result, err := svc.Handle(context.Background(), signedWebhook(webhookBody("PAYMENT_CANCELLED", order.ID, "pk_9", 2000)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != WebhookOutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	rows := store.paymentsFor(order.ID)
	if len(rows) != 1 || rows[0].Status != domain.PaymentStatusCancelled {
		t.Fatalf("expected CANCELLED payment, got %+v", rows)
	}
	if rows[0].CancelReason == nil || *rows[0].CancelReason != "customer changed mind" {
		t.Fatalf("expected cancel reason, got %v", rows[0].CancelReason)
	}
	if store.order(order.ID).PaymentStatus != domain.OrderPaymentCancelled {
		t.Fatalf("expected order CANCELLED payment status")
	}
	if got := events.types(); len(got) != 1 || got[0] != EventPaymentCancelled {
		t.Fatalf("expected payment.cancelled, got %v", got)
	}
}

func TestWebhookServiceConfirmedAfterCancelIsIgnored(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	key := "pk_1"
	store.seedPayment(domain.Payment{
		ID: "pay-1", OrderID: order.ID, Amount: 2000, Currency: "KRW", Provider: "toss",
		PaymentKey: &key, Status: domain.PaymentStatusCancelled, CreatedAt: orderTestNow,
	})
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	result, err := svc.Handle(context.Background(), signedWebhook(webhookBody("PAYMENT_CONFIRMED", order.ID, key, 2000)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != WebhookOutcomeIgnored {
		t.Fatalf("expected ignored, got %s", result.Outcome)
	}
	if store.paymentsFor(order.ID)[0].Status != domain.PaymentStatusCancelled {
		t.Fatalf("stale confirmation must not resurrect the payment")
	}
}

func TestWebhookServiceInvalidSignature(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	body := webhookBody("PAYMENT_CONFIRMED", order.ID, "pk_1", 2000)
	_, err := svc.Handle(context.Background(), WebhookCommand{Body: body, Signature: auth.SignWebhookBody("wrong", body)})
	if !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if len(store.paymentsFor(order.ID)) != 0 {
		t.Fatalf("rejected webhook must not write payments")
	}
	if store.order(order.ID).PaymentStatus != domain.OrderPaymentPending {
		t.Fatalf("rejected webhook must not touch the order")
	}
	if len(store.webhookLogs) != 1 {
		t.Fatalf("expected the delivery to be logged")
	}
	for _, entry := range store.webhookLogs {
		if entry.Processed || entry.Error == nil {
			t.Fatalf("expected log to carry the failure, got %+v", entry)
		}
	}
}

func TestWebhookServiceOversizedBodyIsLoggedAndRejected(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	full := webhookBody("PAYMENT_CONFIRMED", order.ID, "pk_1", 2000)
	cut := append(full[:len(full)-20:len(full)-20], 0xEC, 0x95)
	_, err := svc.Handle(context.Background(), WebhookCommand{Body: cut, Signature: auth.SignWebhookBody(testWebhookSecret, full), BodyTooLarge: true})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
	if len(store.paymentsFor(order.ID)) != 0 {
		t.Fatalf("oversized webhook must not write payments")
	}
	if len(store.webhookLogs) != 1 {
		t.Fatalf("expected the delivery to be logged")
	}
	for _, entry := range store.webhookLogs {
		if entry.Error == nil || !strings.Contains(*entry.Error, "PAYLOAD_TOO_LARGE") {
			t.Fatalf("expected the size failure on the log row, got %+v", entry)
		}
		if !utf8.Valid(entry.Payload) {
			t.Fatalf("logged payload must be valid UTF-8")
		}
	}
}

func TestWebhookServiceSkipsVerificationWithoutSecret(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	svc, _ := newTestWebhookService(t, store, "")

	result, err := svc.Handle(context.Background(), WebhookCommand{Body: webhookBody("PAYMENT_CONFIRMED", order.ID, "pk_1", 2000)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != WebhookOutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
}

func TestWebhookServiceAmountMismatch(t *testing.T) {
	store := newMemoryStore()
	order := seedPayableOrder(store, paidOrderID, "ORD-20240601-AAAA0001", 2000)
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	_, err := svc.Handle(context.Background(), signedWebhook(webhookBody("PAYMENT_CONFIRMED", order.ID, "pk_1", 1500)))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, entry := range store.webhookLogs {
		if entry.Error == nil {
			t.Fatalf("expected failure to be recorded on the log")
		}
	}
}

func TestWebhookServiceUnknownEventIgnored(t *testing.T) {
	store := newMemoryStore()
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	result, err := svc.Handle(context.Background(), signedWebhook([]byte(`{"eventType":"DEPOSIT_CALLBACK","data":{}}`)))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != WebhookOutcomeIgnored || result.EventType != "DEPOSIT_CALLBACK" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestWebhookServiceMalformedBody(t *testing.T) {
	store := newMemoryStore()
	svc, _ := newTestWebhookService(t, store, testWebhookSecret)

	result, err := svc.Handle(context.Background(), signedWebhook([]byte(`{not json`)))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if result.EventType != "UNPARSED" {
		t.Fatalf("expected UNPARSED event type, got %q", result.EventType)
	}
	if len(store.webhookLogs) != 1 {
		t.Fatalf("malformed deliveries must still be logged")
	}
}
