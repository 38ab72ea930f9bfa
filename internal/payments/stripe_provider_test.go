package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubIntents struct {
	confirmID  string
	confirmKey string
	intent     *stripe.PaymentIntent
	err        error
}

func (s *stubIntents) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	s.confirmID = id
	if params.IdempotencyKey != nil {
		s.confirmKey = *params.IdempotencyKey
	}
	return s.intent, s.err
}

func (s *stubIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.intent, s.err
}

type stubRefunds struct {
	params *stripe.RefundParams
	err    error
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return &stripe.Refund{ID: "re_1"}, s.err
}

func TestStripeProviderConfirm(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{
		ID:       "pi_1",
		Amount:   2000,
		Currency: "krw",
		Status:   stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			Paid:    true,
			Created: 1700000000,
		},
	}}
	provider, err := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{intents: intents, refunds: &stubRefunds{}}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	details, err := provider.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pi_1", OrderID: "o1", Amount: 2000, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if intents.confirmID != "pi_1" || intents.confirmKey != "k1" {
		t.Fatalf("unexpected confirm call id=%q key=%q", intents.confirmID, intents.confirmKey)
	}
	if details.Status != StatusSucceeded || details.Currency != "KRW" || details.ApprovedAt == nil {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestStripeProviderConfirmRejectsUnapprovedIntent(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_2", Amount: 100, Status: stripe.PaymentIntentStatusRequiresAction}}
	provider, _ := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{intents: intents, refunds: &stubRefunds{}}})

	_, err := provider.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pi_2", Amount: 100})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Code != "NOT_APPROVED" {
		t.Fatalf("expected NOT_APPROVED provider error, got %v", err)
	}
}

func TestStripeProviderWrapsStripeErrors(t *testing.T) {
	intents := &stubIntents{err: &stripe.Error{HTTPStatusCode: 402, Code: stripe.ErrorCodeCardDeclined, Msg: "declined"}}
	provider, _ := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{intents: intents, refunds: &stubRefunds{}}})

	_, err := provider.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pi_3"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.StatusCode != 402 || perr.Code != string(stripe.ErrorCodeCardDeclined) || perr.Raw["message"] != "declined" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
}

func TestStripeProviderPartialRefund(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{
		ID:     "pi_4",
		Amount: 5000,
		Status: stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			Paid:           true,
			Amount:         5000,
			AmountRefunded: 2000,
			Created:        1700000000,
		},
	}}
	refunds := &stubRefunds{}
	provider, _ := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{intents: intents, refunds: refunds}})

	details, err := provider.Refund(context.Background(), RefundRequest{PaymentKey: "pi_4", Amount: 2000, Reason: "requested_by_customer"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunds.params == nil || refunds.params.Amount == nil || *refunds.params.Amount != 2000 {
		t.Fatalf("expected refund amount to be forwarded")
	}
	if refunds.params.Reason == nil || *refunds.params.Reason != "requested_by_customer" {
		t.Fatalf("expected refund reason to be mapped")
	}
	if details.Status != StatusPartiallyRefunded {
		t.Fatalf("expected partial refund status, got %s", details.Status)
	}
}
