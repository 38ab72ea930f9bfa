package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp  string
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	f.lastOp = "confirm"
	return f.payment, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	f.lastOp = "refund"
	return f.payment, f.err
}

func TestManagerConfirmUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	toss := &fakeProvider{payment: PaymentDetails{PaymentKey: "pk_toss"}}
	stripe := &fakeProvider{payment: PaymentDetails{PaymentKey: "pi_stripe"}}

	mgr, err := NewManager(map[string]Provider{
		"toss":   toss,
		"stripe": stripe,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Confirm(ctx, PaymentContext{PreferredProvider: "stripe"}, ConfirmRequest{PaymentKey: "pi_stripe"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if details.Provider != "stripe" {
		t.Fatalf("expected provider 'stripe', got %q", details.Provider)
	}
	if stripe.lastOp != "confirm" {
		t.Fatalf("expected stripe provider to handle call")
	}
	if toss.lastOp != "" {
		t.Fatalf("expected toss provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	toss := &fakeProvider{}
	stripe := &fakeProvider{}

	mgr, err := NewManager(
		map[string]Provider{
			"toss":   toss,
			"stripe": stripe,
		},
		WithCurrencyRoutes(map[string]string{"usd": "stripe"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.Refund(ctx, PaymentContext{Currency: "USD"}, RefundRequest{PaymentKey: "pi_1"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if stripe.lastOp != "refund" {
		t.Fatalf("expected stripe provider to handle USD refund")
	}
}

func TestManagerFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	toss := &fakeProvider{}
	stripe := &fakeProvider{}

	mgr, err := NewManager(map[string]Provider{"toss": toss, "stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Confirm(ctx, PaymentContext{Currency: "KRW"}, ConfirmRequest{PaymentKey: "pk"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if toss.lastOp != "confirm" {
		t.Fatalf("expected confirm to invoke default provider")
	}
	if details.Provider != "toss" {
		t.Fatalf("unexpected provider in details: %q", details.Provider)
	}
	name, err := mgr.ProviderName(PaymentContext{})
	if err != nil || name != "toss" {
		t.Fatalf("expected toss provider name, got %q (%v)", name, err)
	}
}

func TestManagerPropagatesProviderErrors(t *testing.T) {
	perr := &ProviderError{Provider: "toss", Op: "confirm", Code: "REJECT_CARD_COMPANY"}
	mgr, err := NewManager(map[string]Provider{"toss": &fakeProvider{err: perr}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	_, err = mgr.Confirm(context.Background(), PaymentContext{}, ConfirmRequest{PaymentKey: "pk"})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "toss": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.Confirm(ctx, PaymentContext{PreferredProvider: "unknown"}, ConfirmRequest{})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
