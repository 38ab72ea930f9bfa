package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeProviderName = "stripe"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Payment Intents.
// The payment key is the Payment Intent id.
type StripeProvider struct {
	api     stripeClients
	account string
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// Confirm confirms a Stripe Payment Intent.
func (p *StripeProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.OrderID != "" {
		params.Metadata = map[string]string{"order_id": req.OrderID}
	}
	intent, err := p.api.intents.Confirm(req.PaymentKey, params)
	if err != nil {
		return PaymentDetails{}, stripeProviderError("confirm", err)
	}
	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	details := stripePaymentDetails(intent)
	if details.Status != StatusSucceeded {
		return PaymentDetails{}, &ProviderError{
			Provider: stripeProviderName,
			Op:       "confirm",
			Code:     "NOT_APPROVED",
			Message:  "payment intent is " + string(intent.Status),
			Raw:      details.Raw,
		}
	}
	if req.Amount > 0 && details.Amount != req.Amount {
		return PaymentDetails{}, &ProviderError{
			Provider: stripeProviderName,
			Op:       "confirm",
			Code:     "AMOUNT_MISMATCH",
			Message:  "approved amount differs from order total",
			Raw:      details.Raw,
		}
	}
	return details, nil
}

// Refund creates a refund for the Payment Intent. A zero amount refunds the remaining balance.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentKey),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if _, err := p.api.refunds.New(params); err != nil {
		return PaymentDetails{}, stripeProviderError("refund", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.PaymentKey,
		"amount":        req.Amount,
	})

	lookup := &stripe.PaymentIntentParams{}
	lookup.Context = ctx
	if p.account != "" {
		lookup.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.PaymentKey, lookup)
	if err != nil {
		return PaymentDetails{}, stripeProviderError("lookup", err)
	}
	return stripePaymentDetails(intent), nil
}

func stripeProviderError(op string, err error) *ProviderError {
	perr := &ProviderError{Provider: stripeProviderName, Op: op, Message: err.Error(), Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		perr.StatusCode = stripeErr.HTTPStatusCode
		perr.Code = string(stripeErr.Code)
		perr.Message = stripeErr.Msg
		perr.Raw = map[string]any{
			"type":       string(stripeErr.Type),
			"code":       string(stripeErr.Code),
			"message":    stripeErr.Msg,
			"request_id": stripeErr.RequestID,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		perr.Timeout = true
	}
	return perr
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusCancelled
	}

	var approvedAt, cancelledAt *time.Time
	if charge := intent.LatestCharge; charge != nil {
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			approvedAt = &t
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			t := time.Unix(charge.Created, 0).UTC()
			cancelledAt = &t
			if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
				status = StatusRefunded
			} else {
				status = StatusPartiallyRefunded
			}
		}
	}
	if intent.CanceledAt != 0 {
		t := time.Unix(intent.CanceledAt, 0).UTC()
		cancelledAt = &t
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	orderID := ""
	if intent.Metadata != nil {
		orderID = intent.Metadata["order_id"]
	}

	return PaymentDetails{
		Provider:    stripeProviderName,
		PaymentKey:  intent.ID,
		OrderID:     orderID,
		Status:      status,
		Amount:      intent.Amount,
		Currency:    currency,
		ApprovedAt:  approvedAt,
		CancelledAt: cancelledAt,
		Raw:         raw,
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
