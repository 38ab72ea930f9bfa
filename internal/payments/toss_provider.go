package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTossBaseURL = "https://api.tosspayments.com"
	defaultTossTimeout = 15 * time.Second
	tossProviderName   = "toss"
	maxTossResponse    = 1 << 20
)

// TossLogger defines the logging contract for Toss provider operations.
type TossLogger func(ctx context.Context, event string, fields map[string]any)

// TossProviderConfig configures the TossProvider.
type TossProviderConfig struct {
	SecretKey  string
	BaseURL    string
	Timeout    time.Duration
	MockMode   bool
	HTTPClient *http.Client
	Logger     TossLogger
	Clock      func() time.Time
}

// TossProvider confirms and cancels payments over the Toss Payments REST API.
// In mock mode no request leaves the process and approvals are synthesised.
type TossProvider struct {
	baseURL    string
	authHeader string
	timeout    time.Duration
	mock       bool
	client     *http.Client
	logger     TossLogger
	clock      func() time.Time
}

// NewTossProvider constructs a Toss Provider using the given configuration.
func NewTossProvider(cfg TossProviderConfig) (*TossProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" && !cfg.MockMode {
		return nil, errors.New("toss: secret key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultTossBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("toss: invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTossTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &TossProvider{
		baseURL:    baseURL,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(secret+":")),
		timeout:    timeout,
		mock:       cfg.MockMode,
		client:     client,
		logger:     logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type tossConfirmBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

type tossCancelBody struct {
	CancelReason string `json:"cancelReason"`
	CancelAmount int64  `json:"cancelAmount,omitempty"`
}

type tossPayment struct {
	PaymentKey    string `json:"paymentKey"`
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TotalAmount   int64  `json:"totalAmount"`
	BalanceAmount int64  `json:"balanceAmount"`
	Currency      string `json:"currency"`
	Method        string `json:"method"`
	ApprovedAt    string `json:"approvedAt"`
	Cancels       []struct {
		CanceledAt string `json:"canceledAt"`
	} `json:"cancels"`
}

type tossFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Confirm approves the payment identified by req.PaymentKey.
func (p *TossProvider) Confirm(ctx context.Context, req ConfirmRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("toss: provider is nil")
	}
	if strings.TrimSpace(req.PaymentKey) == "" {
		return PaymentDetails{}, &ProviderError{Provider: tossProviderName, Op: "confirm", Code: "INVALID_REQUEST", Message: "payment key is required"}
	}
	if p.mock {
		return p.mockConfirm(ctx, req), nil
	}

	body := tossConfirmBody{PaymentKey: req.PaymentKey, OrderID: req.OrderID, Amount: req.Amount}
	payment, raw, err := p.post(ctx, "confirm", "/v1/payments/confirm", req.IdempotencyKey, body)
	if err != nil {
		return PaymentDetails{}, err
	}
	p.logger(ctx, "payments.toss.confirmed", map[string]any{
		"paymentKey": payment.PaymentKey,
		"orderId":    payment.OrderID,
		"status":     payment.Status,
	})
	return p.details(payment, raw), nil
}

// Refund cancels req.Amount of the payment. A zero amount cancels the remaining balance.
func (p *TossProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("toss: provider is nil")
	}
	if strings.TrimSpace(req.PaymentKey) == "" {
		return PaymentDetails{}, &ProviderError{Provider: tossProviderName, Op: "refund", Code: "INVALID_REQUEST", Message: "payment key is required"}
	}
	if p.mock {
		return p.mockRefund(ctx, req), nil
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "requested by merchant"
	}
	path := "/v1/payments/" + url.PathEscape(req.PaymentKey) + "/cancel"
	payment, raw, err := p.post(ctx, "refund", path, req.IdempotencyKey, tossCancelBody{CancelReason: reason, CancelAmount: req.Amount})
	if err != nil {
		return PaymentDetails{}, err
	}
	p.logger(ctx, "payments.toss.cancelled", map[string]any{
		"paymentKey": payment.PaymentKey,
		"status":     payment.Status,
		"balance":    payment.BalanceAmount,
	})
	return p.details(payment, raw), nil
}

func (p *TossProvider) post(ctx context.Context, op, path, idempotencyKey string, payload any) (tossPayment, map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return tossPayment{}, nil, &ProviderError{Provider: tossProviderName, Op: op, Message: "encode request", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return tossPayment{}, nil, &ProviderError{Provider: tossProviderName, Op: op, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Authorization", p.authHeader)
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
		message := "request failed"
		if timeout {
			message = "request timed out"
		}
		return tossPayment{}, nil, &ProviderError{Provider: tossProviderName, Op: op, Code: "NETWORK_ERROR", Message: message, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTossResponse))
	if err != nil {
		return tossPayment{}, nil, &ProviderError{Provider: tossProviderName, Op: op, StatusCode: resp.StatusCode, Code: "NETWORK_ERROR", Message: "read response", Err: err}
	}

	raw := map[string]any{}
	decodeErr := json.Unmarshal(data, &raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure tossFailure
		_ = json.Unmarshal(data, &failure)
		if failure.Message == "" {
			failure.Message = http.StatusText(resp.StatusCode)
		}
		if decodeErr != nil {
			raw = map[string]any{"body": string(data)}
		}
		return tossPayment{}, nil, &ProviderError{
			Provider:   tossProviderName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       failure.Code,
			Message:    failure.Message,
			Raw:        raw,
		}
	}
	if decodeErr != nil {
		return tossPayment{}, nil, &ProviderError{
			Provider:   tossProviderName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       "MALFORMED_RESPONSE",
			Message:    "response is not valid json",
			Raw:        map[string]any{"body": string(data)},
			Err:        decodeErr,
		}
	}

	var payment tossPayment
	if err := json.Unmarshal(data, &payment); err != nil {
		return tossPayment{}, nil, &ProviderError{Provider: tossProviderName, Op: op, StatusCode: resp.StatusCode, Code: "MALFORMED_RESPONSE", Message: "unexpected response shape", Raw: raw, Err: err}
	}
	return payment, raw, nil
}

func (p *TossProvider) details(payment tossPayment, raw map[string]any) PaymentDetails {
	details := PaymentDetails{
		Provider:   tossProviderName,
		PaymentKey: payment.PaymentKey,
		OrderID:    payment.OrderID,
		Status:     mapTossStatus(payment.Status),
		Amount:     payment.TotalAmount,
		Currency:   strings.ToUpper(payment.Currency),
		Method:     payment.Method,
		Raw:        raw,
	}
	if t, ok := parseTossTime(payment.ApprovedAt); ok {
		details.ApprovedAt = &t
	}
	if n := len(payment.Cancels); n > 0 {
		if t, ok := parseTossTime(payment.Cancels[n-1].CanceledAt); ok {
			details.CancelledAt = &t
		}
	}
	return details
}

func (p *TossProvider) mockConfirm(ctx context.Context, req ConfirmRequest) PaymentDetails {
	now := p.clock()
	p.logger(ctx, "payments.toss.mock.confirmed", map[string]any{
		"paymentKey": req.PaymentKey,
		"orderId":    req.OrderID,
	})
	return PaymentDetails{
		Provider:   tossProviderName,
		PaymentKey: req.PaymentKey,
		OrderID:    req.OrderID,
		Status:     StatusSucceeded,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Method:     "MOCK",
		ApprovedAt: &now,
		Raw: map[string]any{
			"mock":        true,
			"paymentKey":  req.PaymentKey,
			"orderId":     req.OrderID,
			"status":      "DONE",
			"totalAmount": req.Amount,
			"approvedAt":  now.Format(time.RFC3339),
		},
	}
}

func (p *TossProvider) mockRefund(ctx context.Context, req RefundRequest) PaymentDetails {
	now := p.clock()
	p.logger(ctx, "payments.toss.mock.cancelled", map[string]any{
		"paymentKey": req.PaymentKey,
		"amount":     req.Amount,
	})
	return PaymentDetails{
		Provider:    tossProviderName,
		PaymentKey:  req.PaymentKey,
		Status:      StatusCancelled,
		Amount:      req.Amount,
		CancelledAt: &now,
		Raw: map[string]any{
			"mock":         true,
			"paymentKey":   req.PaymentKey,
			"cancelAmount": req.Amount,
			"cancelReason": req.Reason,
			"canceledAt":   now.Format(time.RFC3339),
		},
	}
}

func mapTossStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DONE":
		return StatusSucceeded
	case "CANCELED", "CANCELLED":
		return StatusCancelled
	case "PARTIAL_CANCELED":
		return StatusPartiallyRefunded
	case "ABORTED", "EXPIRED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func parseTossTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
