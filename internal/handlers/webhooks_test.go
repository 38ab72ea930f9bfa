package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/branchorder/api/internal/services"
)

type stubWebhookService struct {
	handleFn func(context.Context, services.WebhookCommand) (services.WebhookResult, error)
}

func (s *stubWebhookService) Handle(ctx context.Context, cmd services.WebhookCommand) (services.WebhookResult, error) {
	return s.handleFn(ctx, cmd)
}

func TestWebhookHandlersPassesRawBodyAndSignature(t *testing.T) {
	const payload = `{"eventType":"PAYMENT_CONFIRMED","data":{"orderId":"o-1","paymentKey":"pk_1","amount":2000}}`
	var captured services.WebhookCommand
	svc := &stubWebhookService{
		handleFn: func(_ context.Context, cmd services.WebhookCommand) (services.WebhookResult, error) {
			captured = cmd
			return services.WebhookResult{LogID: "log-1", EventType: "PAYMENT_CONFIRMED", Outcome: services.WebhookOutcomeApplied}, nil
		},
	}
	h := NewWebhookHandlers(svc, "")
	router := NewRouter(WithWebhookRoutes(h.Routes))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(payload))
	req.Header.Set("toss-signature", "v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if string(captured.Body) != payload {
		t.Fatalf("expected raw body to be forwarded byte for byte, got %s", captured.Body)
	}
	if captured.Signature != "v1=abc" {
		t.Fatalf("expected default signature header, got %q", captured.Signature)
	}
	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Received || resp.Outcome != "applied" || resp.LogID != "log-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestWebhookHandlersCustomHeader(t *testing.T) {
	var captured string
	svc := &stubWebhookService{
		handleFn: func(_ context.Context, cmd services.WebhookCommand) (services.WebhookResult, error) {
			captured = cmd.Signature
			return services.WebhookResult{Outcome: services.WebhookOutcomeIgnored}, nil
		},
	}
	router := NewRouter(WithWebhookRoutes(NewWebhookHandlers(svc, "X-Provider-Signature").Routes))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{}`))
	req.Header.Set("X-Provider-Signature", "v1=def")
	router.ServeHTTP(httptest.NewRecorder(), req)
	if captured != "v1=def" {
		t.Fatalf("expected custom header value, got %q", captured)
	}
}

func TestWebhookHandlersErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"bad signature", &services.Error{Kind: services.KindSignatureVerificationFailed, Code: "INVALID_SIGNATURE", Message: "signature mismatch"}, http.StatusUnauthorized},
		{"malformed", &services.Error{Kind: services.KindValidation, Code: "MALFORMED_WEBHOOK", Message: "malformed"}, http.StatusBadRequest},
		{"store down", &services.Error{Kind: services.KindUnavailable, Code: "STORE_UNAVAILABLE", Message: "retry later"}, http.StatusServiceUnavailable},
		{"too large", &services.Error{Kind: services.KindPayloadTooLarge, Code: "PAYLOAD_TOO_LARGE", Message: "too large"}, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubWebhookService{
				handleFn: func(context.Context, services.WebhookCommand) (services.WebhookResult, error) {
					return services.WebhookResult{LogID: "log-1"}, tc.err
				},
			}
			router := NewRouter(WithWebhookRoutes(NewWebhookHandlers(svc, "").Routes))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{}`)))
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rr.Code)
			}
		})
	}
}

func TestWebhookHandlersOversizedBody(t *testing.T) {
	var captured services.WebhookCommand
	svc := &stubWebhookService{
		handleFn: func(_ context.Context, cmd services.WebhookCommand) (services.WebhookResult, error) {
			captured = cmd
			if !cmd.BodyTooLarge {
				return services.WebhookResult{Outcome: services.WebhookOutcomeIgnored}, nil
			}
			return services.WebhookResult{LogID: "log-1"}, &services.Error{Kind: services.KindPayloadTooLarge, Code: "PAYLOAD_TOO_LARGE", Message: "webhook body exceeds the size limit"}
		},
	}
	router := NewRouter(WithWebhookRoutes(NewWebhookHandlers(svc, "").Routes))

	payload := `{"eventType":"PAYMENT_CONFIRMED","padding":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(payload)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if !captured.BodyTooLarge || len(captured.Body) != maxWebhookBodyBytes {
		t.Fatalf("expected the service to see the cut body, got too_large=%v len=%d", captured.BodyTooLarge, len(captured.Body))
	}
}
