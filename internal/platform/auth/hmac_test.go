package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []metricRecord
}

type metricRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, metricRecord{kind: kind, success: success, reason: reason})
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

func TestWebhookVerifier_Success(t *testing.T) {
	metrics := &recordingMetrics{}
	verifier := NewWebhookVerifier("whsec", WithWebhookMetrics(metrics))

	body := []byte(`{"eventType":"PAYMENT_CONFIRMED"}`)
	if err := verifier.Verify(context.Background(), body, SignWebhookBody("whsec", body)); err != nil {
		t.Fatalf("expected signature to verify: %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.records) != 1 || !metrics.records[0].success {
		t.Fatalf("expected success metric, got %+v", metrics.records)
	}
}

func TestWebhookVerifier_AcceptsBareHex(t *testing.T) {
	verifier := NewWebhookVerifier("whsec")
	body := []byte(`{}`)
	signature := strings.TrimPrefix(SignWebhookBody("whsec", body), "v1=")
	if err := verifier.Verify(context.Background(), body, signature); err != nil {
		t.Fatalf("expected bare hex signature to verify: %v", err)
	}
}

func TestWebhookVerifier_Rejections(t *testing.T) {
	verifier := NewWebhookVerifier("whsec")
	body := []byte(`{"eventType":"PAYMENT_CONFIRMED"}`)

	cases := []struct {
		name      string
		body      []byte
		signature string
		want      error
	}{
		{name: "missing", body: body, signature: "", want: ErrSignatureMissing},
		{name: "not hex", body: body, signature: "v1=zz", want: ErrSignatureInvalid},
		{name: "wrong secret", body: body, signature: SignWebhookBody("other", body), want: ErrSignatureMismatch},
		{name: "tampered body", body: []byte(`{"eventType":"PAYMENT_CANCELLED"}`), signature: SignWebhookBody("whsec", body), want: ErrSignatureMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := verifier.Verify(context.Background(), tc.body, tc.signature)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
		})
	}
}

func TestWebhookVerifier_DisabledWithoutSecret(t *testing.T) {
	verifier := NewWebhookVerifier("  ")
	if verifier.Enabled() {
		t.Fatalf("expected verifier to be disabled")
	}
	if err := verifier.Verify(context.Background(), []byte("anything"), ""); err != nil {
		t.Fatalf("expected verification to be skipped, got %v", err)
	}
}

func TestReadAndRestoreBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader([]byte("payload")))
	body, err := ReadAndRestoreBody(req, 0)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "payload" {
		t.Fatalf("unexpected body %q", body)
	}
	again, _ := io.ReadAll(req.Body)
	if string(again) != "payload" {
		t.Fatalf("expected body to be restored, got %q", again)
	}
}

func TestReadAndRestoreBodyOverLimit(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		limit   int64
		want    string
		wantErr bool
	}{
		{name: "at limit", payload: "1234", limit: 4, want: "1234"},
		{name: "over limit", payload: "12345", limit: 4, want: "1234", wantErr: true},
		{name: "no limit", payload: "12345", limit: 0, want: "12345"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader([]byte(tc.payload)))
			body, err := ReadAndRestoreBody(req, tc.limit)
			if tc.wantErr != errors.Is(err, ErrBodyTooLarge) {
				t.Fatalf("unexpected error %v", err)
			}
			if string(body) != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, body)
			}
			again, _ := io.ReadAll(req.Body)
			if string(again) != tc.want {
				t.Fatalf("expected restored body %q, got %q", tc.want, again)
			}
		})
	}
}
