package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/branchorder/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc123"})
	rec := httptest.NewRecorder()

	err := NewError("AMOUNT_MISMATCH", "amount does not\nmatch", http.StatusBadRequest).
		WithDetails(map[string]any{"expected": 2000, "status": 999})
	WriteError(ctx, rec, err)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "AMOUNT_MISMATCH" || body["message"] != "amount does not match" {
		t.Fatalf("unexpected envelope %v", body)
	}
	if body["status"] != float64(400) {
		t.Fatalf("details must not override status, got %v", body["status"])
	}
	if body["expected"] != float64(2000) {
		t.Fatalf("expected detail field, got %v", body)
	}
	if body["request_id"] != "req-1" || body["trace_id"] != "abc123" {
		t.Fatalf("expected request and trace ids, got %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		OrderID string `json:"orderId"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"orderId":"o-1"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.OrderID != "o-1" {
		t.Fatalf("decode: %v %+v", err, dst)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"orderId":"o-1"} {"x":1}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected trailing data error")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected malformed body error")
	}
}
