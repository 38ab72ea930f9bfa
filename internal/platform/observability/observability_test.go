package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/branchorder/api/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(baseCore))

	log(context.Background(), "order.created", map[string]any{"orderId": "o-1"})
	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	log(ctx, "payment.failure.persist_failed", map[string]any{"error": errors.New("boom")})

	if baseLogs.Len() != 1 || reqLogs.Len() != 1 {
		t.Fatalf("expected one entry per logger, got base=%d req=%d", baseLogs.Len(), reqLogs.Len())
	}
	entry := reqLogs.All()[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("failed events should log at warn, got %s", entry.Level)
	}
	if entry.ContextMap()["error"] != "boom" {
		t.Fatalf("expected error field, got %v", entry.ContextMap())
	}
	if baseLogs.All()[0].ContextMap()["event"] != "order.created" {
		t.Fatalf("expected event field")
	}
}

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(IdempotencyKeyMiddleware("Idempotency-Key"))
	router.Use(RequestLoggerMiddleware())
	router.Get("/api/v1/orders/{orderRef}", func(w http.ResponseWriter, r *http.Request) {
		if requestctx.IdempotencyKey(r.Context()) != "key-1" {
			t.Errorf("expected idempotency key on context")
		}
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ORD-1", nil)
	req.Header.Set("Idempotency-Key", "key-1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	if logs.Len() != 1 {
		t.Fatalf("expected one completion line, got %d", logs.Len())
	}
	entry := logs.All()[0]
	fields := entry.ContextMap()
	if fields["route"] != "/api/v1/orders/{orderRef}" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusNotFound) || entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn with 404, got %v %s", fields["status"], entry.Level)
	}
	if fields["idempotency_key"] != "key-1" {
		t.Fatalf("expected idempotency key field, got %v", fields)
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1f;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if spanCtx.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", spanCtx.TraceID())
	}
	if spanCtx.SpanID().String() != "000000000000001f" || !spanCtx.IsSampled() {
		t.Fatalf("unexpected span context %+v", spanCtx)
	}
	for _, header := range []string{"", "short/1", "105445aa7843bc8bf206b12000100000/", "105445aa7843bc8bf206b12000100000/zz"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	if got := SanitizeIdentifier("ab\x00c\nd"); got != "abcd" {
		t.Fatalf("expected control characters removed, got %q", got)
	}
}
