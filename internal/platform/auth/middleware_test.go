package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const testStaffSecret = "staff-secret"

func signStaffToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func staffClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "staff-1",
		"email":     "staff@example.com",
		"branch_id": "branch-1",
		"roles":     []any{"Staff"},
		"iss":       "branchorder",
		"exp":       now.Add(time.Hour).Unix(),
	}
}

func TestRequireStaff_AllowsValidToken(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	metrics := &recordingMetrics{}
	authn := NewStaffAuthenticator(testStaffSecret,
		WithIssuer("branchorder"),
		WithStaffClock(func() time.Time { return now }),
		WithStaffMetrics(metrics),
		WithStaffLogger(noopLogger{}),
	)

	handlerCalled := false
	handler := authn.RequireStaff(RoleStaff, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "staff-1" || identity.BranchID != "branch-1" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if !identity.HasRole("staff") {
			t.Fatalf("expected normalised staff role")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/p1/refund", nil)
	req.Header.Set("Authorization", "Bearer "+signStaffToken(t, testStaffSecret, staffClaims(now)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || !handlerCalled {
		t.Fatalf("expected handler to run, got status %d", rr.Code)
	}
	if len(metrics.records) != 1 || !metrics.records[0].success || metrics.records[0].kind != "staff_jwt" {
		t.Fatalf("unexpected metrics %+v", metrics.records)
	}
}

func TestRequireStaff_Rejections(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	expired := staffClaims(now)
	expired["exp"] = now.Add(-time.Minute).Unix()

	wrongIssuer := staffClaims(now)
	wrongIssuer["iss"] = "someone-else"

	customerOnly := staffClaims(now)
	customerOnly["roles"] = []any{"customer"}

	cases := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "bad signature", header: "Bearer " + signStaffToken(t, "other", staffClaims(now)), status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "expired", header: "Bearer " + signStaffToken(t, testStaffSecret, expired), status: http.StatusUnauthorized, code: "token_expired"},
		{name: "issuer mismatch", header: "Bearer " + signStaffToken(t, testStaffSecret, wrongIssuer), status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "insufficient role", header: "Bearer " + signStaffToken(t, testStaffSecret, customerOnly), status: http.StatusForbidden, code: "insufficient_role"},
	}

	authn := NewStaffAuthenticator(testStaffSecret,
		WithIssuer("branchorder"),
		WithStaffClock(func() time.Time { return now }),
		WithStaffLogger(noopLogger{}),
	)
	handler := authn.RequireStaff(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected error code %q got %v", tc.code, body["error"])
			}
		})
	}
}

func TestRequireStaff_UnconfiguredSecret(t *testing.T) {
	authn := NewStaffAuthenticator("", WithStaffLogger(noopLogger{}))
	handler := authn.RequireStaff()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
