package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultWebhookSignatureHeader is the header carrying the provider signature.
const DefaultWebhookSignatureHeader = "toss-signature"

const signatureVersionPrefix = "v1="

var (
	// ErrSignatureMissing indicates a secret is configured but the request carried no signature.
	ErrSignatureMissing = errors.New("auth: webhook signature missing")
	// ErrSignatureInvalid indicates the signature header could not be decoded.
	ErrSignatureInvalid = errors.New("auth: webhook signature malformed")
	// ErrSignatureMismatch indicates the signature does not match the body.
	ErrSignatureMismatch = errors.New("auth: webhook signature mismatch")
	// ErrBodyTooLarge indicates the body exceeded the read limit. The first limit bytes are still returned.
	ErrBodyTooLarge = errors.New("auth: request body too large")
)

// WebhookVerifier checks HMAC-SHA256 signatures computed over raw webhook bodies.
// With no secret configured every delivery is accepted.
type WebhookVerifier struct {
	secret  []byte
	metrics MetricsRecorder
}

// WebhookOption customises the verifier.
type WebhookOption func(*WebhookVerifier)

// WithWebhookMetrics sets the metrics recorder.
func WithWebhookMetrics(metrics MetricsRecorder) WebhookOption {
	return func(v *WebhookVerifier) {
		v.metrics = metrics
	}
}

// NewWebhookVerifier builds a verifier for the shared secret.
func NewWebhookVerifier(secret string, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{secret: []byte(strings.TrimSpace(secret))}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Enabled reports whether a secret is configured.
func (v *WebhookVerifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Verify checks signature against body. The header value may carry a "v1=" prefix and
// is compared in constant time.
func (v *WebhookVerifier) Verify(ctx context.Context, body []byte, signature string) error {
	if !v.Enabled() {
		return nil
	}
	start := time.Now()

	value := strings.TrimSpace(signature)
	if value == "" {
		v.record(ctx, false, "signature_missing", start)
		return ErrSignatureMissing
	}
	if len(value) >= len(signatureVersionPrefix) && strings.EqualFold(value[:len(signatureVersionPrefix)], signatureVersionPrefix) {
		value = value[len(signatureVersionPrefix):]
	}
	provided, err := hex.DecodeString(value)
	if err != nil {
		v.record(ctx, false, "signature_invalid", start)
		return ErrSignatureInvalid
	}

	expected := computeHMAC(v.secret, body)
	if !hmac.Equal(provided, expected) {
		v.record(ctx, false, "signature_mismatch", start)
		return ErrSignatureMismatch
	}
	v.record(ctx, true, "ok", start)
	return nil
}

func (v *WebhookVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "webhook_hmac", success, reason, time.Since(start))
}

// SignWebhookBody returns the "v1=<hex>" header value for body.
func SignWebhookBody(secret string, body []byte) string {
	return signatureVersionPrefix + hex.EncodeToString(computeHMAC([]byte(secret), body))
}

// ReadAndRestoreBody returns the raw request body and replaces it so it can be read again.
// A body longer than limit is cut at limit and reported with ErrBodyTooLarge.
func ReadAndRestoreBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	reader := io.Reader(r.Body)
	if limit > 0 {
		reader = io.LimitReader(r.Body, limit+1)
	}
	buf, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var tooLarge error
	if limit > 0 && int64(len(buf)) > limit {
		buf = buf[:limit]
		tooLarge = ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, tooLarge
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
