package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/branchorder/api/internal/platform/auth"
	"github.com/branchorder/api/internal/platform/httpx"
	"github.com/branchorder/api/internal/platform/requestctx"
	"github.com/branchorder/api/internal/services"
)

const (
	defaultSignatureHeader = "toss-signature"
	maxWebhookBodyBytes    = 256 << 10
)

type webhookResponse struct {
	Received  bool   `json:"received"`
	LogID     string `json:"logId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// WebhookHandlers receives payment provider webhook deliveries.
type WebhookHandlers struct {
	webhooks        services.WebhookService
	signatureHeader string
}

// NewWebhookHandlers constructs WebhookHandlers reading the signature from header.
func NewWebhookHandlers(webhooks services.WebhookService, header string) *WebhookHandlers {
	header = strings.TrimSpace(header)
	if header == "" {
		header = defaultSignatureHeader
	}
	return &WebhookHandlers{webhooks: webhooks, signatureHeader: header}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/payments", h.handlePayment)
}

func (h *WebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := auth.ReadAndRestoreBody(r, maxWebhookBodyBytes)
	tooLarge := errors.Is(err, auth.ErrBodyTooLarge)
	if err != nil && !tooLarge {
		writeBadRequest(ctx, w, "INVALID_BODY", "unable to read webhook body")
		return
	}

	// Oversized deliveries are still logged by the service.
	result, err := h.webhooks.Handle(ctx, services.WebhookCommand{
		Body:         body,
		Signature:    r.Header.Get(h.signatureHeader),
		BodyTooLarge: tooLarge,
	})
	if err != nil {
		requestctx.Logger(ctx).Warn("webhook rejected",
			zap.String("log_id", result.LogID),
			zap.String("event_type", result.EventType),
			zap.Error(err),
		)
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		LogID:     result.LogID,
		EventType: result.EventType,
		Outcome:   result.Outcome,
	})
}
