package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/branchorder/api/internal/platform/auth"
	"github.com/branchorder/api/internal/platform/httpx"
	"github.com/branchorder/api/internal/platform/requestctx"
	"github.com/branchorder/api/internal/services"
)

type preparePaymentRequest struct {
	OrderID  string `json:"orderId"`
	BranchID string `json:"branchId"`
}

type confirmPaymentRequest struct {
	OrderID        string `json:"orderId"`
	BranchID       string `json:"branchId"`
	PaymentKey     string `json:"paymentKey"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type refundPaymentRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

type preparePaymentResponse struct {
	OrderID      string `json:"orderId"`
	OrderNo      string `json:"orderNo"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	OrderName    string `json:"orderName"`
	CustomerName string `json:"customerName,omitempty"`
}

type confirmPaymentResponse struct {
	Payment  paymentPayload `json:"payment"`
	Order    orderPayload   `json:"order"`
	Replayed bool           `json:"replayed"`
}

type paymentPayload struct {
	ID             string `json:"id"`
	OrderID        string `json:"orderId"`
	Amount         int64  `json:"amount"`
	RefundAmount   int64  `json:"refundAmount"`
	Currency       string `json:"currency"`
	Provider       string `json:"provider"`
	PaymentKey     string `json:"paymentKey,omitempty"`
	Status         string `json:"status"`
	FailureCode    string `json:"failureCode,omitempty"`
	FailureMessage string `json:"failureMessage,omitempty"`
	CancelReason   string `json:"cancelReason,omitempty"`
	PaidAt         string `json:"paidAt,omitempty"`
	FailedAt       string `json:"failedAt,omitempty"`
	CancelledAt    string `json:"cancelledAt,omitempty"`
	RefundedAt     string `json:"refundedAt,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// PaymentHandlers exposes payment preparation, confirmation and staff refunds.
type PaymentHandlers struct {
	payments     services.PaymentService
	requireStaff func(http.Handler) http.Handler
}

// NewPaymentHandlers constructs PaymentHandlers. requireStaff guards the refund route;
// a nil guard rejects every refund.
func NewPaymentHandlers(payments services.PaymentService, requireStaff func(http.Handler) http.Handler) *PaymentHandlers {
	return &PaymentHandlers{payments: payments, requireStaff: requireStaff}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	r.Post("/prepare", h.prepare)
	r.Post("/confirm", h.confirm)
	r.Group(func(staff chi.Router) {
		if h.requireStaff != nil {
			staff.Use(h.requireStaff)
		} else {
			staff.Use(denyAll)
		}
		staff.Post("/{paymentID}/refund", h.refund)
	})
}

func (h *PaymentHandlers) prepare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req preparePaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	prep, err := h.payments.Prepare(ctx, services.OrderRef{Value: req.OrderID, BranchID: req.BranchID})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, preparePaymentResponse{
		OrderID:      prep.OrderID,
		OrderNo:      prep.OrderNo,
		Amount:       prep.Amount,
		Currency:     prep.Currency,
		OrderName:    prep.OrderName,
		CustomerName: prep.CustomerName,
	})
}

func (h *PaymentHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req confirmPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = requestctx.IdempotencyKey(ctx)
	}
	result, err := h.payments.Confirm(ctx, services.ConfirmPaymentCommand{
		Order:          services.OrderRef{Value: req.OrderID, BranchID: req.BranchID},
		PaymentKey:     req.PaymentKey,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, confirmPaymentResponse{
		Payment:  buildPaymentPayload(result.Payment),
		Order:    buildOrderPayload(result.Order),
		Replayed: result.Replayed,
	})
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req refundPaymentRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			writeDecodeError(ctx, w, err)
			return
		}
	}
	cmd := services.RefundPaymentCommand{
		PaymentID: chi.URLParam(r, "paymentID"),
		Amount:    req.Amount,
		Reason:    req.Reason,
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		cmd.ActorID = identity.ActorID()
	}
	payment, err := h.payments.Refund(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildPaymentPayload(payment))
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("verification_unavailable", "staff authentication is not configured", http.StatusServiceUnavailable))
	})
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	return paymentPayload{
		ID:             payment.ID,
		OrderID:        payment.OrderID,
		Amount:         payment.Amount,
		RefundAmount:   payment.RefundAmount,
		Currency:       payment.Currency,
		Provider:       payment.Provider,
		PaymentKey:     deref(payment.PaymentKey),
		Status:         string(payment.Status),
		FailureCode:    deref(payment.FailureCode),
		FailureMessage: deref(payment.FailureMessage),
		CancelReason:   deref(payment.CancelReason),
		PaidAt:         formatTimePtr(payment.PaidAt),
		FailedAt:       formatTimePtr(payment.FailedAt),
		CancelledAt:    formatTimePtr(payment.CancelledAt),
		RefundedAt:     formatTimePtr(payment.RefundedAt),
		CreatedAt:      formatTime(payment.CreatedAt),
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
