package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/branchorder/api/internal/platform/httpx"
	"github.com/branchorder/api/internal/platform/requestctx"
	"github.com/branchorder/api/internal/services"
)

type createOrderRequest struct {
	BranchID        string                   `json:"branchId"`
	CustomerName    *string                  `json:"customerName"`
	CustomerPhone   *string                  `json:"customerPhone"`
	CustomerAddress *string                  `json:"customerAddress"`
	PaymentMethod   string                   `json:"paymentMethod"`
	IdempotencyKey  string                   `json:"idempotencyKey"`
	Items           []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID string                     `json:"productId"`
	Qty       int                        `json:"qty"`
	Options   []createOrderOptionRequest `json:"options"`
}

type createOrderOptionRequest struct {
	Name       string `json:"name"`
	PriceDelta int64  `json:"priceDelta"`
}

type createOrderResponse struct {
	Order     orderPayload `json:"order"`
	Duplicate bool         `json:"duplicate"`
	Reason    string       `json:"reason,omitempty"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNo         string             `json:"orderNo"`
	BranchID        string             `json:"branchId"`
	CustomerName    *string            `json:"customerName,omitempty"`
	CustomerPhone   *string            `json:"customerPhone,omitempty"`
	CustomerAddress *string            `json:"customerAddress,omitempty"`
	PaymentMethod   string             `json:"paymentMethod"`
	Subtotal        int64              `json:"subtotal"`
	ShippingFee     int64              `json:"shippingFee"`
	Discount        int64              `json:"discount"`
	TotalAmount     int64              `json:"totalAmount"`
	Status          string             `json:"status"`
	PaymentStatus   string             `json:"paymentStatus"`
	Items           []orderItemPayload `json:"items"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt,omitempty"`
}

type orderItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Qty         int    `json:"qty"`
	UnitPrice   int64  `json:"unitPrice"`
	LineTotal   int64  `json:"lineTotal"`
}

// OrderHandlers exposes order submission and lookup.
type OrderHandlers struct {
	orders   services.OrderService
	payments services.PaymentService
}

// NewOrderHandlers constructs OrderHandlers. payments may be nil when only order routes are served.
func NewOrderHandlers(orders services.OrderService, payments services.PaymentService) *OrderHandlers {
	return &OrderHandlers{orders: orders, payments: payments}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	r.Post("/", h.createOrder)
	r.Get("/{orderRef}", h.getOrder)
	r.Get("/{orderRef}/payment", h.getOrderPayment)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = requestctx.IdempotencyKey(ctx)
	}
	cmd := services.CreateOrderCommand{
		BranchID:        req.BranchID,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerAddress: req.CustomerAddress,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  key,
		Items:           make([]services.CreateOrderItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		line := services.CreateOrderItem{ProductID: item.ProductID, Qty: item.Qty}
		for _, opt := range item.Options {
			line.Options = append(line.Options, services.CreateOrderItemOption{Name: opt.Name, PriceDelta: opt.PriceDelta})
		}
		cmd.Items = append(cmd.Items, line)
	}

	result, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, createOrderResponse{
		Order:     buildOrderPayload(result.Order),
		Duplicate: result.Duplicate,
		Reason:    string(result.Reason),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.orders.GetOrder(ctx, orderRefFromRequest(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrderPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	payment, err := h.payments.GetPayment(ctx, orderRefFromRequest(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildPaymentPayload(payment))
}

func orderRefFromRequest(r *http.Request) services.OrderRef {
	return services.OrderRef{
		Value:    strings.TrimSpace(chi.URLParam(r, "orderRef")),
		BranchID: strings.TrimSpace(r.URL.Query().Get("branch_id")),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNo:         order.OrderNo,
		BranchID:        order.BranchID,
		CustomerName:    order.CustomerName,
		CustomerPhone:   order.CustomerPhone,
		CustomerAddress: order.CustomerAddress,
		PaymentMethod:   order.PaymentMethod,
		Subtotal:        order.Subtotal,
		ShippingFee:     order.ShippingFee,
		Discount:        order.Discount,
		TotalAmount:     order.TotalAmount,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductNameSnapshot,
			Qty:         item.Qty,
			UnitPrice:   item.UnitPrice,
			LineTotal:   item.LineTotal(),
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
