package services

import (
	"context"
	"time"

	domain "github.com/branchorder/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order      = domain.Order
	OrderItem  = domain.OrderItem
	Payment    = domain.Payment
	Product    = domain.Product
	DedupLog   = domain.DedupLog
	WebhookLog = domain.WebhookLog
)

// OrderService accepts order submissions exactly once per logical request.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	GetOrder(ctx context.Context, ref OrderRef) (Order, error)
}

// PaymentService drives an order's payment through confirmation and refunds.
type PaymentService interface {
	Prepare(ctx context.Context, ref OrderRef) (PaymentPreparation, error)
	Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (ConfirmPaymentResult, error)
	Refund(ctx context.Context, cmd RefundPaymentCommand) (Payment, error)
	GetPayment(ctx context.Context, ref OrderRef) (Payment, error)
}

// WebhookService reconciles provider-pushed payment events.
type WebhookService interface {
	Handle(ctx context.Context, cmd WebhookCommand) (WebhookResult, error)
}

// EventPublisher publishes domain events after state changes commit.
type EventPublisher interface {
	PublishDomainEvent(ctx context.Context, event DomainEvent) error
}

// DomainEvent is the envelope published to downstream consumers.
type DomainEvent struct {
	Type       string         `json:"type"`
	BranchID   string         `json:"branchId,omitempty"`
	OrderID    string         `json:"orderId"`
	OrderNo    string         `json:"orderNo,omitempty"`
	PaymentID  string         `json:"paymentId,omitempty"`
	Amount     int64          `json:"amount,omitempty"`
	Status     string         `json:"status,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

const (
	EventOrderCreated     = "order.created"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentRefunded  = "payment.refunded"
)

// OrderRef identifies an order by UUID or human readable order number, optionally branch scoped.
type OrderRef struct {
	Value    string
	BranchID string
}

// CreateOrderCommand is a validated order submission.
type CreateOrderCommand struct {
	BranchID        string
	CustomerName    *string
	CustomerPhone   *string
	CustomerAddress *string
	PaymentMethod   string
	IdempotencyKey  string
	Items           []CreateOrderItem
}

// CreateOrderItem is a requested line. Options are rejected while the feature is disabled.
type CreateOrderItem struct {
	ProductID string
	Qty       int
	Options   []CreateOrderItemOption
}

// CreateOrderItemOption is a requested item option.
type CreateOrderItemOption struct {
	Name       string
	PriceDelta int64
}

// CreateOrderResult reports the order and whether it was an existing one.
type CreateOrderResult struct {
	Order     Order
	Duplicate bool
	Reason    domain.DedupReason
}

// PaymentPreparation carries what a client needs to open the provider checkout.
type PaymentPreparation struct {
	OrderID      string
	OrderNo      string
	Amount       int64
	Currency     string
	OrderName    string
	CustomerName string
}

// ConfirmPaymentCommand confirms a provider-authorised payment.
type ConfirmPaymentCommand struct {
	Order          OrderRef
	PaymentKey     string
	Amount         int64
	IdempotencyKey string
}

// ConfirmPaymentResult is the recorded payment. Replayed is set when no provider call was made.
type ConfirmPaymentResult struct {
	Payment  Payment
	Order    Order
	Replayed bool
}

// RefundPaymentCommand refunds part or all of a payment. Nil Amount refunds the remaining balance.
type RefundPaymentCommand struct {
	PaymentID string
	Amount    *int64
	Reason    string
	ActorID   string
}

// WebhookCommand is a raw webhook delivery. BodyTooLarge marks a Body cut at the transport limit.
type WebhookCommand struct {
	Body         []byte
	Signature    string
	BodyTooLarge bool
}

// WebhookResult summarises how a delivery was applied.
type WebhookResult struct {
	LogID     string
	EventType string
	Outcome   string
}

const (
	WebhookOutcomeApplied = "applied"
	WebhookOutcomeNoop    = "noop"
	WebhookOutcomeIgnored = "ignored"
)
