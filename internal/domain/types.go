package domain

import (
	"time"
)

// OrderStatus enumerates the fulfilment lifecycle of an order.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusPreparing OrderStatus = "PREPARING"
	OrderStatusReady     OrderStatus = "READY"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderPaymentStatus mirrors the payment state onto the order row.
type OrderPaymentStatus string

const (
	OrderPaymentPending         OrderPaymentStatus = "PENDING"
	OrderPaymentPaid            OrderPaymentStatus = "PAID"
	OrderPaymentFailed          OrderPaymentStatus = "FAILED"
	OrderPaymentCancelled       OrderPaymentStatus = "CANCELLED"
	OrderPaymentRefunded        OrderPaymentStatus = "REFUNDED"
	OrderPaymentPartialRefunded OrderPaymentStatus = "PARTIAL_REFUNDED"
)

// PaymentStatus enumerates the states of a payment row.
type PaymentStatus string

const (
	PaymentStatusPending         PaymentStatus = "PENDING"
	PaymentStatusSuccess         PaymentStatus = "SUCCESS"
	PaymentStatusFailed          PaymentStatus = "FAILED"
	PaymentStatusCancelled       PaymentStatus = "CANCELLED"
	PaymentStatusRefunded        PaymentStatus = "REFUNDED"
	PaymentStatusPartialRefunded PaymentStatus = "PARTIAL_REFUNDED"
)

// IsTerminalCancelled reports whether the payment has been cancelled or fully refunded.
func (s PaymentStatus) IsTerminalCancelled() bool {
	return s == PaymentStatusCancelled || s == PaymentStatusRefunded
}

// Refundable reports whether a refund may be issued from this state.
func (s PaymentStatus) Refundable() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusPartialRefunded
}

// DefaultPaymentMethod applies when a request omits the payment method.
const DefaultPaymentMethod = "CARD"

// DefaultCurrency is the settlement currency for all branches.
const DefaultCurrency = "KRW"

// Order is the persisted order header. Amounts are in the smallest currency unit.
type Order struct {
	ID              string
	OrderNo         string
	BranchID        string
	CustomerName    *string
	CustomerPhone   *string
	CustomerAddress *string
	PaymentMethod   string
	Subtotal        int64
	ShippingFee     int64
	Discount        int64
	TotalAmount     int64
	Status          OrderStatus
	PaymentStatus   OrderPaymentStatus
	IdempotencyKey  *string
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem captures a line with the product name frozen at order time.
type OrderItem struct {
	ID                  string
	OrderID             string
	ProductID           string
	ProductNameSnapshot string
	Qty                 int
	UnitPrice           int64
}

// LineTotal returns qty × unit price.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Qty) * i.UnitPrice
}

// Product is the subset of catalogue data needed to price and validate an order.
type Product struct {
	ID        string
	BranchID  string
	Name      string
	Price     int64
	Hidden    bool
	SoldOut   bool
	UpdatedAt time.Time
}

// Payment records the provider-side state of an order's payment.
type Payment struct {
	ID             string
	OrderID        string
	Amount         int64
	Currency       string
	Provider       string
	PaymentKey     *string
	IdempotencyKey *string
	Status         PaymentStatus
	RefundAmount   int64
	FailureCode    *string
	FailureMessage *string
	CancelReason   *string
	PaidAt         *time.Time
	FailedAt       *time.Time
	CancelledAt    *time.Time
	RefundedAt     *time.Time
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RefundableBalance returns the amount still available for refund.
func (p Payment) RefundableBalance() int64 {
	remaining := p.Amount - p.RefundAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DedupReason explains why a create request did not insert a new order.
type DedupReason string

const (
	DedupReasonIdempotencyHit  DedupReason = "IDEMPOTENCY_HIT"
	DedupReasonIdempotencyRace DedupReason = "IDEMPOTENCY_RACE"
	DedupReasonRecentDuplicate DedupReason = "RECENT_DUPLICATE"
)

// DedupLog is an append-only audit row.
type DedupLog struct {
	ID        string
	BranchID  string
	OrderID   string
	Reason    DedupReason
	Strategy  string
	DedupKey  string
	Signature string
	CreatedAt time.Time
}

// WebhookEventType enumerates the provider webhook events the reconciler acts on.
type WebhookEventType string

const (
	WebhookPaymentConfirmed WebhookEventType = "PAYMENT_CONFIRMED"
	WebhookPaymentCancelled WebhookEventType = "PAYMENT_CANCELLED"
)

// WebhookLog is the audit row written before a webhook is processed.
type WebhookLog struct {
	ID          string
	EventType   string
	PaymentKey  string
	OrderRef    string
	Payload     []byte
	Signature   string
	Processed   bool
	Error       *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// ReservationItem is a product quantity handed to the inventory reservation call.
type ReservationItem struct {
	ProductID string
	Qty       int
}
