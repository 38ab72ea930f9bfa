package services

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/payments"
	"github.com/branchorder/api/internal/repositories"
)

type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
	constraint  string
}

func (e testRepoError) Error() string       { return e.msg }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }
func (e testRepoError) Constraint() string  { return e.constraint }

func errNotFound(what string) error { return testRepoError{msg: what + " not found", notFound: true} }

func errConflict(constraint string) error {
	return testRepoError{msg: "violates " + constraint, conflict: true, constraint: constraint}
}

// memoryStore is an in-memory stand-in for the relational store, enforcing the same unique
// constraints and status guards.
type memoryStore struct {
	mu sync.Mutex

	orders      map[string]domain.Order
	items       map[string][]domain.OrderItem
	products    map[string]domain.Product
	payments    map[string]domain.Payment
	dedupLogs   []domain.DedupLog
	webhookLogs map[string]domain.WebhookLog

	beforeOrderInsert   func(order domain.Order)
	beforePaymentInsert func(payment domain.Payment)
	orderInsertErr      error
	paymentInsertErr    error
	itemInsertErr       error
	reserveErr          error
	reserved            [][]domain.ReservationItem
	deletedOrders       []string
}

func newMemoryStore(products ...domain.Product) *memoryStore {
	store := &memoryStore{
		orders:      map[string]domain.Order{},
		items:       map[string][]domain.OrderItem{},
		products:    map[string]domain.Product{},
		payments:    map[string]domain.Payment{},
		webhookLogs: map[string]domain.WebhookLog{},
	}
	for _, product := range products {
		store.products[product.ID] = product
	}
	return store
}

func (s *memoryStore) orderRepo() *memOrderRepo         { return &memOrderRepo{s: s} }
func (s *memoryStore) productRepo() *memProductRepo     { return &memProductRepo{s: s} }
func (s *memoryStore) paymentRepo() *memPaymentRepo     { return &memPaymentRepo{s: s} }
func (s *memoryStore) dedupLogRepo() *memDedupLogRepo   { return &memDedupLogRepo{s: s} }
func (s *memoryStore) webhookLogRepo() *memWebhookRepo  { return &memWebhookRepo{s: s} }
func (s *memoryStore) inventoryRepo() *memInventoryRepo { return &memInventoryRepo{s: s} }

func (s *memoryStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memoryStore) paymentsFor(orderID string) []domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, payment := range s.payments {
		if payment.OrderID == orderID {
			out = append(out, payment)
		}
	}
	return out
}

func (s *memoryStore) order(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

// seedOrder stores an order with its items directly, bypassing hooks.
func (s *memoryStore) seedOrder(order domain.Order, items ...domain.OrderItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	s.items[order.ID] = append([]domain.OrderItem(nil), items...)
}

func (s *memoryStore) seedPayment(payment domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[payment.ID] = payment
}

type memOrderRepo struct{ s *memoryStore }

var _ repositories.OrderRepository = (*memOrderRepo)(nil)

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	if hook := r.s.beforeOrderInsert; hook != nil {
		r.s.beforeOrderInsert = nil
		hook(order)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.orderInsertErr != nil {
		return r.s.orderInsertErr
	}
	if order.IdempotencyKey != nil {
		for _, existing := range r.s.orders {
			if existing.BranchID == order.BranchID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *order.IdempotencyKey {
				return errConflict(repositories.ConstraintOrderIdempotencyKey)
			}
		}
	}
	order.Items = nil
	r.s.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) InsertItem(_ context.Context, item domain.OrderItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.itemInsertErr != nil {
		return r.s.itemInsertErr
	}
	r.s.items[item.OrderID] = append(r.s.items[item.OrderID], item)
	return nil
}

func (r *memOrderRepo) Delete(_ context.Context, orderID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.items, orderID)
	delete(r.s.orders, orderID)
	r.s.deletedOrders = append(r.s.deletedOrders, orderID)
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFound("order")
	}
	return order, nil
}

func (r *memOrderRepo) FindByOrderNo(_ context.Context, orderNo string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, order := range r.s.orders {
		if order.OrderNo == orderNo {
			return order, nil
		}
	}
	return domain.Order{}, errNotFound("order")
}

func (r *memOrderRepo) FindByIdempotencyKey(_ context.Context, branchID, key string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, order := range r.s.orders {
		if order.BranchID == branchID && order.IdempotencyKey != nil && *order.IdempotencyKey == key {
			return order, nil
		}
	}
	return domain.Order{}, errNotFound("order")
}

func (r *memOrderRepo) ListItems(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.OrderItem(nil), r.s.items[orderID]...), nil
}

func (r *memOrderRepo) ListRecent(_ context.Context, filter repositories.RecentOrderFilter) ([]domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Order
	for _, order := range r.s.orders {
		if order.BranchID != filter.BranchID || order.TotalAmount != filter.TotalAmount {
			continue
		}
		if order.CreatedAt.Before(filter.Since) {
			continue
		}
		if !statusIn(order.Status, filter.Statuses) {
			continue
		}
		if !matches(filter.CustomerName, order.CustomerName) ||
			!matches(filter.CustomerPhone, order.CustomerPhone) ||
			!matches(filter.CustomerAddress, order.CustomerAddress) {
			continue
		}
		if filter.PaymentMethod != nil && order.PaymentMethod != *filter.PaymentMethod {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memOrderRepo) UpdatePaymentStatus(_ context.Context, orderID string, status domain.OrderPaymentStatus, updatedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return errNotFound("order")
	}
	order.PaymentStatus = status
	order.UpdatedAt = updatedAt
	r.s.orders[orderID] = order
	return nil
}

func statusIn(status domain.OrderStatus, statuses []domain.OrderStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func matches(filter, value *string) bool {
	if filter == nil {
		return true
	}
	return value != nil && *value == *filter
}

type memProductRepo struct{ s *memoryStore }

func (r *memProductRepo) FindByIDs(_ context.Context, ids []string) ([]domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Product
	for _, id := range ids {
		if product, ok := r.s.products[id]; ok {
			out = append(out, product)
		}
	}
	return out, nil
}

type memPaymentRepo struct{ s *memoryStore }

var _ repositories.PaymentRepository = (*memPaymentRepo)(nil)

func (r *memPaymentRepo) Insert(_ context.Context, payment domain.Payment) error {
	if hook := r.s.beforePaymentInsert; hook != nil {
		r.s.beforePaymentInsert = nil
		hook(payment)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.paymentInsertErr != nil {
		return r.s.paymentInsertErr
	}
	for _, existing := range r.s.payments {
		if payment.IdempotencyKey != nil && existing.IdempotencyKey != nil && *payment.IdempotencyKey == *existing.IdempotencyKey {
			return errConflict(repositories.ConstraintPaymentIdempotencyKey)
		}
		if payment.Status == domain.PaymentStatusSuccess && existing.Status == domain.PaymentStatusSuccess && existing.OrderID == payment.OrderID {
			return errConflict(repositories.ConstraintPaymentSuccessPerOrder)
		}
	}
	r.s.payments[payment.ID] = payment
	return nil
}

func (r *memPaymentRepo) FindByID(_ context.Context, paymentID string) (domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	payment, ok := r.s.payments[paymentID]
	if !ok {
		return domain.Payment{}, errNotFound("payment")
	}
	return payment, nil
}

func (r *memPaymentRepo) FindByIDForUpdate(ctx context.Context, paymentID string) (domain.Payment, error) {
	return r.FindByID(ctx, paymentID)
}

func (r *memPaymentRepo) FindLatestByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		best  domain.Payment
		found bool
	)
	for _, payment := range r.s.payments {
		if payment.OrderID != orderID {
			continue
		}
		switch {
		case !found:
			best, found = payment, true
		case payment.Status == domain.PaymentStatusSuccess && best.Status != domain.PaymentStatusSuccess:
			best = payment
		case (payment.Status == domain.PaymentStatusSuccess) == (best.Status == domain.PaymentStatusSuccess) && payment.CreatedAt.After(best.CreatedAt):
			best = payment
		}
	}
	if !found {
		return domain.Payment{}, errNotFound("payment")
	}
	return best, nil
}

func (r *memPaymentRepo) FindByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, payment := range r.s.payments {
		if payment.IdempotencyKey != nil && *payment.IdempotencyKey == key {
			return payment, nil
		}
	}
	return domain.Payment{}, errNotFound("payment")
}

func (r *memPaymentRepo) FindByPaymentKey(_ context.Context, paymentKey string) (domain.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, payment := range r.s.payments {
		if payment.PaymentKey != nil && *payment.PaymentKey == paymentKey {
			return payment, nil
		}
	}
	return domain.Payment{}, errNotFound("payment")
}

func (r *memPaymentRepo) Transition(_ context.Context, payment domain.Payment, from []domain.PaymentStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.payments[payment.ID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, status := range from {
		if current.Status == status {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	if current.IdempotencyKey != nil {
		payment.IdempotencyKey = current.IdempotencyKey
	}
	payment.OrderID = current.OrderID
	payment.CreatedAt = current.CreatedAt
	r.s.payments[payment.ID] = payment
	return true, nil
}

type memDedupLogRepo struct{ s *memoryStore }

func (r *memDedupLogRepo) Append(_ context.Context, entry domain.DedupLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.dedupLogs = append(r.s.dedupLogs, entry)
	return nil
}

type memWebhookRepo struct{ s *memoryStore }

func (r *memWebhookRepo) Append(_ context.Context, entry domain.WebhookLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.webhookLogs[entry.ID] = entry
	return nil
}

func (r *memWebhookRepo) MarkProcessed(_ context.Context, id string, processedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry := r.s.webhookLogs[id]
	entry.Processed = true
	entry.Error = nil
	entry.ProcessedAt = &processedAt
	r.s.webhookLogs[id] = entry
	return nil
}

func (r *memWebhookRepo) MarkFailed(_ context.Context, id string, message string, processedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry := r.s.webhookLogs[id]
	entry.Processed = false
	entry.Error = &message
	entry.ProcessedAt = &processedAt
	r.s.webhookLogs[id] = entry
	return nil
}

type memInventoryRepo struct{ s *memoryStore }

func (r *memInventoryRepo) Reserve(_ context.Context, _, _, _ string, items []domain.ReservationItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.reserveErr != nil {
		return r.s.reserveErr
	}
	r.s.reserved = append(r.s.reserved, items)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, event DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type stubGateway struct {
	confirmFn    func(context.Context, payments.PaymentContext, payments.ConfirmRequest) (payments.PaymentDetails, error)
	refundFn     func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.PaymentDetails, error)
	confirmCalls int
	refundCalls  int
}

func (g *stubGateway) Confirm(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.PaymentDetails, error) {
	g.confirmCalls++
	if g.confirmFn != nil {
		return g.confirmFn(ctx, paymentCtx, req)
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return payments.PaymentDetails{
		Provider:   "toss",
		PaymentKey: req.PaymentKey,
		OrderID:    req.OrderID,
		Status:     payments.StatusSucceeded,
		Amount:     req.Amount,
		Currency:   req.Currency,
		ApprovedAt: &now,
	}, nil
}

func (g *stubGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	g.refundCalls++
	if g.refundFn != nil {
		return g.refundFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{
		Provider:   "toss",
		PaymentKey: req.PaymentKey,
		Status:     payments.StatusPartiallyRefunded,
		Amount:     req.Amount,
	}, nil
}

func (g *stubGateway) ProviderName(payments.PaymentContext) (string, error) {
	return "toss", nil
}

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time { return c.now }

func (c *steppingClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
