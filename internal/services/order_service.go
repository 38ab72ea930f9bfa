package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/branchorder/api/internal/domain"
	"github.com/branchorder/api/internal/platform/textutil"
	"github.com/branchorder/api/internal/repositories"
)

const orderNumberPrefix = "ORD"

var recentDuplicateStatuses = []domain.OrderStatus{domain.OrderStatusCreated, domain.OrderStatusPending}

// errIdempotencyRace marks a lost insert race on (branch_id, idempotency_key).
var errIdempotencyRace = errors.New("order: idempotency key inserted concurrently")

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Products     repositories.ProductRepository
	DedupLogs    repositories.DedupLogRepository
	Inventory    InventoryReserver
	UnitOfWork   repositories.UnitOfWork
	Windows      DedupWindows
	Clock        func() time.Time
	IDGenerator  func() string
	OrderNumbers func(now time.Time) string
	Events       EventPublisher
	Metrics      *Metrics
	Logger       Logger
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	dedupLogs  repositories.DedupLogRepository
	inventory  InventoryReserver
	unitOfWork repositories.UnitOfWork
	windows    DedupWindows
	clock      func() time.Time
	newID      func() string
	orderNo    func(time.Time) string
	events     EventPublisher
	metrics    *Metrics
	logger     Logger
	resolver   orderResolver
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory reserver is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}

	orderNo := deps.OrderNumbers
	if orderNo == nil {
		orderNo = defaultOrderNumber
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		dedupLogs:  deps.DedupLogs,
		inventory:  deps.Inventory,
		unitOfWork: unit,
		windows:    deps.Windows.withDefaults(),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		orderNo:  orderNo,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   logger,
		resolver: orderResolver{orders: deps.Orders},
	}, nil
}

// defaultOrderNumber yields ORD-YYYYMMDD-XXXXXXXX from the tail of a fresh ULID.
func defaultOrderNumber(now time.Time) string {
	id := ulid.Make().String()
	return fmt.Sprintf("%s-%s-%s", orderNumberPrefix, now.Format("20060102"), id[len(id)-8:])
}

// orderDraft is a validated, priced submission ready for dedup checks and insertion.
type orderDraft struct {
	branchID       string
	identity       CustomerIdentity
	paymentMethod  string
	idempotencyKey string
	items          []OrderItem
	subtotal       int64
	total          int64
	signature      string
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (result CreateOrderResult, err error) {
	ctx, span := startSpan(ctx, "orders.create", attribute.String("branch_id", cmd.BranchID))
	defer func() { endSpan(span, err) }()

	draft, err := s.prepareDraft(ctx, cmd)
	if err != nil {
		return CreateOrderResult{}, err
	}

	existing, err := s.resolveIdempotent(ctx, draft)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if existing != nil {
		s.recordDedup(ctx, draft, *existing, domain.DedupReasonIdempotencyHit, "", "")
		return CreateOrderResult{Order: *existing, Duplicate: true, Reason: domain.DedupReasonIdempotencyHit}, nil
	}

	policy := ResolveDuplicatePolicy(draft.branchID, draft.identity, draft.paymentMethod, s.windows)
	match, err := s.scanRecentDuplicate(ctx, draft, policy)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if match != nil {
		s.recordDedup(ctx, draft, *match, domain.DedupReasonRecentDuplicate, string(policy.Strategy), policy.DedupKey)
		return CreateOrderResult{Order: *match, Duplicate: true, Reason: domain.DedupReasonRecentDuplicate}, nil
	}

	order, err := s.createWithReservation(ctx, draft)
	if errors.Is(err, errIdempotencyRace) {
		winner, raceErr := s.resolveIdempotent(ctx, draft)
		if raceErr != nil {
			return CreateOrderResult{}, raceErr
		}
		if winner == nil {
			return CreateOrderResult{}, newError(KindUnavailable, "IDEMPOTENCY_RACE_UNRESOLVED", "concurrent order could not be loaded").wrap(err)
		}
		s.recordDedup(ctx, draft, *winner, domain.DedupReasonIdempotencyRace, "", "")
		return CreateOrderResult{Order: *winner, Duplicate: true, Reason: domain.DedupReasonIdempotencyRace}, nil
	}
	if err != nil {
		return CreateOrderResult{}, err
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":  order.ID,
		"orderNo":  order.OrderNo,
		"branchId": order.BranchID,
		"total":    order.TotalAmount,
		"strategy": string(policy.Strategy),
	})
	publish(ctx, s.events, s.logger, DomainEvent{
		Type:       EventOrderCreated,
		BranchID:   order.BranchID,
		OrderID:    order.ID,
		OrderNo:    order.OrderNo,
		Amount:     order.TotalAmount,
		Status:     string(order.Status),
		OccurredAt: order.CreatedAt,
	})
	return CreateOrderResult{Order: order}, nil
}

func (s *orderService) GetOrder(ctx context.Context, ref OrderRef) (Order, error) {
	order, err := s.resolver.resolve(ctx, ref)
	if err != nil {
		return Order{}, err
	}
	items, err := s.orders.ListItems(ctx, order.ID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
	}
	order.Items = items
	return order, nil
}

// prepareDraft validates the submission, normalises identity and prices items from the catalogue.
func (s *orderService) prepareDraft(ctx context.Context, cmd CreateOrderCommand) (orderDraft, error) {
	branchID := strings.TrimSpace(cmd.BranchID)
	if branchID == "" {
		return orderDraft{}, newError(KindValidation, "BRANCH_REQUIRED", "branch id is required")
	}
	if len(cmd.Items) == 0 {
		return orderDraft{}, newError(KindValidation, "ITEMS_REQUIRED", "order must contain at least one item")
	}

	quantities := make(map[string]int, len(cmd.Items))
	productIDs := make([]string, 0, len(cmd.Items))
	for idx, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return orderDraft{}, newError(KindValidation, "PRODUCT_REQUIRED", "product id is required").
				withDetail("index", idx)
		}
		if item.Qty <= 0 {
			return orderDraft{}, newError(KindValidation, "INVALID_QUANTITY", "quantity must be positive").
				withDetail("product_id", productID)
		}
		if len(item.Options) > 0 {
			return orderDraft{}, newError(KindValidation, "OPTIONS_NOT_SUPPORTED", "item options are not supported").
				withDetail("product_id", productID)
		}
		if _, seen := quantities[productID]; !seen {
			productIDs = append(productIDs, productID)
		}
		quantities[productID] += item.Qty
	}

	products, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return orderDraft{}, mapRepositoryError(err, "PRODUCT_NOT_FOUND", "product not found")
	}
	catalogue := make(map[string]Product, len(products))
	for _, product := range products {
		catalogue[product.ID] = product
	}

	draft := orderDraft{
		branchID:       branchID,
		paymentMethod:  normalizePaymentMethod(cmd.PaymentMethod),
		idempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		identity: CustomerIdentity{
			Name:    textutil.OptionalText(cmd.CustomerName, textutil.NormalizeName),
			Phone:   textutil.OptionalText(cmd.CustomerPhone, textutil.NormalizePhone),
			Address: textutil.OptionalText(cmd.CustomerAddress, textutil.NormalizeAddress),
		},
	}

	sort.Strings(productIDs)
	for _, productID := range productIDs {
		product, ok := catalogue[productID]
		switch {
		case !ok:
			return orderDraft{}, newError(KindValidation, "PRODUCT_NOT_FOUND", "product not found").
				withDetail("product_id", productID)
		case product.BranchID != branchID:
			return orderDraft{}, newError(KindValidation, "PRODUCT_BRANCH_MISMATCH", "product does not belong to branch").
				withDetail("product_id", productID)
		case product.Hidden:
			return orderDraft{}, newError(KindValidation, "PRODUCT_HIDDEN", "product is not available").
				withDetail("product_id", productID)
		case product.SoldOut:
			return orderDraft{}, newError(KindValidation, "PRODUCT_SOLD_OUT", "product is sold out").
				withDetail("product_id", productID)
		}
		item := OrderItem{
			ProductID:           productID,
			ProductNameSnapshot: product.Name,
			Qty:                 quantities[productID],
			UnitPrice:           product.Price,
		}
		draft.items = append(draft.items, item)
		draft.subtotal += item.LineTotal()
	}
	draft.total = draft.subtotal
	draft.signature = signatureOfItems(draft.items)
	return draft, nil
}

// resolveIdempotent returns the prior order for the draft's key. A prior order whose total or
// item signature differs is a conflict.
func (s *orderService) resolveIdempotent(ctx context.Context, draft orderDraft) (*Order, error) {
	if draft.idempotencyKey == "" {
		return nil, nil
	}
	prior, err := s.orders.FindByIdempotencyKey(ctx, draft.branchID, draft.idempotencyKey)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
	}
	if prior.TotalAmount != draft.total {
		return nil, newError(KindConflict, "IDEMPOTENCY_AMOUNT_MISMATCH", "idempotency key reused with a different total").
			withDetail("order_id", prior.ID)
	}
	items, err := s.orders.ListItems(ctx, prior.ID)
	if err != nil {
		return nil, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
	}
	if signatureOfItems(items) != draft.signature {
		return nil, newError(KindConflict, "IDEMPOTENCY_PAYLOAD_MISMATCH", "idempotency key reused with different items").
			withDetail("order_id", prior.ID)
	}
	prior.Items = items
	return &prior, nil
}

// scanRecentDuplicate returns the newest CREATED/PENDING order in the policy window whose items match.
func (s *orderService) scanRecentDuplicate(ctx context.Context, draft orderDraft, policy DuplicatePolicy) (*Order, error) {
	candidates, err := s.orders.ListRecent(ctx, repositories.RecentOrderFilter{
		BranchID:        draft.branchID,
		TotalAmount:     draft.total,
		Since:           s.clock().Add(-policy.Window),
		Limit:           policy.Lookback,
		CustomerName:    policy.Filter.CustomerName,
		CustomerPhone:   policy.Filter.CustomerPhone,
		CustomerAddress: policy.Filter.CustomerAddress,
		PaymentMethod:   policy.Filter.PaymentMethod,
		Statuses:        recentDuplicateStatuses,
	})
	if err != nil {
		return nil, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
	}
	for _, candidate := range candidates {
		items, err := s.orders.ListItems(ctx, candidate.ID)
		if err != nil {
			return nil, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
		}
		if signatureOfItems(items) == draft.signature {
			candidate.Items = items
			return &candidate, nil
		}
	}
	return nil, nil
}

// createWithReservation inserts the order, its items and the inventory reservation in one
// transaction. When the unit of work is not transactional the compensating delete removes
// whatever was written.
func (s *orderService) createWithReservation(ctx context.Context, draft orderDraft) (Order, error) {
	now := s.clock()
	order := Order{
		ID:            s.newID(),
		OrderNo:       s.orderNo(now),
		BranchID:      draft.branchID,
		CustomerName:  draft.identity.Name,
		CustomerPhone: draft.identity.Phone,
		PaymentMethod: draft.paymentMethod,
		Subtotal:      draft.subtotal,
		TotalAmount:   draft.total,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.OrderPaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	order.CustomerAddress = draft.identity.Address
	if draft.idempotencyKey != "" {
		order.IdempotencyKey = stringPtr(draft.idempotencyKey)
	}
	order.Items = make([]OrderItem, 0, len(draft.items))
	for _, item := range draft.items {
		item.ID = s.newID()
		item.OrderID = order.ID
		order.Items = append(order.Items, item)
	}

	inserted := false
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			if order.IdempotencyKey != nil && violates(err, repositories.ConstraintOrderIdempotencyKey) {
				return fmt.Errorf("%w: %v", errIdempotencyRace, err)
			}
			return mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
		}
		inserted = true

		if err := s.insertItems(txCtx, order); err != nil {
			return err
		}
		return s.inventory.Reserve(txCtx, order.BranchID, order.ID, order.OrderNo, order.Items)
	})
	if err == nil {
		return order, nil
	}
	if inserted {
		s.compensate(ctx, order.ID, err)
	}
	return Order{}, err
}

func (s *orderService) insertItems(ctx context.Context, order Order) error {
	for _, item := range order.Items {
		if err := s.orders.InsertItem(ctx, item); err != nil {
			s.logger(ctx, "order.item.insert.failed", map[string]any{
				"orderId":   order.ID,
				"productId": item.ProductID,
				"error":     err.Error(),
			})
			return newError(KindValidation, "ORDER_ITEM_INSERT_FAILED", "order items could not be stored").
				withDetail("product_id", item.ProductID).wrap(err)
		}
	}
	return nil
}

// compensate deletes a partially created order. After a rolled back transaction it is a no-op.
func (s *orderService) compensate(ctx context.Context, orderID string, cause error) {
	if err := s.orders.Delete(context.WithoutCancel(ctx), orderID); err != nil {
		s.logger(ctx, "order.rollback.failed", map[string]any{
			"orderId": orderID,
			"cause":   cause.Error(),
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "order.rolled_back", map[string]any{
		"orderId": orderID,
		"cause":   cause.Error(),
	})
}

func (s *orderService) recordDedup(ctx context.Context, draft orderDraft, order Order, reason domain.DedupReason, strategy, dedupKey string) {
	s.metrics.dedupHit(ctx, string(reason))
	s.logger(ctx, "order.dedup.hit", map[string]any{
		"orderId":  order.ID,
		"branchId": draft.branchID,
		"reason":   string(reason),
		"strategy": strategy,
	})
	if s.dedupLogs == nil {
		return
	}
	if dedupKey == "" {
		dedupKey = draft.branchID + ":" + draft.idempotencyKey
	}
	entry := DedupLog{
		BranchID:  draft.branchID,
		OrderID:   order.ID,
		Reason:    reason,
		Strategy:  strategy,
		DedupKey:  dedupKey,
		Signature: draft.signature,
		CreatedAt: s.clock(),
	}
	if err := s.dedupLogs.Append(ctx, entry); err != nil {
		s.logger(ctx, "order.dedup_log.failed", map[string]any{
			"orderId": order.ID,
			"reason":  string(reason),
			"error":   err.Error(),
		})
	}
}

func normalizePaymentMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return domain.DefaultPaymentMethod
	}
	return method
}
