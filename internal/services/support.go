package services

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/branchorder/api/internal/repositories"
)

// Logger receives structured service events. cmd/api adapts it onto zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// mapRepositoryError converts repository failures into typed service errors.
// notFoundCode names the missing resource for NotFound results.
func mapRepositoryError(err error, notFoundCode, notFoundMessage string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return newError(KindNotFound, notFoundCode, notFoundMessage).wrap(err)
		case repoErr.IsUnavailable():
			return newError(KindUnavailable, "REPOSITORY_UNAVAILABLE", "storage temporarily unavailable").wrap(err)
		case repoErr.IsConflict():
			return newError(KindConflict, "CONFLICT", "concurrent modification").wrap(err)
		}
	}
	return newError(KindUnavailable, "INTERNAL", "unexpected storage failure").wrap(err)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// violates reports whether err is a conflict on the named constraint.
func violates(err error, constraint string) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict() && repoErr.Constraint() == constraint
}

func publish(ctx context.Context, events EventPublisher, logger Logger, event DomainEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishDomainEvent(ctx, event); err != nil {
		logger(ctx, "event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

// orderResolver looks orders up by UUID first, then by order number.
type orderResolver struct {
	orders repositories.OrderRepository
}

func (r orderResolver) resolve(ctx context.Context, ref OrderRef) (Order, error) {
	value := strings.TrimSpace(ref.Value)
	if value == "" {
		return Order{}, newError(KindValidation, "ORDER_REF_REQUIRED", "order id or order number is required")
	}

	var (
		order Order
		err   error
	)
	if _, parseErr := uuid.Parse(value); parseErr == nil {
		order, err = r.orders.FindByID(ctx, value)
		if err != nil && isNotFound(err) {
			order, err = r.orders.FindByOrderNo(ctx, value)
		}
	} else {
		order, err = r.orders.FindByOrderNo(ctx, value)
	}
	if err != nil {
		return Order{}, mapRepositoryError(err, "ORDER_NOT_FOUND", "order not found")
	}

	branch := strings.TrimSpace(ref.BranchID)
	if branch != "" && order.BranchID != branch {
		return Order{}, newError(KindNotFound, "ORDER_NOT_FOUND", "order not found")
	}
	return order, nil
}

func stringPtr(value string) *string {
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
