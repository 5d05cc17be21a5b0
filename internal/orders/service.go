// Package orders places and cancels orders, reserving and restoring stock
// through the inventory service.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"storefront/internal/inventory"
	"storefront/internal/models"
	"storefront/internal/storage"
)

// Store persists orders.
type Store interface {
	SaveOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, expected, next models.OrderStatus) (bool, error)
}

// Stock reserves and restores inventory for a set of order lines.
type Stock interface {
	ReserveItems(ctx context.Context, items []models.OrderItem) error
	RestoreItems(ctx context.Context, items []models.OrderItem) error
}

// ServiceInterface defines the order operations used by the HTTP layer.
type ServiceInterface interface {
	Place(ctx context.Context, caller models.Identity, req *models.OrderCreateRequest) (*models.Order, error)
	Cancel(ctx context.Context, caller models.Identity, orderID string) (*models.Order, error)
	Get(ctx context.Context, caller models.Identity, orderID string) (*models.Order, error)
}

var _ ServiceInterface = (*Service)(nil)

type Service struct {
	store  Store
	stock  Stock
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(store Store, stock Stock, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:  store,
		stock:  stock,
		clock:  clk,
		logger: slog.Default().With("component", "orders"),
	}
}

// Place reserves stock for every line and records a PENDING order. If the
// order cannot be saved the reservation is returned.
func (s *Service) Place(ctx context.Context, caller models.Identity, req *models.OrderCreateRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, NewValidationError(err.Error(), err)
	}
	items := req.Normalize()

	if err := s.stock.ReserveItems(ctx, items); err != nil {
		return nil, stockError(err)
	}

	now := s.clock.Now().UTC()
	order := &models.Order{
		ID:        uuid.NewString(),
		UserID:    caller.UserID,
		Items:     items,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.SaveOrder(ctx, order); err != nil {
		if rerr := s.stock.RestoreItems(context.WithoutCancel(ctx), items); rerr != nil {
			s.logger.Error("Failed to return stock for unsaved order",
				"user_id", caller.UserID,
				"error", rerr,
			)
		}
		return nil, NewUnavailableError("failed to save order", err)
	}

	s.logger.Info("Order placed",
		"order_id", order.ID,
		"user_id", caller.UserID,
		"items", len(items),
	)
	return order, nil
}

// Cancel moves a PENDING order to CANCELLED and restores its stock. Only the
// owner or a privileged identity may cancel.
func (s *Service) Cancel(ctx context.Context, caller models.Identity, orderID string) (*models.Order, error) {
	order, err := s.Get(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}

	// Claim the transition first so two concurrent cancels cannot both
	// restore stock.
	moved, err := s.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusPending, models.OrderStatusCancelled)
	if err != nil {
		return nil, NewUnavailableError("failed to update order", err)
	}
	if !moved {
		return nil, NewConflictError(fmt.Sprintf("order '%s' cannot be cancelled", orderID), nil)
	}

	if err := s.stock.RestoreItems(ctx, order.Items); err != nil {
		if _, rerr := s.store.UpdateOrderStatus(context.WithoutCancel(ctx), orderID,
			models.OrderStatusCancelled, models.OrderStatusPending); rerr != nil {
			s.logger.Error("Failed to reopen order after restore failure",
				"order_id", orderID,
				"error", rerr,
			)
		}
		return nil, stockError(err)
	}

	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = s.clock.Now().UTC()
	s.logger.Info("Order cancelled", "order_id", orderID, "user_id", caller.UserID)
	return order, nil
}

// Get returns an order visible to caller.
func (s *Service) Get(ctx context.Context, caller models.Identity, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("order '%s' not found", orderID), err)
		}
		return nil, NewUnavailableError("failed to load order", err)
	}
	if order.UserID != caller.UserID && !caller.IsPrivileged() {
		// Indistinguishable from a missing order.
		return nil, NewNotFoundError(fmt.Sprintf("order '%s' not found", orderID), nil)
	}
	return order, nil
}

func stockError(err error) *ServiceError {
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		return NewInsufficientStockError(err)
	case errors.Is(err, inventory.ErrNotFound):
		return NewNotFoundError("product not found", err)
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return NewValidationError("quantity must be positive", err)
	case inventory.IsRetryable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewUnavailableError("inventory temporarily unavailable", err)
	default:
		return NewInternalError("inventory update failed", err)
	}
}
